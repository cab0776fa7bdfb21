package ble

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spruceid/mdoc-proximity/transport"
)

// MockServerBackend is a test implementation of ServerBackend that
// simulates the holder-side GATT server without radio hardware.
//
// Example:
//
//	mock := ble.NewMockServerBackend()
//	p := ble.NewPeripheral(identity, mock, sm, "wallet")
//	p.Start()
//	mock.ConnectCentral()
//	mock.WriteFromCentral(ble.CharClient2Server, []byte{0x00, 0xAA})
type MockServerBackend struct {
	// OpenError, if set, is returned by Open.
	OpenError error

	// AdvertiseError, if set, is returned by Advertise.
	AdvertiseError error

	// NotifyError, if set, is returned by Notify.
	NotifyError error

	// NotifyFunc allows custom per-chunk behavior; it takes precedence
	// over NotifyError when set.
	NotifyFunc func(c Characteristic, chunk []byte) error

	// MTUValue is the MTU reported to the transport (default 23).
	MTUValue int

	// Notified records every chunk passed to Notify, per characteristic.
	Notified map[Characteristic][][]byte

	// CallLog tracks method calls for verification in tests.
	CallLog []string

	// CloseCount counts Close calls.
	CloseCount int

	// StopAdvertiseCount counts StopAdvertise calls.
	StopAdvertiseCount int

	// Advertising tracks the advertising state.
	Advertising bool

	// LocalName records the name passed to Advertise.
	LocalName string

	cb ServerCallbacks
	mu sync.Mutex
}

// NewMockServerBackend creates a MockServerBackend with default values.
func NewMockServerBackend() *MockServerBackend {
	return &MockServerBackend{
		MTUValue: DefaultMTU,
		Notified: make(map[Characteristic][][]byte),
	}
}

// Open implements ServerBackend.
func (m *MockServerBackend) Open(identity transport.ServiceIdentity, cb ServerCallbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Open")
	if m.OpenError != nil {
		return m.OpenError
	}
	m.cb = cb
	return nil
}

// Advertise implements ServerBackend.
func (m *MockServerBackend) Advertise(localName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Advertise")
	if m.AdvertiseError != nil {
		return m.AdvertiseError
	}
	m.Advertising = true
	m.LocalName = localName
	return nil
}

// StopAdvertise implements ServerBackend.
func (m *MockServerBackend) StopAdvertise() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "StopAdvertise")
	m.StopAdvertiseCount++
	m.Advertising = false
	return nil
}

// Notify implements ServerBackend.
func (m *MockServerBackend) Notify(c Characteristic, chunk []byte) error {
	m.mu.Lock()
	notifyFunc := m.NotifyFunc
	notifyErr := m.NotifyError
	m.mu.Unlock()

	if notifyFunc != nil {
		if err := notifyFunc(c, chunk); err != nil {
			return err
		}
	} else if notifyErr != nil {
		return notifyErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Notify:%s", c))
	m.Notified[c] = append(m.Notified[c], append([]byte(nil), chunk...))
	return nil
}

// MTU implements ServerBackend.
func (m *MockServerBackend) MTU() int {
	return m.MTUValue
}

// Close implements ServerBackend.
func (m *MockServerBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Close")
	m.CloseCount++
	return nil
}

// ConnectCentral simulates a central connecting to the server.
func (m *MockServerBackend) ConnectCentral() {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnCentralConnected != nil {
		cb.OnCentralConnected()
	}
}

// DisconnectCentral simulates the connected central going away.
func (m *MockServerBackend) DisconnectCentral() {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnCentralDisconnected != nil {
		cb.OnCentralDisconnected()
	}
}

// WriteFromCentral simulates a characteristic write from the central.
func (m *MockServerBackend) WriteFromCentral(c Characteristic, value []byte) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnWrite != nil {
		cb.OnWrite(c, value)
	}
}

// MockClientBackend is a test implementation of ClientBackend that
// simulates the reader-side GATT peripheral without radio hardware.
type MockClientBackend struct {
	// ScanError, if set, is returned by Scan.
	ScanError error

	// ConnectError, if set, is returned by Connect.
	ConnectError error

	// WriteError, if set, is returned by Write.
	WriteError error

	// WriteFunc allows custom per-chunk behavior; it takes precedence
	// over WriteError when set.
	WriteFunc func(c Characteristic, chunk []byte) error

	// IdentValue is returned by ReadIdent.
	IdentValue []byte

	// ReadIdentError, if set, is returned by ReadIdent.
	ReadIdentError error

	// MTUValue is the MTU reported to the transport (default 23).
	MTUValue int

	// Written records every chunk passed to Write, per characteristic.
	Written map[Characteristic][][]byte

	// CallLog tracks method calls for verification in tests.
	CallLog []string

	// ScanActive tracks whether a scan is running.
	ScanActive bool

	// DisconnectCount counts Disconnect calls.
	DisconnectCount int

	found func(desc string)
	cb    ClientCallbacks
	mu    sync.Mutex
}

// NewMockClientBackend creates a MockClientBackend with default values.
func NewMockClientBackend() *MockClientBackend {
	return &MockClientBackend{
		MTUValue: DefaultMTU,
		Written:  make(map[Characteristic][][]byte),
	}
}

// Scan implements ClientBackend.
func (m *MockClientBackend) Scan(service uuid.UUID, found func(desc string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Scan")
	if m.ScanError != nil {
		return m.ScanError
	}
	m.ScanActive = true
	m.found = found
	return nil
}

// StopScan implements ClientBackend.
func (m *MockClientBackend) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "StopScan")
	m.ScanActive = false
	m.found = nil
	return nil
}

// Connect implements ClientBackend.
func (m *MockClientBackend) Connect(cb ClientCallbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Connect")
	if m.ConnectError != nil {
		return m.ConnectError
	}
	m.cb = cb
	return nil
}

// ReadIdent implements ClientBackend.
func (m *MockClientBackend) ReadIdent() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "ReadIdent")
	if m.ReadIdentError != nil {
		return nil, m.ReadIdentError
	}
	return m.IdentValue, nil
}

// Write implements ClientBackend.
func (m *MockClientBackend) Write(c Characteristic, chunk []byte) error {
	m.mu.Lock()
	writeFunc := m.WriteFunc
	writeErr := m.WriteError
	m.mu.Unlock()

	if writeFunc != nil {
		if err := writeFunc(c, chunk); err != nil {
			return err
		}
	} else if writeErr != nil {
		return writeErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Write:%s", c))
	m.Written[c] = append(m.Written[c], append([]byte(nil), chunk...))
	return nil
}

// MTU implements ClientBackend.
func (m *MockClientBackend) MTU() int {
	return m.MTUValue
}

// Disconnect implements ClientBackend.
func (m *MockClientBackend) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Disconnect")
	m.DisconnectCount++
	return nil
}

// DiscoverPeer simulates a scan result for a matching advertiser.
func (m *MockClientBackend) DiscoverPeer(desc string) {
	m.mu.Lock()
	found := m.found
	m.mu.Unlock()
	if found != nil {
		found(desc)
	}
}

// NotifyFromPeer simulates a notification from the connected reader.
func (m *MockClientBackend) NotifyFromPeer(c Characteristic, value []byte) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnNotify != nil {
		cb.OnNotify(c, value)
	}
}

// DropConnection simulates the reader dropping the link.
func (m *MockClientBackend) DropConnection() {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnDisconnected != nil {
		cb.OnDisconnected()
	}
}
