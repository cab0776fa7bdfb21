package ble

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/spruceid/mdoc-proximity/transport"
)

// Fixed characteristic UUIDs, parsed once.
var (
	uuidPeriphState         = mustUUID(PeripheralStateUUID)
	uuidPeriphClient2Server = mustUUID(PeripheralClient2ServerUUID)
	uuidPeriphServer2Client = mustUUID(PeripheralServer2ClientUUID)

	uuidCentralState         = mustUUID(CentralStateUUID)
	uuidCentralClient2Server = mustUUID(CentralClient2ServerUUID)
	uuidCentralServer2Client = mustUUID(CentralServer2ClientUUID)
	uuidCentralIdent         = mustUUID(CentralIdentUUID)
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

func toBluetoothUUID(u uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(u))
}

// TinyGoServer implements ServerBackend on tinygo.org/x/bluetooth,
// hosting the mdoc peripheral server mode service.
type TinyGoServer struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu            sync.Mutex
	adv           *bluetooth.Advertisement
	serviceUUID   bluetooth.UUID
	state         bluetooth.Characteristic
	client2server bluetooth.Characteristic
	server2client bluetooth.Characteristic
	advertising   bool
	mtu           int
}

// NewTinyGoServer creates a server backend on the given adapter. Pass
// bluetooth.DefaultAdapter outside of tests.
func NewTinyGoServer(adapter *bluetooth.Adapter) *TinyGoServer {
	return &TinyGoServer{
		adapter: adapter,
		logger:  log.New(os.Stderr, "[ble-gatt-server] ", log.LstdFlags),
		mtu:     DefaultMTU,
	}
}

// Open implements ServerBackend.
func (s *TinyGoServer) Open(identity transport.ServiceIdentity, cb ServerCallbacks) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	s.mu.Lock()
	s.serviceUUID = toBluetoothUUID(identity.ServiceUUID)
	s.mu.Unlock()

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			if cb.OnCentralConnected != nil {
				cb.OnCentralConnected()
			}
		} else {
			if cb.OnCentralDisconnected != nil {
				cb.OnCentralDisconnected()
			}
		}
	})

	onWrite := func(char Characteristic) func(client bluetooth.Connection, offset int, value []byte) {
		return func(client bluetooth.Connection, offset int, value []byte) {
			if cb.OnWrite != nil {
				cb.OnWrite(char, append([]byte(nil), value...))
			}
		}
	}

	err := s.adapter.AddService(&bluetooth.Service{
		UUID: s.serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle:     &s.state,
				UUID:       uuidPeriphState,
				Flags:      bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: onWrite(CharState),
			},
			{
				Handle:     &s.client2server,
				UUID:       uuidPeriphClient2Server,
				Flags:      bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: onWrite(CharClient2Server),
			},
			{
				Handle: &s.server2client,
				UUID:   uuidPeriphServer2Client,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}
	return nil
}

// Advertise implements ServerBackend.
func (s *TinyGoServer) Advertise(localName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adv = s.adapter.DefaultAdvertisement()
	err := s.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{s.serviceUUID},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	s.advertising = true
	return nil
}

// StopAdvertise implements ServerBackend.
func (s *TinyGoServer) StopAdvertise() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising || s.adv == nil {
		return nil
	}
	s.advertising = false
	return s.adv.Stop()
}

// Notify implements ServerBackend.
func (s *TinyGoServer) Notify(c Characteristic, chunk []byte) error {
	var char bluetooth.Characteristic
	switch c {
	case CharState:
		char = s.state
	case CharServer2Client:
		char = s.server2client
	default:
		return fmt.Errorf("characteristic %s is not notifiable", c)
	}

	n, err := char.Write(chunk)
	if err != nil {
		return err
	}
	if n != len(chunk) {
		return fmt.Errorf("short notify: %d of %d bytes", n, len(chunk))
	}
	return nil
}

// MTU implements ServerBackend. The server side has no negotiation
// callback in the backend library, so this stays at the ATT minimum
// unless SetMTU is called with a platform-known value.
func (s *TinyGoServer) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// SetMTU overrides the chunking MTU.
func (s *TinyGoServer) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtu = mtu
}

// Close implements ServerBackend. The backend library has no service
// removal API; stopping the advertisement is the effective teardown.
func (s *TinyGoServer) Close() error {
	return s.StopAdvertise()
}

// TinyGoClient implements ClientBackend on tinygo.org/x/bluetooth,
// talking to a reader hosting the mdoc central client mode service.
type TinyGoClient struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu          sync.Mutex
	serviceUUID bluetooth.UUID
	foundAddr   bluetooth.Address
	haveAddr    bool
	device      bluetooth.Device
	connected   bool
	chars       map[Characteristic]bluetooth.DeviceCharacteristic
}

// NewTinyGoClient creates a client backend on the given adapter.
func NewTinyGoClient(adapter *bluetooth.Adapter) *TinyGoClient {
	return &TinyGoClient{
		adapter: adapter,
		logger:  log.New(os.Stderr, "[ble-gatt-client] ", log.LstdFlags),
		chars:   make(map[Characteristic]bluetooth.DeviceCharacteristic),
	}
}

// Scan implements ClientBackend. The underlying Scan call blocks until
// StopScan, so it runs on its own goroutine; results funnel through the
// found callback.
func (c *TinyGoClient) Scan(service uuid.UUID, found func(desc string)) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	c.mu.Lock()
	c.serviceUUID = toBluetoothUUID(service)
	target := c.serviceUUID
	c.mu.Unlock()

	go func() {
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(target) {
				return
			}
			c.mu.Lock()
			c.foundAddr = result.Address
			c.haveAddr = true
			c.mu.Unlock()
			found(result.Address.String())
		})
		if err != nil {
			c.logger.Printf("scan terminated: %v", err)
		}
	}()
	return nil
}

// StopScan implements ClientBackend.
func (c *TinyGoClient) StopScan() error {
	return c.adapter.StopScan()
}

// Connect implements ClientBackend.
func (c *TinyGoClient) Connect(cb ClientCallbacks) error {
	c.mu.Lock()
	haveAddr := c.haveAddr
	addr := c.foundAddr
	c.mu.Unlock()
	if !haveAddr {
		return fmt.Errorf("no scanned peer to connect to")
	}

	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected && cb.OnDisconnected != nil {
			cb.OnDisconnected()
		}
	})

	device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr.String(), err)
	}

	c.mu.Lock()
	c.device = device
	c.connected = true
	c.mu.Unlock()

	svcs, err := device.DiscoverServices([]bluetooth.UUID{c.serviceUUID})
	if err != nil || len(svcs) == 0 {
		device.Disconnect()
		return fmt.Errorf("discover service: %w", err)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{
		uuidCentralState,
		uuidCentralClient2Server,
		uuidCentralServer2Client,
		uuidCentralIdent,
	})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("discover characteristics: %w", err)
	}

	c.mu.Lock()
	for _, char := range chars {
		switch char.UUID() {
		case uuidCentralState:
			c.chars[CharState] = char
		case uuidCentralClient2Server:
			c.chars[CharClient2Server] = char
		case uuidCentralServer2Client:
			c.chars[CharServer2Client] = char
		case uuidCentralIdent:
			c.chars[CharIdent] = char
		}
	}
	stateChar, haveState := c.chars[CharState]
	s2cChar, haveS2C := c.chars[CharServer2Client]
	c.mu.Unlock()

	if !haveState || !haveS2C {
		device.Disconnect()
		return fmt.Errorf("reader is missing mdoc characteristics")
	}

	if cb.OnNotify != nil {
		err = stateChar.EnableNotifications(func(buf []byte) {
			cb.OnNotify(CharState, append([]byte(nil), buf...))
		})
		if err != nil {
			device.Disconnect()
			return fmt.Errorf("subscribe state: %w", err)
		}
		err = s2cChar.EnableNotifications(func(buf []byte) {
			cb.OnNotify(CharServer2Client, append([]byte(nil), buf...))
		})
		if err != nil {
			device.Disconnect()
			return fmt.Errorf("subscribe server2client: %w", err)
		}
	}
	return nil
}

// ReadIdent implements ClientBackend.
func (c *TinyGoClient) ReadIdent() ([]byte, error) {
	c.mu.Lock()
	char, ok := c.chars[CharIdent]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ident characteristic not discovered")
	}

	buf := make([]byte, 64)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read ident: %w", err)
	}
	return buf[:n], nil
}

// Write implements ClientBackend.
func (c *TinyGoClient) Write(ch Characteristic, chunk []byte) error {
	c.mu.Lock()
	char, ok := c.chars[ch]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s not discovered", ch)
	}

	n, err := char.WriteWithoutResponse(chunk)
	if err != nil {
		return err
	}
	if n != len(chunk) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(chunk))
	}
	return nil
}

// MTU implements ClientBackend.
func (c *TinyGoClient) MTU() int {
	c.mu.Lock()
	char, ok := c.chars[CharClient2Server]
	c.mu.Unlock()
	if !ok {
		return DefaultMTU
	}

	mtu, err := char.GetMTU()
	if err != nil || int(mtu) < DefaultMTU {
		return DefaultMTU
	}
	return int(mtu)
}

// Disconnect implements ClientBackend.
func (c *TinyGoClient) Disconnect() error {
	c.mu.Lock()
	connected := c.connected
	c.connected = false
	device := c.device
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return device.Disconnect()
}
