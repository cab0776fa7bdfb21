// Package ble implements the ISO 18013-5 proximity transports over
// Bluetooth Low Energy: the holder acting as GATT server (Peripheral) or
// as GATT client (Central). Radio access goes through the ServerBackend
// and ClientBackend interfaces; a real backend bound to
// tinygo.org/x/bluetooth and mock backends for tests are both provided.
package ble

import (
	"github.com/google/uuid"

	"github.com/spruceid/mdoc-proximity/transport"
)

// Characteristic identifies one of the mdoc GATT characteristics
// independent of which mode's UUID set is in use.
type Characteristic int

const (
	CharState Characteristic = iota
	CharClient2Server
	CharServer2Client
	CharIdent
)

func (c Characteristic) String() string {
	switch c {
	case CharState:
		return "state"
	case CharClient2Server:
		return "client2server"
	case CharServer2Client:
		return "server2client"
	case CharIdent:
		return "ident"
	default:
		return "unknown"
	}
}

// ServerCallbacks are invoked by a ServerBackend from its own threads.
// The Peripheral transport hands them off to its event channel; callers
// must not block.
type ServerCallbacks struct {
	// OnCentralConnected fires when a central connects to the server.
	OnCentralConnected func()

	// OnCentralDisconnected fires when the connected central goes away.
	OnCentralDisconnected func()

	// OnWrite fires for every characteristic write received from the
	// central. value is only valid for the duration of the call.
	OnWrite func(c Characteristic, value []byte)
}

// ServerBackend hosts the mdoc GATT service and advertises it. At most
// one central connection is accepted per session.
type ServerBackend interface {
	// Open registers the service and characteristics for the identity.
	Open(identity transport.ServiceIdentity, cb ServerCallbacks) error

	// Advertise begins advertising the service UUID, overriding the
	// adapter's visible local name for reader-side identification.
	Advertise(localName string) error

	// StopAdvertise stops advertising and restores the adapter name.
	StopAdvertise() error

	// Notify sends one chunk to the subscribed central on the given
	// characteristic.
	Notify(c Characteristic, chunk []byte) error

	// MTU returns the negotiated ATT MTU for the current connection.
	MTU() int

	// Close tears down the GATT server.
	Close() error
}

// ClientCallbacks are invoked by a ClientBackend from its own threads.
type ClientCallbacks struct {
	// OnNotify fires for every notification received from the peripheral.
	OnNotify func(c Characteristic, value []byte)

	// OnDisconnected fires when the link to the peripheral drops.
	OnDisconnected func()
}

// ClientBackend scans for and connects to a reader acting as the GATT
// peripheral. Scan must not block; results are delivered through the
// found callback until StopScan.
type ClientBackend interface {
	// Scan starts scanning filtered by the service UUID. found is called
	// for each matching advertiser with a human-readable description of
	// the peer (typically its address).
	Scan(service uuid.UUID, found func(desc string)) error

	// StopScan stops a scan in progress.
	StopScan() error

	// Connect connects to the most recently found advertiser and
	// discovers the mdoc characteristics.
	Connect(cb ClientCallbacks) error

	// ReadIdent reads the Ident characteristic of the connected reader.
	ReadIdent() ([]byte, error)

	// Write sends one chunk to the given characteristic.
	Write(c Characteristic, chunk []byte) error

	// MTU returns the negotiated ATT MTU for the current connection.
	MTU() int

	// Disconnect drops the GATT connection.
	Disconnect() error
}
