// Package transport defines the pieces shared by every proximity transport
// of a presentation session: the connection state machine, the chunking
// protocol used over GATT characteristics, the closed set of transport
// events, and the per-attempt service identity.
package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Role is the BLE role the holder plays for one transport instance.
type Role int

const (
	// RolePeripheral: the holder advertises and accepts (GATT server).
	RolePeripheral Role = iota
	// RoleCentral: the holder scans and connects (GATT client).
	RoleCentral
)

func (r Role) String() string {
	switch r {
	case RolePeripheral:
		return "peripheral"
	case RoleCentral:
		return "central"
	default:
		return "unknown"
	}
}

// IdentLength is the size of the ident value shared through engagement
// and verified over the BLE link.
const IdentLength = 16

// ServiceIdentity is the ephemeral identity of one connection attempt:
// the advertised/scanned service UUID, the holder's role, and the ident
// value used to authenticate the link after engagement. It is immutable
// for the lifetime of one attempt and regenerated after session teardown
// to prevent replay linkage across presentations.
type ServiceIdentity struct {
	ServiceUUID uuid.UUID
	Role        Role
	Ident       []byte
}

// NewServiceIdentity generates a fresh random identity for the given role.
func NewServiceIdentity(role Role) (ServiceIdentity, error) {
	ident := make([]byte, IdentLength)
	if _, err := rand.Read(ident); err != nil {
		return ServiceIdentity{}, fmt.Errorf("generate ident: %w", err)
	}
	return ServiceIdentity{
		ServiceUUID: uuid.New(),
		Role:        role,
		Ident:       ident,
	}, nil
}

// Transport is the common capability interface over the configured
// transmission modes. Implementations report everything after Start
// through their event channel; expected operational conditions (peer
// gone, soft scan failures) never surface as returned errors.
type Transport interface {
	// Role returns the BLE role this transport plays.
	Role() Role

	// Identity returns the service identity this transport was built with.
	Identity() ServiceIdentity

	// Start begins advertising (peripheral) or scanning (central). Only
	// unrecoverable setup failures are returned; the session must then be
	// reset and restarted with fresh identity.
	Start() error

	// Send transmits one logical message to the connected peer, reporting
	// progress through the event channel.
	Send(payload []byte) error

	// Stop performs a graceful teardown, signalling termination to the
	// peer when one is connected.
	Stop() error

	// HardReset tears everything down regardless of current state and
	// forces the connection state machine back to Idle.
	HardReset()

	// Events returns the channel transport notifications are delivered on.
	// The channel is closed after HardReset or a completed Stop.
	Events() <-chan Event
}
