package hce

import (
	"log"
	"sync"
)

// ListenManager controls which application identifiers the OS NFC
// subsystem listens for. The mdoc AID is always registered; NDEF
// listening is toggled on for the duration of a handover negotiation
// because platforms constrain simultaneous AID group registration.
type ListenManager interface {
	// EnableNDEF registers the NDEF application AID alongside the mdoc
	// AID. Idempotent.
	EnableNDEF()

	// DisableNDEF collapses back to mdoc-only AID registration.
	// Idempotent.
	DisableNDEF()
}

// LogListenManager is a ListenManager that only logs the toggles. It is
// the default where no OS integration is wired in.
type LogListenManager struct {
	Logger *log.Logger

	mu      sync.Mutex
	enabled bool
}

// EnableNDEF implements ListenManager.
func (m *LogListenManager) EnableNDEF() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return
	}
	m.enabled = true
	if m.Logger != nil {
		m.Logger.Printf("NDEF AID listening enabled")
	}
}

// DisableNDEF implements ListenManager.
func (m *LogListenManager) DisableNDEF() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	if m.Logger != nil {
		m.Logger.Printf("NDEF AID listening disabled")
	}
}

// MockListenManager records toggles for verification in tests.
type MockListenManager struct {
	mu      sync.Mutex
	CallLog []string
	Enabled bool
}

// EnableNDEF implements ListenManager.
func (m *MockListenManager) EnableNDEF() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "EnableNDEF")
	m.Enabled = true
}

// DisableNDEF implements ListenManager.
func (m *MockListenManager) DisableNDEF() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "DisableNDEF")
	m.Enabled = false
}

// Calls returns a copy of the call log.
func (m *MockListenManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}
