package transport

import (
	"log"
	"sync"
)

// State is the low-level connection status shared by the transports of one
// presentation session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// legalTransitions is the fixed table of allowed state changes. Error is
// reachable from every state except Error itself; Error only leaves via
// an explicit transition back to Idle.
var legalTransitions = map[State][]State{
	StateIdle:          {StateConnecting, StateError},
	StateConnecting:    {StateConnected, StateError},
	StateConnected:     {StateDisconnecting, StateError},
	StateDisconnecting: {StateIdle, StateError},
	StateError:         {StateIdle},
}

// StateMachine is the single source of truth for the transport connection
// status. When multiple transmission modes are enabled, a Central and a
// Peripheral transport share one instance and may race to claim the same
// transition; the loser's attempt is a logged no-op, not a fault.
type StateMachine struct {
	mu     sync.Mutex
	state  State
	reason string
	logger *log.Logger
}

// NewStateMachine creates a state machine in the Idle state. logger may be
// nil, in which case rejected transitions are not logged.
func NewStateMachine(logger *log.Logger) *StateMachine {
	return &StateMachine{state: StateIdle, logger: logger}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrorReason returns the message recorded with the last transition into
// the Error state, or "" if the machine is not in Error.
func (m *StateMachine) ErrorReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return ""
	}
	return m.reason
}

// TransitionTo attempts a transition to target. It returns false, leaving
// the state unchanged, if the transition is not in the legal table.
func (m *StateMachine) TransitionTo(target State) bool {
	return m.transition(target, "")
}

// Fail transitions to Error recording a human-readable reason. It follows
// the same legality rules as TransitionTo (Error->Error is rejected).
func (m *StateMachine) Fail(reason string) bool {
	return m.transition(StateError, reason)
}

func (m *StateMachine) transition(target State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range legalTransitions[m.state] {
		if allowed == target {
			if m.logger != nil {
				m.logger.Printf("state %s -> %s", m.state, target)
			}
			m.state = target
			m.reason = reason
			return true
		}
	}

	if m.logger != nil {
		m.logger.Printf("rejected state transition %s -> %s", m.state, target)
	}
	return false
}

// Reset forces the state to Idle unconditionally. Used for hard-reset
// recovery after irrecoverable transport errors.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logger != nil && m.state != StateIdle {
		m.logger.Printf("state %s reset to idle", m.state)
	}
	m.state = StateIdle
	m.reason = ""
}
