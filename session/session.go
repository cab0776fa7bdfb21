package session

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/spruceid/mdoc-proximity/transport"
)

// TransportFactory builds one transport for a freshly generated
// identity. sm is the connection state machine shared by all transports
// of the session.
type TransportFactory func(identity transport.ServiceIdentity, sm *transport.StateMachine) (transport.Transport, error)

// Config configures a presentation session.
type Config struct {
	// Modes lists the transmission modes to enable. When more than one
	// is configured, the first transport to complete its connection
	// handshake is promoted to active and the others are discarded.
	Modes []transport.Role

	// Factory builds the transport for each mode.
	Factory TransportFactory

	// MDoc parses requests and assembles responses.
	MDoc MDocSession

	// Signer signs the response payload.
	Signer Signer

	// OnState, when set, is invoked from the session's own goroutine for
	// every state change. It must not block.
	OnState func(State)

	Logger *log.Logger
}

// sourcedEvent pairs a transport event with the transport it came from.
type sourcedEvent struct {
	src transport.Transport
	ev  transport.Event
}

// Session is the presentation session orchestrator. All state after
// Start lives on one goroutine; transport callbacks and API calls are
// queued into it, which is the sole synchronization discipline.
type Session struct {
	cfg    Config
	logger *log.Logger

	cmds   chan func()
	events chan sourcedEvent
	states chan State
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the run goroutine after Start.
	sm         *transport.StateMachine
	transports []transport.Transport
	active     transport.Transport
	state      State
	pending    []ItemsRequest
	closed     bool
}

// New creates a session. It does nothing until Start.
func New(cfg Config) (*Session, error) {
	if len(cfg.Modes) == 0 {
		return nil, fmt.Errorf("no transmission modes configured")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.MDoc == nil {
		return nil, fmt.Errorf("mdoc collaborator is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		cmds:   make(chan func(), 16),
		events: make(chan sourcedEvent, 64),
		states: make(chan State, 16),
		done:   make(chan struct{}),
		sm:     transport.NewStateMachine(logger),
		state:  State{Kind: KindInitializing},
	}, nil
}

// States returns the channel presentation states are published on. The
// channel is never closed; consumers stop reading after a terminal
// state or Disconnect.
func (s *Session) States() <-chan State {
	return s.states
}

// ConnectionState exposes the shared connection state machine's current
// value.
func (s *Session) ConnectionState() transport.State {
	return s.sm.Current()
}

// Start builds and starts the configured transports, then publishes
// Connecting with the engagement payload. The engagement is only
// emitted once every surviving transport is actually listening or
// advertising, so a reader scanning the QR code can connect
// immediately. Start fails only if every configured mode fails setup.
func (s *Session) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.startTransports()
		go s.run()
	})
	return startErr
}

func (s *Session) startTransports() error {
	engagement, err := s.buildTransports()
	if err != nil {
		s.publish(State{Kind: KindError, Err: err})
		return err
	}

	qr, err := engagement.QR()
	if err != nil {
		s.publish(State{Kind: KindError, Err: err})
		return err
	}

	s.publish(State{Kind: KindConnecting, Engagement: qr})
	return nil
}

// buildTransports generates fresh identities, constructs a transport
// per configured mode, and starts them. A mode whose setup fails is
// dropped from consideration; if all fail the session cannot proceed.
func (s *Session) buildTransports() (Engagement, error) {
	var engagement Engagement
	var lastErr error

	for _, mode := range s.cfg.Modes {
		identity, err := transport.NewServiceIdentity(mode)
		if err != nil {
			return engagement, err
		}

		t, err := s.cfg.Factory(identity, s.sm)
		if err != nil {
			s.logger.Printf("%s mode unavailable: %v", mode, err)
			lastErr = err
			continue
		}
		if err := t.Start(); err != nil {
			s.logger.Printf("%s mode failed to start: %v", mode, err)
			lastErr = err
			continue
		}

		s.transports = append(s.transports, t)
		go s.forward(t)

		switch mode {
		case transport.RolePeripheral:
			id := t.Identity()
			engagement.Peripheral = &id
		case transport.RoleCentral:
			id := t.Identity()
			engagement.Central = &id
		}
	}

	if len(s.transports) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no transport could be started")
		}
		return engagement, fmt.Errorf("all transmission modes failed: %w", lastErr)
	}
	return engagement, nil
}

// forward pumps one transport's events into the session's serialized
// context. It exits when the transport closes its channel.
func (s *Session) forward(t transport.Transport) {
	for ev := range t.Events() {
		select {
		case s.events <- sourcedEvent{src: t, ev: ev}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case se := <-s.events:
			s.handleEvent(se.src, se.ev)
		case <-s.done:
			// Commands queued ahead of the shutdown signal (Stop's own
			// teardown included) must still run; the select order is not
			// allowed to skip them.
			for {
				select {
				case fn := <-s.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue runs fn on the session goroutine.
func (s *Session) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) handleEvent(src transport.Transport, ev transport.Event) {
	if s.closed {
		return
	}
	// Once a transport has won the arbitration, events from the losers
	// are stale.
	if s.active != nil && src != s.active {
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		s.promote(src)

	case transport.EventReceiveProgress:
		if s.state.Kind == KindConnected || s.state.Kind == KindReceivingRequest {
			s.publish(State{Kind: KindReceivingRequest, BytesDone: ev.BytesDone})
		}

	case transport.EventMessage:
		s.handleRequest(ev.Message)

	case transport.EventSendProgress:
		if s.state.Kind == KindSendingResponse {
			s.publish(State{Kind: KindSendingResponse, BytesDone: ev.BytesDone, TotalBytes: ev.TotalBytes})
		}

	case transport.EventDisconnected:
		if !s.state.Terminal() {
			s.publish(State{Kind: KindReaderDisconnected})
		}

	case transport.EventTermination:
		// A graceful close after the response went out is the normal end
		// of a presentation; anything earlier means the reader walked
		// away.
		if !s.state.Terminal() {
			s.publish(State{Kind: KindReaderDisconnected})
		}

	case transport.EventError:
		if !s.state.Terminal() {
			s.publish(State{Kind: KindError, Err: ev.Err})
		}
	}
}

// promote makes src the active transport and discards the rest.
func (s *Session) promote(src transport.Transport) {
	if s.active == nil {
		s.active = src
		for _, t := range s.transports {
			if t != src {
				s.logger.Printf("discarding %s transport, %s connected first", t.Role(), src.Role())
				t.Stop()
			}
		}
	}
	if s.state.Kind == KindConnecting || s.state.Kind == KindInitializing {
		s.publish(State{Kind: KindConnected})
	}
}

func (s *Session) handleRequest(raw []byte) {
	requests, err := s.cfg.MDoc.ParseRequest(raw)
	if err != nil {
		s.logger.Printf("unparseable request: %v", err)
		s.publish(State{Kind: KindError, Err: err})
		return
	}
	s.pending = requests
	s.publish(State{Kind: KindReceivedRequest, Requests: requests})
}

// Approve answers the pending request with the selected items. Called
// outside of a pending request it is ignorable jitter: no state change.
func (s *Session) Approve(items []ItemsRequest) {
	s.enqueue(func() {
		if s.closed || s.state.Kind != KindReceivedRequest || s.active == nil {
			s.logger.Printf("ignoring approve with no pending request")
			return
		}
		s.pending = nil

		payload, err := s.cfg.MDoc.BuildResponse(items)
		if err != nil {
			s.publish(State{Kind: KindError, Err: err})
			return
		}
		signature, err := s.cfg.Signer.Sign(payload)
		if err != nil {
			s.publish(State{Kind: KindError, Err: err})
			return
		}
		response, err := s.cfg.MDoc.FinalizeResponse(payload, signature)
		if err != nil {
			s.publish(State{Kind: KindError, Err: err})
			return
		}

		s.publish(State{Kind: KindSendingResponse, TotalBytes: len(response)})

		active := s.active
		go func() {
			err := active.Send(response)
			s.enqueue(func() {
				if s.closed || s.state.Terminal() {
					return
				}
				if err != nil {
					s.publish(State{Kind: KindError, Err: err})
					return
				}
				s.publish(State{Kind: KindSentResponse})
			})
		}()
	})
}

// Dismiss declines the pending request and ends the session gracefully.
func (s *Session) Dismiss() {
	s.enqueue(func() {
		if s.closed || s.state.Kind != KindReceivedRequest {
			return
		}
		s.pending = nil
		s.publish(State{Kind: KindRequestDismissed})
		s.teardown()
	})
}

// Disconnect tears the session down gracefully. Subsequent transport
// callbacks are ignored.
func (s *Session) Disconnect() {
	s.enqueue(func() {
		if s.closed {
			return
		}
		s.teardown()
		s.closed = true
	})
}

// Reset tears down all live transports and rebuilds them with fresh
// service identities, returning the session to Initializing and then a
// new Connecting engagement.
func (s *Session) Reset() {
	s.enqueue(func() {
		s.teardown()
		s.closed = false
		s.active = nil
		s.pending = nil
		s.transports = nil
		s.sm.Reset()

		s.publish(State{Kind: KindInitializing})
		if err := s.startTransports(); err != nil {
			s.logger.Printf("reset failed: %v", err)
		}
	})
}

// Stop ends the run loop. The session cannot be used afterwards. The
// teardown is queued before the shutdown signal so the run goroutine
// executes it before exiting.
func (s *Session) Stop() {
	s.enqueue(func() {
		s.teardown()
		s.closed = true
	})
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) teardown() {
	for _, t := range s.transports {
		t.Stop()
	}
	s.transports = nil
	s.active = nil
	s.sm.Reset()
}

func (s *Session) publish(st State) {
	s.state = st
	s.logger.Printf("presentation state: %s", st.Kind)

	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
	select {
	case s.states <- st:
	default:
		// A slow consumer drops intermediate states, never blocks the
		// session.
	}
}
