package ble

import (
	"log"
	"os"
	"sync"

	"github.com/spruceid/mdoc-proximity/transport"
)

// Peripheral is the holder-as-GATT-server transport: it advertises the
// engagement service UUID, accepts a single central connection, and
// exchanges chunked messages over the mdoc characteristics.
type Peripheral struct {
	identity  transport.ServiceIdentity
	backend   ServerBackend
	sm        *transport.StateMachine
	logger    *log.Logger
	localName string

	events    chan transport.Event
	closeOnce sync.Once

	mu            sync.Mutex
	assembler     transport.Assembler
	advertising   bool
	connected     bool
	closed        bool
	serverStopped bool
}

// NewPeripheral creates a peripheral transport over the given backend.
// sm is the connection state machine shared by all transports of the
// session. localName is advertised to readers in place of the adapter's
// own name; it is restored on teardown.
func NewPeripheral(identity transport.ServiceIdentity, backend ServerBackend, sm *transport.StateMachine, localName string) *Peripheral {
	return &Peripheral{
		identity:  identity,
		backend:   backend,
		sm:        sm,
		logger:    log.New(os.Stderr, "[ble-peripheral] ", log.LstdFlags),
		localName: localName,
		events:    make(chan transport.Event, 32),
	}
}

// Role implements Transport.
func (p *Peripheral) Role() transport.Role { return transport.RolePeripheral }

// Identity implements Transport.
func (p *Peripheral) Identity() transport.ServiceIdentity { return p.identity }

// Events implements Transport.
func (p *Peripheral) Events() <-chan transport.Event { return p.events }

// Start registers the GATT service and begins advertising. Setup
// failures (adapter unavailable, advertise failure) are fatal for this
// session attempt: the state machine moves to Error and the error is
// returned.
func (p *Peripheral) Start() error {
	p.sm.TransitionTo(transport.StateConnecting)

	cb := ServerCallbacks{
		OnCentralConnected:    p.onCentralConnected,
		OnCentralDisconnected: p.onCentralDisconnected,
		OnWrite:               p.onWrite,
	}

	if err := p.backend.Open(p.identity, cb); err != nil {
		werr := transport.NewSetupError(transport.ErrCodeAdapterUnavailable, "Start", err)
		p.sm.Fail(werr.Error())
		return werr
	}

	if err := p.backend.Advertise(p.localName); err != nil {
		werr := transport.NewSetupError(transport.ErrCodeAdvertiseFailed, "Start", err)
		p.sm.Fail(werr.Error())
		p.backend.Close()
		return werr
	}

	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()

	p.logger.Printf("advertising service %s", p.identity.ServiceUUID)
	return nil
}

// Send fragments payload over the Server2Client characteristic. Progress
// is reported through the event channel after every chunk. Once the
// whole message is out, advertising stops: the session is single-use.
func (p *Peripheral) Send(payload []byte) error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return transport.NewNotConnectedError("Send")
	}

	chunkSize := p.backend.MTU() - attHeaderSize
	err := transport.SendChunks(payload, chunkSize,
		func(chunk []byte) error {
			return p.backend.Notify(CharServer2Client, chunk)
		},
		func(sent, total int) {
			p.emit(transport.Event{Kind: transport.EventSendProgress, BytesDone: sent, TotalBytes: total})
		})
	if err != nil {
		p.emit(transport.Event{Kind: transport.EventError, Err: err})
		return err
	}

	p.stopAdvertising()
	return nil
}

// Stop performs a graceful teardown: it signals session termination to
// a connected central, stops advertising, and tears down the GATT
// server.
func (p *Peripheral) Stop() error {
	p.mu.Lock()
	connected := p.connected
	p.connected = false
	p.mu.Unlock()

	if connected {
		if err := p.backend.Notify(CharState, []byte{StateCommandEnd}); err != nil {
			p.logger.Printf("termination notify failed: %v", err)
		}
	}

	if connected {
		p.sm.TransitionTo(transport.StateDisconnecting)
		p.stopServer()
		p.sm.TransitionTo(transport.StateIdle)
	} else {
		// Never connected: tear down quietly. Another transport of the
		// session may own the state machine's current value, so it is
		// not reset here.
		p.stopServer()
	}
	p.close()
	return nil
}

// HardReset tears everything down regardless of current state and
// forces the shared state machine back to Idle. Used to recover from
// inconsistent states after reader abandonment.
func (p *Peripheral) HardReset() {
	p.mu.Lock()
	p.connected = false
	p.assembler.Reset()
	p.mu.Unlock()

	p.stopServer()
	p.sm.Reset()
	p.close()
}

func (p *Peripheral) onCentralConnected() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.sm.TransitionTo(transport.StateConnected)
	p.logger.Printf("central connected")
	p.emit(transport.Event{Kind: transport.EventConnected})
}

func (p *Peripheral) onCentralDisconnected() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.assembler.Reset()
	p.mu.Unlock()

	if !wasConnected {
		return
	}

	p.logger.Printf("central disconnected")
	p.sm.TransitionTo(transport.StateDisconnecting)
	p.stopServer()
	p.sm.TransitionTo(transport.StateIdle)
	p.emit(transport.Event{Kind: transport.EventDisconnected})
}

func (p *Peripheral) onWrite(c Characteristic, value []byte) {
	switch c {
	case CharState:
		if len(value) == 1 && value[0] == StateCommandEnd {
			p.logger.Printf("peer requested session termination")
			p.emit(transport.Event{Kind: transport.EventTermination})
		}
	case CharClient2Server:
		p.mu.Lock()
		msg, done, err := p.assembler.Accumulate(value)
		pending := p.assembler.Pending()
		p.mu.Unlock()

		if err != nil {
			p.logger.Printf("bad chunk: %v", err)
			return
		}
		if done {
			p.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
		} else {
			p.emit(transport.Event{Kind: transport.EventReceiveProgress, BytesDone: pending})
		}
	}
}

func (p *Peripheral) stopAdvertising() {
	p.mu.Lock()
	wasAdvertising := p.advertising
	p.advertising = false
	p.mu.Unlock()

	if wasAdvertising {
		if err := p.backend.StopAdvertise(); err != nil {
			p.logger.Printf("stop advertise failed: %v", err)
		}
	}
}

// stopServer stops advertising and tears down the GATT server exactly
// once, no matter how many paths (peer disconnect, Stop, HardReset)
// race to it.
func (p *Peripheral) stopServer() {
	p.mu.Lock()
	alreadyStopped := p.serverStopped
	p.serverStopped = true
	p.mu.Unlock()
	if alreadyStopped {
		return
	}

	p.stopAdvertising()
	if err := p.backend.Close(); err != nil {
		p.logger.Printf("server close failed: %v", err)
	}
}

func (p *Peripheral) emit(ev transport.Event) {
	// The channel send stays under the lock so it cannot race the close
	// in close(); the send is non-blocking, so this never stalls a radio
	// callback.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.events <- ev:
	default:
		p.logger.Printf("event channel full, dropping %s", ev.Kind)
	}
}

func (p *Peripheral) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeOnce.Do(func() { close(p.events) })
}
