package ble

import (
	"bytes"
	"log"
	"os"
	"sync"
	"time"

	"github.com/spruceid/mdoc-proximity/clock"
	"github.com/spruceid/mdoc-proximity/transport"
)

// ScanTimeout bounds how long the central scans for a matching reader.
// Interoperability guidance favors battery life over readiness: a missed
// reader after the timeout silently stops scanning, and retrying is a
// higher-level (user-initiated) decision.
const ScanTimeout = 30 * time.Second

// Central is the holder-as-GATT-client transport: it scans for a reader
// advertising the negotiated service UUID, connects, authenticates the
// link via the Ident characteristic, and exchanges chunked messages.
type Central struct {
	identity      transport.ServiceIdentity
	expectedIdent []byte
	backend       ClientBackend
	sm            *transport.StateMachine
	clk           clock.Clock
	logger        *log.Logger
	scanTimeout   time.Duration

	events    chan transport.Event
	closeOnce sync.Once

	mu        sync.Mutex
	assembler transport.Assembler
	scanning  bool
	scanEpoch uint64
	connected bool
	closed    bool
}

// NewCentral creates a central transport over the given backend. The
// ident value recorded in identity is compared against the reader's
// Ident characteristic after connecting. clk may be nil for real time.
func NewCentral(identity transport.ServiceIdentity, backend ClientBackend, sm *transport.StateMachine, clk clock.Clock) *Central {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Central{
		identity:      identity,
		expectedIdent: identity.Ident,
		backend:       backend,
		sm:            sm,
		clk:           clk,
		logger:        log.New(os.Stderr, "[ble-central] ", log.LstdFlags),
		scanTimeout:   ScanTimeout,
		events:        make(chan transport.Event, 32),
	}
}

// Role implements Transport.
func (c *Central) Role() transport.Role { return transport.RoleCentral }

// Identity implements Transport.
func (c *Central) Identity() transport.ServiceIdentity { return c.identity }

// Events implements Transport.
func (c *Central) Events() <-chan transport.Event { return c.events }

// Start transitions to Connecting and begins a time-bounded scan for
// the service UUID. Scan failures are soft: they are logged and leave
// the transport idle-for-scanning, never in Error.
func (c *Central) Start() error {
	c.sm.TransitionTo(transport.StateConnecting)
	c.Scan()
	return nil
}

// Scan toggles scanning: starting a scan while one is in progress stops
// it rather than starting a second concurrent scan.
func (c *Central) Scan() {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		c.StopScan()
		return
	}
	c.scanning = true
	c.scanEpoch++
	epoch := c.scanEpoch
	c.mu.Unlock()

	if err := c.backend.Scan(c.identity.ServiceUUID, c.onPeerFound); err != nil {
		// Security/permission and illegal-adapter-state failures are
		// swallowed; scanning is simply off.
		c.logger.Printf("scan start failed: %v", err)
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		return
	}

	c.logger.Printf("scanning for service %s", c.identity.ServiceUUID)

	// The timeout is bound to the scan epoch captured above: if the scan
	// was stopped and a new one started before it fires, it is a no-op.
	c.clk.AfterFunc(c.scanTimeout, func() {
		c.mu.Lock()
		stale := c.scanEpoch != epoch || !c.scanning
		c.mu.Unlock()
		if stale {
			return
		}
		c.logger.Printf("scan timed out after %s", c.scanTimeout)
		c.StopScan()
	})
}

// StopScan stops a scan in progress; calling it when not scanning is a
// no-op.
func (c *Central) StopScan() {
	c.mu.Lock()
	if !c.scanning {
		c.mu.Unlock()
		return
	}
	c.scanning = false
	c.scanEpoch++
	c.mu.Unlock()

	if err := c.backend.StopScan(); err != nil {
		c.logger.Printf("scan stop failed: %v", err)
	}
}

// Scanning reports whether a scan is currently in progress.
func (c *Central) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

func (c *Central) onPeerFound(desc string) {
	c.mu.Lock()
	if !c.scanning {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Printf("found reader %s", desc)
	c.StopScan()
	go c.connectPeer()
}

// connectPeer runs the GATT connection handshake. Unlike scan faults,
// failures here are hard: they surface through the state machine's
// Error state.
func (c *Central) connectPeer() {
	cb := ClientCallbacks{
		OnNotify:       c.onNotify,
		OnDisconnected: c.onDisconnected,
	}

	if err := c.backend.Connect(cb); err != nil {
		werr := transport.NewSetupError(transport.ErrCodeConnectFailed, "Connect", err)
		c.sm.Fail(werr.Error())
		c.emit(transport.Event{Kind: transport.EventError, Err: werr})
		return
	}

	ident, err := c.backend.ReadIdent()
	if err != nil || !bytes.Equal(ident, c.expectedIdent) {
		werr := transport.NewSetupError(transport.ErrCodeIdentMismatch, "Connect", err)
		c.logger.Printf("reader ident verification failed")
		c.backend.Disconnect()
		c.sm.Fail(werr.Error())
		c.emit(transport.Event{Kind: transport.EventError, Err: werr})
		return
	}

	if err := c.backend.Write(CharState, []byte{StateCommandStart}); err != nil {
		werr := transport.NewSetupError(transport.ErrCodeConnectFailed, "Connect", err)
		c.backend.Disconnect()
		c.sm.Fail(werr.Error())
		c.emit(transport.Event{Kind: transport.EventError, Err: werr})
		return
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.sm.TransitionTo(transport.StateConnected)
	c.logger.Printf("connected to reader")
	c.emit(transport.Event{Kind: transport.EventConnected})
}

// Send fragments payload over the Client2Server characteristic,
// reporting progress through the event channel.
func (c *Central) Send(payload []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return transport.NewNotConnectedError("Send")
	}

	chunkSize := c.backend.MTU() - attHeaderSize
	err := transport.SendChunks(payload, chunkSize,
		func(chunk []byte) error {
			return c.backend.Write(CharClient2Server, chunk)
		},
		func(sent, total int) {
			c.emit(transport.Event{Kind: transport.EventSendProgress, BytesDone: sent, TotalBytes: total})
		})
	if err != nil {
		c.emit(transport.Event{Kind: transport.EventError, Err: err})
		return err
	}
	return nil
}

// Stop performs a graceful teardown, signalling termination to the
// reader when connected.
func (c *Central) Stop() error {
	c.StopScan()

	c.mu.Lock()
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if connected {
		if err := c.backend.Write(CharState, []byte{StateCommandEnd}); err != nil {
			c.logger.Printf("termination write failed: %v", err)
		}
		c.sm.TransitionTo(transport.StateDisconnecting)
		c.backend.Disconnect()
		c.sm.TransitionTo(transport.StateIdle)
	}
	// When never connected the shared state machine may belong to a
	// sibling transport; it is left alone.

	c.close()
	return nil
}

// HardReset tears everything down regardless of current state and
// forces the shared state machine back to Idle.
func (c *Central) HardReset() {
	c.StopScan()

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.assembler.Reset()
	c.mu.Unlock()

	if wasConnected {
		c.backend.Disconnect()
	}
	c.sm.Reset()
	c.close()
}

func (c *Central) onNotify(ch Characteristic, value []byte) {
	switch ch {
	case CharState:
		if len(value) == 1 && value[0] == StateCommandEnd {
			c.logger.Printf("reader requested session termination")
			c.emit(transport.Event{Kind: transport.EventTermination})
		}
	case CharServer2Client:
		c.mu.Lock()
		msg, done, err := c.assembler.Accumulate(value)
		pending := c.assembler.Pending()
		c.mu.Unlock()

		if err != nil {
			c.logger.Printf("bad chunk: %v", err)
			return
		}
		if done {
			c.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
		} else {
			c.emit(transport.Event{Kind: transport.EventReceiveProgress, BytesDone: pending})
		}
	}
}

func (c *Central) onDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.assembler.Reset()
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logger.Printf("reader disconnected")
	c.sm.TransitionTo(transport.StateDisconnecting)
	c.sm.TransitionTo(transport.StateIdle)
	c.emit(transport.Event{Kind: transport.EventDisconnected})
}

func (c *Central) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Printf("event channel full, dropping %s", ev.Kind)
	}
}

func (c *Central) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeOnce.Do(func() { close(c.events) })
}
