package hce

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/spruceid/mdoc-proximity/clock"
	"github.com/spruceid/mdoc-proximity/transport"
)

// Deferral delays after field deactivation. HCE APDU delivery is bursty
// and readers pause between command batches, so state is never mutated
// immediately on deactivation; each deferral is bound to the interaction
// epoch captured when it was scheduled and is a no-op if a new command
// arrives first.
const (
	// resetDelay absorbs readers that attempt multiple handover
	// techniques in quick succession before committing to one.
	resetDelay = 250 * time.Millisecond

	// listenCollapseDelay is how long NDEF listening outlives the last
	// command before collapsing back to mdoc-only registration.
	listenCollapseDelay = 1 * time.Second

	// identityRegenDelay is how long the ephemeral BLE identity survives
	// deactivation. Some readers re-probe NFC even after a successful
	// handover; reusing the identity lets such re-probes resolve to the
	// same in-progress session instead of fragmenting into a new one.
	// Tunable policy, not protocol-mandated.
	identityRegenDelay = 5 * time.Second
)

// Notification is a user-visible outcome of one NFC interaction. The
// distinction matters for messaging: a negotiation failure means "this
// wallet is not compatible with the current reader", a closed connection
// means "the device was removed from the reader too quickly".
type Notification int

const (
	NotifyNegotiationFailed Notification = iota
	NotifyConnectionClosed
)

func (n Notification) String() string {
	switch n {
	case NotifyNegotiationFailed:
		return "negotiation-failed"
	case NotifyConnectionClosed:
		return "connection-closed"
	default:
		return "unknown"
	}
}

// Callbacks are the dispatcher's extension points into the application.
// They may run while the app is backgrounded; none may block.
type Callbacks struct {
	// NegotiationStarted fires once per interaction, before the first
	// non-read command is processed, so the application can prefetch
	// resources.
	NegotiationStarted func()

	// NegotiatedTransport fires when the reader has obtained the BLE
	// carrier from the handover select message.
	NegotiatedTransport func(CarrierInfo)

	// Notify reports the user-visible outcome of the interaction.
	Notify func(Notification)
}

// Dispatcher classifies inbound APDUs, drives the handover engine, and
// keeps the per-interaction negotiation flags consistent under bursty
// command delivery. The host OS may recreate the hosting component
// between callbacks, so one Dispatcher is process-wide state with a
// defined lifecycle: created at service start, mutated only here and by
// its own epoch-guarded deferrals, reset on HardReset.
type Dispatcher struct {
	clk    clock.Clock
	engine *Engine
	listen ListenManager
	cb     Callbacks
	logger *log.Logger

	// newIdentity supplies a fresh ephemeral identity for the delayed
	// regeneration after an interaction ends.
	newIdentity func() (transport.ServiceIdentity, []byte)

	mu                sync.Mutex
	epoch             uint64
	inNegotiation     bool
	doNotNotify       bool
	negotiationFailed bool
	resetQueued       bool
	outcomeReported   bool
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Engine *Engine
	Listen ListenManager
	Clock  clock.Clock
	Cb     Callbacks

	// NewIdentity returns a fresh service identity and the engagement
	// payload to embed for it. Required for the delayed identity
	// regeneration; when nil, identity regeneration is skipped.
	NewIdentity func() (transport.ServiceIdentity, []byte)
}

// NewDispatcher creates a dispatcher. Clock defaults to real time and
// Listen to a logging no-op when unset.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := log.New(os.Stderr, "[nfc-dispatch] ", log.LstdFlags)
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Listen == nil {
		cfg.Listen = &LogListenManager{Logger: logger}
	}
	return &Dispatcher{
		clk:         cfg.Clock,
		engine:      cfg.Engine,
		listen:      cfg.Listen,
		cb:          cfg.Cb,
		logger:      logger,
		newIdentity: cfg.NewIdentity,
	}
}

// Epoch returns the current interaction epoch.
func (d *Dispatcher) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// InNegotiation reports whether a handover negotiation is in progress.
func (d *Dispatcher) InNegotiation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inNegotiation
}

// ProcessCommand answers one raw command APDU from the reader.
func (d *Dispatcher) ProcessCommand(raw []byte) []byte {
	d.mu.Lock()
	d.epoch++

	if d.resetQueued {
		d.resetQueued = false
		d.engine.Reinitialize()
	}

	cmd := Classify(raw)
	startNegotiation := false
	if cmd != CommandReadBinary {
		// READ BINARY may legitimately arrive after a completed
		// handover; everything else starts or continues a negotiation.
		if !d.inNegotiation {
			startNegotiation = true
		}
		d.inNegotiation = true
		d.negotiationFailed = false
		d.doNotNotify = false
		d.outcomeReported = false
	}
	cb := d.cb
	d.mu.Unlock()

	if startNegotiation && cb.NegotiationStarted != nil {
		cb.NegotiationStarted()
	}

	// Static handover switches AID groups mid-interaction, so NDEF
	// listening has to ride alongside the mdoc AID for its duration.
	d.listen.EnableNDEF()

	resp, carrier := d.engine.Process(raw)

	if carrier != nil {
		d.logger.Printf("handover negotiated: %s service %s", carrier.Role, carrier.ServiceUUID)
		if cb.NegotiatedTransport != nil {
			cb.NegotiatedTransport(*carrier)
		}
		d.mu.Lock()
		d.doNotNotify = true
		d.outcomeReported = true
		d.mu.Unlock()
	}

	if ResponseStatus(resp) != SWSuccess {
		d.logger.Printf("%s answered %04X", cmd, ResponseStatus(resp))
		d.mu.Lock()
		d.negotiationFailed = true
		d.doNotNotify = true
		d.mu.Unlock()
	}

	return resp
}

// Deactivated handles the NFC field dropping. The epoch is bumped
// immediately; all mutation is deferred and checked against the epoch
// captured here, so a reader that merely pauses between command batches
// causes no false disconnect notifications.
func (d *Dispatcher) Deactivated() {
	d.mu.Lock()
	d.epoch++
	epoch := d.epoch
	d.mu.Unlock()

	d.clk.AfterFunc(resetDelay, func() { d.afterResetDelay(epoch) })
	d.clk.AfterFunc(listenCollapseDelay, func() { d.afterListenCollapse(epoch) })
	d.clk.AfterFunc(identityRegenDelay, func() { d.afterIdentityRegen(epoch) })
}

func (d *Dispatcher) afterResetDelay(epoch uint64) {
	d.mu.Lock()
	if d.epoch != epoch {
		d.mu.Unlock()
		return
	}
	d.resetQueued = true
	notifyFailure := d.negotiationFailed
	if notifyFailure {
		d.negotiationFailed = false
		d.outcomeReported = true
	}
	cb := d.cb
	d.mu.Unlock()

	if notifyFailure && cb.Notify != nil {
		cb.Notify(NotifyNegotiationFailed)
	}
}

func (d *Dispatcher) afterListenCollapse(epoch uint64) {
	d.mu.Lock()
	if d.epoch != epoch {
		d.mu.Unlock()
		return
	}
	d.inNegotiation = false
	notifyClosed := !d.doNotNotify && !d.outcomeReported
	if notifyClosed {
		d.outcomeReported = true
	}
	cb := d.cb
	d.mu.Unlock()

	d.listen.DisableNDEF()
	if notifyClosed && cb.Notify != nil {
		cb.Notify(NotifyConnectionClosed)
	}
}

func (d *Dispatcher) afterIdentityRegen(epoch uint64) {
	d.mu.Lock()
	if d.epoch != epoch || d.newIdentity == nil {
		d.mu.Unlock()
		return
	}
	newIdentity := d.newIdentity
	d.mu.Unlock()

	identity, engagement := newIdentity()
	d.engine.Reset(identity, engagement)
	d.logger.Printf("ephemeral identity regenerated: %s", identity.ServiceUUID)
}

// HardReset clears all negotiation state, collapses AID listening, and
// reinitializes the handover engine with a fresh identity.
func (d *Dispatcher) HardReset() {
	d.mu.Lock()
	d.epoch++
	d.inNegotiation = false
	d.doNotNotify = false
	d.negotiationFailed = false
	d.resetQueued = false
	d.outcomeReported = false
	newIdentity := d.newIdentity
	d.mu.Unlock()

	d.listen.DisableNDEF()
	if newIdentity != nil {
		identity, engagement := newIdentity()
		d.engine.Reset(identity, engagement)
	}
}
