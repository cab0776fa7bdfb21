package hce

import (
	"sync"
	"testing"
	"time"

	"github.com/spruceid/mdoc-proximity/clock"
	"github.com/spruceid/mdoc-proximity/transport"
)

// notifyRecorder collects dispatcher callbacks for verification.
type notifyRecorder struct {
	mu            sync.Mutex
	notifications []Notification
	carriers      []CarrierInfo
	started       int
}

func (r *notifyRecorder) callbacks() Callbacks {
	return Callbacks{
		NegotiationStarted: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started++
		},
		NegotiatedTransport: func(c CarrierInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.carriers = append(r.carriers, c)
		},
		Notify: func(n Notification) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notifications = append(r.notifications, n)
		},
	}
}

func (r *notifyRecorder) notified() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

func (r *notifyRecorder) negotiated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carriers)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *clock.MockClock, *MockListenManager, *notifyRecorder) {
	t.Helper()
	identity, err := transport.NewServiceIdentity(transport.RolePeripheral)
	if err != nil {
		t.Fatalf("NewServiceIdentity: %v", err)
	}

	clk := clock.NewMockClock()
	listen := &MockListenManager{}
	rec := &notifyRecorder{}
	d := NewDispatcher(DispatcherConfig{
		Engine: NewEngine(identity, nil),
		Listen: listen,
		Clock:  clk,
		Cb:     rec.callbacks(),
		NewIdentity: func() (transport.ServiceIdentity, []byte) {
			fresh, err := transport.NewServiceIdentity(transport.RolePeripheral)
			if err != nil {
				t.Fatalf("NewServiceIdentity: %v", err)
			}
			return fresh, nil
		},
	})
	return d, clk, listen, rec
}

func TestDispatcherStartsNegotiation(t *testing.T) {
	d, _, listen, rec := newTestDispatcher(t)

	resp := d.ProcessCommand(apduSelectAID(AIDMdoc))
	if ResponseStatus(resp) != SWSuccess {
		t.Fatalf("select mdoc AID answered %04X", ResponseStatus(resp))
	}
	if !d.InNegotiation() {
		t.Error("expected negotiation in progress")
	}
	if rec.started != 1 {
		t.Errorf("NegotiationStarted fired %d times, want 1", rec.started)
	}
	if !listen.Enabled {
		t.Error("expected NDEF listening enabled during negotiation")
	}

	// Further commands continue the same negotiation.
	d.ProcessCommand(apduSelectAID(AIDNDEF))
	if rec.started != 1 {
		t.Errorf("NegotiationStarted fired %d times across one interaction, want 1", rec.started)
	}
}

func TestDispatcherEpochGuardsDeferrals(t *testing.T) {
	d, clk, listen, rec := newTestDispatcher(t)

	d.ProcessCommand(apduSelectAID(AIDNDEF))
	identityBefore := d.engine.Identity().ServiceUUID
	d.Deactivated()

	// A new command before any deferral fires invalidates all of them.
	d.ProcessCommand(apduSelectFile(FileNDEF))
	clk.Advance(10 * time.Second)

	if got := rec.notified(); len(got) != 0 {
		t.Errorf("expected no notifications after epoch advanced, got %v", got)
	}
	if !listen.Enabled {
		t.Error("stale deferral disabled NDEF listening")
	}
	if got := d.engine.Identity().ServiceUUID; got != identityBefore {
		t.Error("stale deferral regenerated the identity")
	}
	if !d.InNegotiation() {
		t.Error("stale deferral cleared the negotiation flag")
	}
}

func TestDispatcherFailureNotifiedOnce(t *testing.T) {
	d, clk, _, rec := newTestDispatcher(t)

	// An unknown AID fails the negotiation.
	d.ProcessCommand(apduSelectAID([]byte{0xDE, 0xAD}))
	d.Deactivated()

	clk.Advance(10 * time.Second)

	got := rec.notified()
	if len(got) != 1 || got[0] != NotifyNegotiationFailed {
		t.Fatalf("notifications = %v, want exactly one negotiation-failed", got)
	}
}

func TestDispatcherConnectionClosedWhenNothingReported(t *testing.T) {
	d, clk, listen, rec := newTestDispatcher(t)

	// A successful select with no completed handover: the device left the
	// field too early.
	d.ProcessCommand(apduSelectAID(AIDNDEF))
	d.Deactivated()

	clk.Advance(listenCollapseDelay)

	got := rec.notified()
	if len(got) != 1 || got[0] != NotifyConnectionClosed {
		t.Fatalf("notifications = %v, want exactly one connection-closed", got)
	}
	if listen.Enabled {
		t.Error("expected NDEF listening collapsed")
	}
	if d.InNegotiation() {
		t.Error("expected negotiation flag cleared")
	}
}

func TestDispatcherSuccessfulHandoverSuppressesNotifications(t *testing.T) {
	d, clk, _, rec := newTestDispatcher(t)

	// Drive the full reader sequence through the dispatcher.
	d.ProcessCommand(apduSelectAID(AIDNDEF))
	d.ProcessCommand(apduSelectFile(FileNDEF))
	d.ProcessCommand(apduReadBinary(0, 2))
	resp := d.ProcessCommand(apduReadBinary(2, 255))
	if ResponseStatus(resp) != SWSuccess {
		t.Fatalf("NDEF read answered %04X", ResponseStatus(resp))
	}
	// The short NDEF file of an engagement-less engine fits in one
	// 255-byte read, so the carrier is already out.
	if rec.negotiated() != 1 {
		t.Fatalf("NegotiatedTransport fired %d times, want 1", rec.negotiated())
	}

	d.Deactivated()
	clk.Advance(listenCollapseDelay)

	if got := rec.notified(); len(got) != 0 {
		t.Errorf("expected no notifications after successful handover, got %v", got)
	}
}

func TestDispatcherIdentityRegeneratedAfterQuietPeriod(t *testing.T) {
	d, clk, _, _ := newTestDispatcher(t)

	d.ProcessCommand(apduSelectAID(AIDNDEF))
	before := d.engine.Identity().ServiceUUID
	d.Deactivated()

	clk.Advance(identityRegenDelay)

	if got := d.engine.Identity().ServiceUUID; got == before {
		t.Error("expected identity regenerated after quiet period")
	}
}

// The queued reset from the 250ms deferral applies lazily on the next
// command: selection state is gone, the identity is not.
func TestDispatcherQueuedReset(t *testing.T) {
	d, clk, _, _ := newTestDispatcher(t)

	d.ProcessCommand(apduSelectAID(AIDNDEF))
	d.ProcessCommand(apduSelectFile(FileNDEF))
	identityBefore := d.engine.Identity().ServiceUUID
	d.Deactivated()

	clk.Advance(resetDelay)

	// READ BINARY with no re-selection must hit the cleared state.
	resp := d.ProcessCommand(apduReadBinary(0, 2))
	if got := ResponseStatus(resp); got != SWConditionsNotSatisfied {
		t.Errorf("read after queued reset answered %04X, want 6985", got)
	}
	if got := d.engine.Identity().ServiceUUID; got != identityBefore {
		t.Error("queued reset must keep the identity")
	}
}

// READ BINARY alone never opens a negotiation: it may trail a completed
// handover.
func TestDispatcherReadBinaryDoesNotStartNegotiation(t *testing.T) {
	d, _, _, rec := newTestDispatcher(t)

	d.ProcessCommand(apduReadBinary(0, 2))
	if d.InNegotiation() {
		t.Error("READ BINARY alone must not start a negotiation")
	}
	if rec.started != 0 {
		t.Errorf("NegotiationStarted fired %d times, want 0", rec.started)
	}
}

func TestDispatcherHardReset(t *testing.T) {
	d, _, listen, _ := newTestDispatcher(t)

	d.ProcessCommand(apduSelectAID(AIDNDEF))
	before := d.engine.Identity().ServiceUUID

	d.HardReset()

	if d.InNegotiation() {
		t.Error("expected negotiation cleared")
	}
	if listen.Enabled {
		t.Error("expected NDEF listening collapsed")
	}
	if got := d.engine.Identity().ServiceUUID; got == before {
		t.Error("expected fresh identity after hard reset")
	}
}
