package ble

import (
	"bytes"
	"testing"
	"time"

	"github.com/spruceid/mdoc-proximity/clock"
	"github.com/spruceid/mdoc-proximity/transport"
)

func newTestCentral(t *testing.T) (*Central, *MockClientBackend, *transport.StateMachine, *clock.MockClock) {
	t.Helper()
	mock := NewMockClientBackend()
	sm := transport.NewStateMachine(nil)
	clk := clock.NewMockClock()
	identity := testIdentity(t, transport.RoleCentral)
	mock.IdentValue = identity.Ident
	c := NewCentral(identity, mock, sm, clk)
	return c, mock, sm, clk
}

func TestCentralStartScans(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sm.Current(); got != transport.StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
	if !mock.ScanActive {
		t.Error("expected backend scan active")
	}
	if !c.Scanning() {
		t.Error("Scanning() = false, want true")
	}
}

// A timed-out scan just stops scanning. The state machine stays in
// Connecting: the reader may still arrive over a sibling transport, and
// retrying the scan is a user decision.
func TestCentralScanTimeout(t *testing.T) {
	c, mock, sm, clk := newTestCentral(t)
	c.Start()

	clk.Advance(ScanTimeout)

	if c.Scanning() {
		t.Error("expected scanning stopped after timeout")
	}
	if mock.ScanActive {
		t.Error("expected backend scan stopped")
	}
	if got := sm.Current(); got != transport.StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

// Starting a scan while one is running toggles it off instead of
// stacking a second scan.
func TestCentralScanToggle(t *testing.T) {
	c, _, _, _ := newTestCentral(t)
	c.Start()

	c.Scan()
	if c.Scanning() {
		t.Error("expected second Scan call to stop the running scan")
	}

	c.Scan()
	if !c.Scanning() {
		t.Error("expected third Scan call to start scanning again")
	}
}

func TestCentralStopScanIdempotent(t *testing.T) {
	c, mock, _, _ := newTestCentral(t)
	c.Start()

	c.StopScan()
	c.StopScan()
	c.StopScan()

	stops := 0
	for _, call := range mock.CallLog {
		if call == "StopScan" {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("backend StopScan called %d times, want 1", stops)
	}
}

// A stale scan timeout must not kill a newer scan.
func TestCentralScanTimeoutEpochGuard(t *testing.T) {
	c, _, _, clk := newTestCentral(t)
	c.Start()

	c.StopScan()
	clk.Advance(ScanTimeout / 2)
	c.Scan()

	// The first scan's timeout deadline passes now; only the epoch guard
	// keeps the newer scan alive.
	clk.Advance(ScanTimeout / 2)
	if !c.Scanning() {
		t.Error("stale timeout stopped the newer scan")
	}
}

func TestCentralConnectHandshake(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	c.Start()

	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	if got := sm.Current(); got != transport.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if c.Scanning() {
		t.Error("expected scan stopped once a peer was found")
	}

	starts := mock.Written[CharState]
	if len(starts) != 1 || !bytes.Equal(starts[0], []byte{StateCommandStart}) {
		t.Errorf("expected session start command written, got %v", starts)
	}
}

// A reader whose Ident characteristic does not match the engagement is
// an impostor: disconnect and fail the session attempt.
func TestCentralIdentMismatch(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	mock.IdentValue = []byte("not-the-right-ident!")
	c.Start()

	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	ev := waitFor(t, c.Events(), transport.EventError)

	if transport.GetErrorCode(ev.Err) != transport.ErrCodeIdentMismatch {
		t.Errorf("expected ident mismatch error, got %v", ev.Err)
	}
	if got := sm.Current(); got != transport.StateError {
		t.Errorf("state = %s, want error", got)
	}
	if mock.DisconnectCount != 1 {
		t.Errorf("DisconnectCount = %d, want 1", mock.DisconnectCount)
	}
}

func TestCentralSendChunking(t *testing.T) {
	c, mock, _, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	mock.MTUValue = 26 // 23-byte chunks, 22 payload bytes each
	payload := make([]byte, 50)
	if err := c.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	chunks := mock.Written[CharClient2Server]
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 50 bytes, got %d", len(chunks))
	}
	if chunks[2][0] != 0x00 {
		t.Errorf("last chunk flag = 0x%02X, want 0x00", chunks[2][0])
	}
}

func TestCentralSendNotConnected(t *testing.T) {
	c, _, _, _ := newTestCentral(t)
	c.Start()

	if err := c.Send([]byte{0x01}); transport.GetErrorCode(err) != transport.ErrCodeNotConnected {
		t.Errorf("expected not-connected error, got %v", err)
	}
}

func TestCentralReceivesMessage(t *testing.T) {
	c, mock, _, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	mock.NotifyFromPeer(CharServer2Client, []byte{0x01, 0x11, 0x22})
	mock.NotifyFromPeer(CharServer2Client, []byte{0x00, 0x33})

	ev := waitFor(t, c.Events(), transport.EventMessage)
	if !bytes.Equal(ev.Message, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("message = % X, want 11 22 33", ev.Message)
	}
}

func TestCentralTerminationFromReader(t *testing.T) {
	c, mock, _, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	mock.NotifyFromPeer(CharState, []byte{StateCommandEnd})
	waitFor(t, c.Events(), transport.EventTermination)
}

func TestCentralReaderDrops(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	mock.DropConnection()
	waitFor(t, c.Events(), transport.EventDisconnected)

	if got := sm.Current(); got != transport.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestCentralStopWhenConnected(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	writes := mock.Written[CharState]
	if len(writes) != 2 || !bytes.Equal(writes[1], []byte{StateCommandEnd}) {
		t.Errorf("expected termination command written, got %v", writes)
	}
	if got := sm.Current(); got != transport.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if mock.DisconnectCount != 1 {
		t.Errorf("DisconnectCount = %d, want 1", mock.DisconnectCount)
	}
}

func TestCentralStopNeverConnectedLeavesState(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	c.Start()
	sm.TransitionTo(transport.StateConnected) // claimed by a sibling

	c.Stop()

	if got := sm.Current(); got != transport.StateConnected {
		t.Errorf("state = %s, want connected untouched", got)
	}
	if mock.DisconnectCount != 0 {
		t.Errorf("DisconnectCount = %d, want 0", mock.DisconnectCount)
	}
}

func TestCentralHardReset(t *testing.T) {
	c, mock, sm, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	c.HardReset()

	if got := sm.Current(); got != transport.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if mock.DisconnectCount != 1 {
		t.Errorf("DisconnectCount = %d, want 1", mock.DisconnectCount)
	}
}

// Events arriving after a Stop must not panic on the closed channel.
func TestCentralEventAfterStop(t *testing.T) {
	c, mock, _, _ := newTestCentral(t)
	c.Start()
	mock.DiscoverPeer("AA:BB:CC:DD:EE:FF")
	waitFor(t, c.Events(), transport.EventConnected)

	c.Stop()
	mock.NotifyFromPeer(CharServer2Client, []byte{0x00, 0xAA})

	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after Stop")
		}
	}
}
