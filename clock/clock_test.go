package clock

import (
	"sync"
	"testing"
	"time"
)

func TestMockClockAdvanceFiresAfterFunc(t *testing.T) {
	clk := NewMockClock()

	fired := false
	clk.AfterFunc(time.Second, func() { fired = true })

	clk.Advance(999 * time.Millisecond)
	if fired {
		t.Fatal("callback fired before its deadline")
	}

	clk.Advance(time.Millisecond)
	if !fired {
		t.Fatal("callback did not fire at its deadline")
	}
}

func TestMockClockFiresInDeadlineOrder(t *testing.T) {
	clk := NewMockClock()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	clk.AfterFunc(5*time.Second, record("slow"))
	clk.AfterFunc(time.Second, record("fast"))
	clk.AfterFunc(3*time.Second, record("middle"))

	clk.Advance(10 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"fast", "middle", "slow"}
	if len(order) != len(want) {
		t.Fatalf("fired %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("fired %v, want %v", order, want)
		}
	}
}

func TestMockClockStoppedTimerDoesNotFire(t *testing.T) {
	clk := NewMockClock()

	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop on an active timer should report true")
	}
	clk.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("Stop on a stopped timer should report false")
	}
}

func TestMockClockTimerReset(t *testing.T) {
	clk := NewMockClock()

	fired := 0
	timer := clk.AfterFunc(time.Second, func() { fired++ })
	clk.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}

	timer.Reset(time.Second)
	clk.Advance(time.Second)
	if fired != 2 {
		t.Fatalf("fired %d times after reset, want 2", fired)
	}
}

func TestMockClockTimerChannel(t *testing.T) {
	clk := NewMockClock()
	timer := clk.NewTimer(time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before advance")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer channel empty after advance")
	}
}

func TestMockClockNowAdvances(t *testing.T) {
	clk := NewMockClock()
	start := clk.Now()

	clk.Advance(90 * time.Second)
	if got := clk.Now().Sub(start); got != 90*time.Second {
		t.Errorf("advanced %s, want 90s", got)
	}

	clk.Sleep(10 * time.Second)
	if got := clk.Now().Sub(start); got != 100*time.Second {
		t.Errorf("advanced %s after sleep, want 100s", got)
	}
}
