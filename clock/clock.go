// Package clock provides an abstraction over time operations so that
// components with timeouts and deferred callbacks can be tested without
// real time delays.
package clock

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations to enable testing
// without real time delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep pauses execution for the given duration
	Sleep(d time.Duration)

	// NewTimer creates a new timer that will send on its channel
	// after the specified duration
	NewTimer(d time.Duration) Timer

	// AfterFunc schedules f to run in its own goroutine after the
	// duration. The returned Timer can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer

	// After returns a channel that will receive a value after the duration
	After(d time.Duration) <-chan time.Time
}

// Timer is an interface for time.Timer to enable testing
type Timer interface {
	// C returns the channel on which the timer value will be sent
	C() <-chan time.Time

	// Stop prevents the timer from firing
	Stop() bool

	// Reset changes the timer to expire after duration d
	Reset(d time.Duration) bool
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Sleep pauses execution for the given duration
func (c *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewTimer creates a new timer using time.Timer
func (c *RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

// AfterFunc schedules f using time.AfterFunc
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

// After returns a channel that will receive a value after the duration
func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// realTimer wraps time.Timer to implement the Timer interface
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// MockClock implements Clock with manually controlled time for testing.
//
// Timers and AfterFunc callbacks only fire when Advance moves the mock
// time past their deadline, which makes timeout behavior deterministic
// in tests.
//
// Example:
//
//	clk := clock.NewMockClock()
//	fired := false
//	clk.AfterFunc(time.Second, func() { fired = true })
//	clk.Advance(time.Second) // fired == true
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMockClock creates a MockClock starting at a fixed, arbitrary time.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Unix(1700000000, 0)}
}

// Now returns the current mock time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the mock time; it never blocks.
func (c *MockClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// NewTimer creates a mock timer that fires when Advance passes its deadline.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.addTimer(d, nil)
}

// AfterFunc schedules f to run when Advance passes the deadline.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.addTimer(d, f)
}

// After returns a channel that receives when Advance passes the deadline.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.addTimer(d, nil).C()
}

// Advance moves the mock time forward, firing every timer whose deadline
// falls within the advanced window, in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		var next *mockTimer
		for _, t := range c.timers {
			if t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}

		c.now = next.deadline
		next.stopped = true
		f := next.f
		ch := next.ch
		c.mu.Unlock()

		if f != nil {
			f()
		} else {
			select {
			case ch <- next.deadline:
			default:
			}
		}
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

func (c *MockClock) addTimer(d time.Duration, f func()) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{
		clock:    c,
		deadline: c.now.Add(d),
		f:        f,
		ch:       make(chan time.Time, 1),
	}
	c.timers = append(c.timers, t)
	return t
}

// mockTimer implements Timer against a MockClock.
type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	ch       chan time.Time
	stopped  bool
}

func (t *mockTimer) C() <-chan time.Time {
	return t.ch
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	return wasActive
}
