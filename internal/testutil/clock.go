package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced wall clock for tests.
//
// Unlike the system clock, FakeClock only moves when told to. This lets
// retry backoff be exercised without sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewFakeClock creates a clock at start. A zero start means Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored; the clock never goes backwards.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set jumps to t if t is later than the current time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
