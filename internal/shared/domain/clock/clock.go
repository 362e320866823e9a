// Package clock provides the time source used by the workers.
//
// Backoff and due-time calculations read clock.Now() instead of time.Now()
// so tests can pin or step time:
//
//	clock.Set(clock.FixedClock{Time: fixedTime})
//	t.Cleanup(clock.Reset)
//
//	manual := clock.NewManual(start)
//	clock.Set(manual)
//	manual.Advance(30 * time.Second)
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

var (
	mu      sync.RWMutex
	current Clock = RealClock{}
)

// Now returns the current time from the active clock.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return current.Now()
}

// Since returns the time elapsed since t according to the active clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// Set replaces the active clock.
func Set(c Clock) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

// Reset restores the real clock. Call in test cleanup.
func Reset() {
	Set(RealClock{})
}

// RealClock uses the actual system time.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns the same instant.
type FixedClock struct {
	Time time.Time
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time {
	return c.Time
}

// ManualClock is moved forward explicitly by tests.
type ManualClock struct {
	mu   sync.Mutex
	time time.Time
}

// NewManual returns a ManualClock starting at start.
func NewManual(start time.Time) *ManualClock {
	return &ManualClock{time: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}
