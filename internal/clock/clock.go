// Package clock provides a swappable time source so that trace timestamps,
// stored rows and session bookkeeping can be driven by tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

var (
	defaultMu    sync.RWMutex
	defaultClock Clock = RealClock{}
)

// SetDefault replaces the package clock and returns a func restoring the
// previous one.
func SetDefault(c Clock) (restore func()) {
	defaultMu.Lock()
	prev := defaultClock
	defaultClock = c
	defaultMu.Unlock()
	return func() {
		defaultMu.Lock()
		defaultClock = prev
		defaultMu.Unlock()
	}
}

// Now returns the package clock's current time.
func Now() time.Time {
	defaultMu.RLock()
	c := defaultClock
	defaultMu.RUnlock()
	return c.Now()
}

// Since returns the time elapsed since t on the package clock.
func Since(t time.Time) time.Duration {
	defaultMu.RLock()
	c := defaultClock
	defaultMu.RUnlock()
	return c.Since(t)
}
