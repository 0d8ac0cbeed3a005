package utils

import (
	"sync"
	"time"
)

// Clock returns the current instant. Services take one so tests can move time.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}

func Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a settable clock for tests and simulations.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
