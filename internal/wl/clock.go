package wl

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MonotonicClock wraps another Clock and never goes backwards: successive
// Now calls return non-decreasing instants even if the wrapped clock steps
// back. Storage engines use it as the fallback when a user has no explicit
// time override set.
type MonotonicClock struct {
	mu    sync.Mutex
	inner Clock
	last  time.Time
}

func NewMonotonicClock(inner Clock) *MonotonicClock {
	return &MonotonicClock{inner: inner}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.inner.Now()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
