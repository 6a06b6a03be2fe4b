package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"worklog-go/internal/wl"
)

// StubClock is a hand-driven wl.Clock: it reports exactly what the test last
// told it and never ticks on its own, so recorded timestamps come out exact.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// FixedClock returns a StubClock pinned 90 minutes past T0, mid-morning of
// the conformance suite's reference day.
func FixedClock() *StubClock {
	return &StubClock{now: T0.Add(90 * time.Minute)}
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t, backwards included.
func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// StubIDGenerator hands out "id-1", "id-2", ... so operation identifiers in
// assertions are predictable.
type StubIDGenerator struct {
	counter atomic.Int64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return fmt.Sprintf("id-%d", g.counter.Add(1))
}

var (
	_ wl.Clock       = (*StubClock)(nil)
	_ wl.IDGenerator = (*StubIDGenerator)(nil)
)
