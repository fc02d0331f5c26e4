package testutil

import (
	"sync"

	"github.com/gomsgbus/throttle/internal/util"
)

// ManualClock is a util.Clock whose time only moves when Advance is called. Used to drive the
// controller's time-dependent branches deterministically in tests.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

var _ util.Clock = (*ManualClock)(nil)

// NewManualClock returns a ManualClock starting at the given millisecond value.
func NewManualClock(startMillis int64) *ManualClock {
	return &ManualClock{now: startMillis}
}

func (c *ManualClock) CurrentTimeMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by the given number of milliseconds and returns the new value.
func (c *ManualClock) Advance(millis int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += millis
	return c.now
}

// Set pins the clock to an absolute millisecond value.
func (c *ManualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = millis
}
