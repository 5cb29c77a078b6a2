package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func NewClock() Clock {
	return &realClock{}
}

// Timestamp is the clock's time as stored by the session repositories:
// UTC at one second resolution, so sqlite DATETIME text compares in order.
func Timestamp(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Second)
}

// Cutoff is the oldest timestamp still inside ttl.
func Cutoff(c Clock, ttl time.Duration) time.Time {
	return Timestamp(c).Add(-ttl)
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
