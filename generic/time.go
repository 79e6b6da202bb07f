package generic

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Source of "now" for timestamps and default years
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant unless moved with Set.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t.UTC()
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func DatePtr(year int, month time.Month, day int) *time.Time {
	t := Date(year, month, day)
	return &t
}

// CurrentYear returns the clock's year, falling back to the system clock.
func CurrentYear(c Clock) int {
	if c == nil {
		return SystemClock{}.Now().Year()
	}
	return c.Now().Year()
}
