package idle

import "time"

// Clock is a monotonic tick source.
//
// Tick values only ever grow and are cheap to sample; the absolute base is
// arbitrary. Ticks are compared, never interpreted as wall time.
type Clock interface {
	Tick() time.Duration
}

type realClock struct {
	base time.Time
}

// NewClock returns the default monotonic clock.
func NewClock() Clock { return &realClock{base: time.Now()} }

// Tick piggybacks on the monotonic reading embedded in time.Time.
func (c *realClock) Tick() time.Duration { return time.Since(c.base) }
