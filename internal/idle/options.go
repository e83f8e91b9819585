package idle

import (
	"time"

	"quiesce/internal/eventbus"
	logx "quiesce/pkg/logx"
)

const (
	// DefaultBackOff is the minimum quiet period required before queued work
	// runs. Matches the config key backOffTimeSpanInMS.
	DefaultBackOff = 400 * time.Millisecond

	// DefaultMinDelay floors individual timer waits so we never schedule
	// pathologically short timers while chasing the back-off window.
	DefaultMinDelay = 50 * time.Millisecond

	// DefaultGrace is the short pause granted after a blocked consumer
	// expedites the wait: long enough to let a true idle window still be
	// observed, short enough to bound the consumer's worst-case latency.
	DefaultGrace = 10 * time.Millisecond
)

// Options tune a Processor. The zero value is usable; unset fields take the
// package defaults above.
type Options struct {
	BackOff  time.Duration
	MinDelay time.Duration
	Grace    time.Duration

	Clock Clock
	Log   logx.Logger
	Bus   eventbus.Bus
}

func (o Options) withDefaults() Options {
	if o.BackOff <= 0 {
		o.BackOff = DefaultBackOff
	}
	if o.MinDelay <= 0 {
		o.MinDelay = DefaultMinDelay
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}
