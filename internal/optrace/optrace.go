// Package optrace provides scoped diagnostic tokens for named operations,
// plus the "consumer is blocked" signal the idle processor uses to expedite
// its quiet-period wait.
package optrace

import (
	"context"
	"sync"
	"time"

	logx "quiesce/pkg/logx"
)

// Listener hands out operation tokens and tracks blocked consumers.
//
// The blocked signal is a channel that fires (closes) while at least one
// consumer is inside a BeginBlocked window. Once every consumer releases, a
// fresh channel replaces it, so a signal observed in one execute cycle can
// never leak into the next.
type Listener struct {
	log logx.Logger

	mu       sync.Mutex
	active   int
	quiet    chan struct{} // closed while no operations are in flight
	blocked  int
	expedite chan struct{} // closed while at least one consumer is blocked
}

func NewListener(log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	quiet := make(chan struct{})
	close(quiet)
	return &Listener{
		log:      log,
		quiet:    quiet,
		expedite: make(chan struct{}),
	}
}

// Operation is a scoped token bracketing one named operation.
type Operation struct {
	l       *Listener
	name    string
	started time.Time
	once    sync.Once
}

// Begin opens a named operation. The returned token must be released via
// Done; releasing twice is harmless.
func (l *Listener) Begin(name string) *Operation {
	l.mu.Lock()
	if l.active == 0 {
		l.quiet = make(chan struct{})
	}
	l.active++
	l.mu.Unlock()

	l.log.Trace("operation started", logx.String("op", name))
	return &Operation{l: l, name: name, started: time.Now()}
}

func (o *Operation) Done() {
	o.once.Do(func() {
		l := o.l
		l.mu.Lock()
		l.active--
		if l.active == 0 {
			close(l.quiet)
		}
		l.mu.Unlock()
		l.log.Trace("operation finished", logx.String("op", o.name), logx.Duration("dur", time.Since(o.started)))
	})
}

// Active reports how many operations are currently in flight.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// WaitDrained blocks until a moment with zero in-flight operations is
// observed, or ctx fires. Used by shutdown code and tests.
func (l *Listener) WaitDrained(ctx context.Context) error {
	l.mu.Lock()
	ch := l.quiet
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// BeginBlocked marks the calling consumer as actively waiting on the
// processor's output. The expedite signal fires for as long as any consumer
// is inside such a window. The returned release func is idempotent.
func (l *Listener) BeginBlocked() (release func()) {
	l.mu.Lock()
	l.blocked++
	if l.blocked == 1 {
		close(l.expedite)
	}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.blocked--
			if l.blocked == 0 {
				l.expedite = make(chan struct{})
			}
			l.mu.Unlock()
		})
	}
}

// ExpeditedSignal returns the channel that fires while a consumer is blocked.
// Callers should grab it once per wait; after all blocked consumers release,
// a fresh channel takes its place.
func (l *Listener) ExpeditedSignal() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expedite
}
