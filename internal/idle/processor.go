package idle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"quiesce/internal/eventbus"
	"quiesce/internal/optrace"
	logx "quiesce/pkg/logx"
)

// Source suspends until a unit of work is available or ctx is done.
// It carries no payload: "proceed" is the only information the loop needs.
type Source interface {
	WaitForWork(ctx context.Context) error
}

// Executor runs all currently pending work to completion. It may suspend
// internally; failures other than cancellation are not intercepted by the
// processor and terminate the loop (see Err).
type Executor interface {
	Process(ctx context.Context) error
}

// CycleEvent is the eventbus payload for execute cycles.
type CycleEvent struct {
	Seq       uint64        `json:"seq"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Expedited bool          `json:"expedited"`
	Error     string        `json:"error,omitempty"`
}

// Processor is the idle-triggered loop: wait for work, wait for the host to
// go quiet, execute, repeat until the lifetime context is cancelled.
//
// One Processor owns at most one background goroutine for its whole life.
type Processor struct {
	ctx      context.Context
	source   Source
	exec     Executor
	listener *optrace.Listener
	opt      Options
	log      logx.Logger
	bus      eventbus.Bus

	// Monotonic tick of the most recent producer activity. Producers write
	// concurrently (last write wins), the loop goroutine only reads.
	lastActivity atomic.Int64

	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error

	seq atomic.Uint64
}

// New wires a Processor. ctx bounds the processor's lifetime: once it is
// cancelled no further execute cycles begin, and Done resolves after any
// in-flight cycle returns.
func New(ctx context.Context, source Source, exec Executor, listener *optrace.Listener, opt Options) *Processor {
	opt = opt.withDefaults()
	p := &Processor{
		ctx:      ctx,
		source:   source,
		exec:     exec,
		listener: listener,
		opt:      opt,
		log:      opt.Log,
		bus:      opt.Bus,
		done:     make(chan struct{}),
	}
	p.lastActivity.Store(int64(opt.Clock.Tick()))
	return p
}

// Start launches the background loop. It is idempotent: the loop is created
// once, subsequent calls are no-ops. Start never blocks.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

// Done resolves when the background loop has terminated. If Start was never
// called there is no loop to wait for, so the returned channel is already
// closed.
func (p *Processor) Done() <-chan struct{} {
	if !p.started.Load() {
		return closedChan
	}
	return p.done
}

// Err reports why the loop terminated. It is nil for a clean cancellation
// exit and only meaningful once Done has resolved.
func (p *Processor) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// NotifyActivity records "something just happened" for the debounce window.
// Safe to call concurrently from any producer; it never blocks.
func (p *Processor) NotifyActivity() {
	p.lastActivity.Store(int64(p.opt.Clock.Tick()))
}

// BackOff reports the effective quiet-period requirement.
func (p *Processor) BackOff() time.Duration { return p.opt.BackOff }

func (p *Processor) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

func (p *Processor) run() {
	defer close(p.done)
	p.log.Debug("idle processor started", logx.Duration("backoff", p.opt.BackOff))

	for {
		if err := p.source.WaitForWork(p.ctx); err != nil {
			if p.ctx.Err() != nil {
				p.log.Debug("idle processor stopped")
				return
			}
			if errors.Is(err, context.Canceled) {
				// The source signaled its own cancellation while the
				// lifetime context is alive. Not ours; keep waiting.
				continue
			}
			p.setErr(err)
			p.log.Error("work source failed", logx.Err(err))
			return
		}

		// The blocked signal is scoped to this cycle: grab it fresh so a
		// consumer that expedited a previous cycle cannot leak into this one.
		var blocked <-chan struct{}
		if p.listener != nil {
			blocked = p.listener.ExpeditedSignal()
		}

		exp, err := p.waitForIdle(blocked)
		if err != nil {
			p.log.Debug("idle processor stopped")
			return
		}

		if err := p.processCycle(exp); err != nil {
			if p.ctx.Err() != nil {
				p.log.Debug("idle processor stopped")
				return
			}
			if errors.Is(err, context.Canceled) {
				// A caller-signaled cancellation of the execute step is the
				// work step's business, not a stop signal: return to waiting
				// for work. Only the lifetime context ends the loop.
				p.log.Debug("work step canceled itself; resuming")
				continue
			}
			// Work-step failures are not ours to mask: surface via Err and
			// end the task.
			p.setErr(err)
			p.log.Error("work step failed", logx.Err(err))
			return
		}
	}
}

func (p *Processor) processCycle(expedited bool) error {
	seq := p.seq.Add(1)
	started := time.Now()

	var op *optrace.Operation
	if p.listener != nil {
		op = p.listener.Begin("idle.process")
		defer op.Done()
	}
	p.publish(eventbus.TypeCycleStarted, CycleEvent{Seq: seq, Started: started, Expedited: expedited})

	err := p.exec.Process(p.ctx)

	dur := time.Since(started)
	if err != nil && !p.canceled(err) {
		p.publish(eventbus.TypeCycleFailed, CycleEvent{Seq: seq, Started: started, Duration: dur, Expedited: expedited, Error: err.Error()})
		return err
	}
	p.publish(eventbus.TypeCycleFinished, CycleEvent{Seq: seq, Started: started, Duration: dur, Expedited: expedited})
	p.log.Debug("cycle finished", logx.Uint64("seq", seq), logx.Duration("dur", dur), logx.Bool("expedited", expedited))
	return err
}

func (p *Processor) canceled(err error) bool {
	return p.ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (p *Processor) publish(typ string, ev CycleEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
