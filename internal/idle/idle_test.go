package idle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quiesce/internal/optrace"
	logx "quiesce/pkg/logx"
)

// fakeClock is a manually advanced monotonic tick source.
type fakeClock struct {
	tick atomic.Int64
}

func (c *fakeClock) Tick() time.Duration     { return time.Duration(c.tick.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.tick.Add(int64(d)) }

// stubSource counts concurrent waiters so tests can prove only one loop
// goroutine ever exists.
type stubSource struct {
	work       chan struct{}
	waiters    atomic.Int32
	maxWaiters atomic.Int32
}

func newStubSource(buffer int) *stubSource {
	return &stubSource{work: make(chan struct{}, buffer)}
}

func (s *stubSource) WaitForWork(ctx context.Context) error {
	n := s.waiters.Add(1)
	for {
		old := s.maxWaiters.Load()
		if n <= old || s.maxWaiters.CompareAndSwap(old, n) {
			break
		}
	}
	defer s.waiters.Add(-1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.work:
		return nil
	}
}

func (s *stubSource) signal() {
	select {
	case s.work <- struct{}{}:
	default:
	}
}

// countExec records execution times and overlap.
type countExec struct {
	mu       sync.Mutex
	times    []time.Time
	inflight atomic.Int32
	maxSeen  atomic.Int32
	sleep    time.Duration
	err      error
	ran      chan struct{}
}

func newCountExec(sleep time.Duration) *countExec {
	return &countExec{sleep: sleep, ran: make(chan struct{}, 64)}
}

func (e *countExec) Process(ctx context.Context) error {
	n := e.inflight.Add(1)
	for {
		old := e.maxSeen.Load()
		if n <= old || e.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}
	defer e.inflight.Add(-1)

	e.mu.Lock()
	e.times = append(e.times, time.Now())
	e.mu.Unlock()

	if e.sleep > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.sleep):
		}
	}
	select {
	case e.ran <- struct{}{}:
	default:
	}
	return e.err
}

func (e *countExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.times)
}

func (e *countExec) runTimes() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]time.Time, len(e.times))
	copy(out, e.times)
	return out
}

func newTestProcessor(ctx context.Context, src Source, exec Executor, opt Options) (*Processor, *optrace.Listener) {
	lst := optrace.NewListener(logx.Nop())
	return New(ctx, src, exec, lst, opt), lst
}

func waitRan(t *testing.T, e *countExec, timeout time.Duration) time.Time {
	t.Helper()
	select {
	case <-e.ran:
		return time.Now()
	case <-time.After(timeout):
		t.Fatalf("work step not executed within %v", timeout)
		return time.Time{}
	}
}

func TestDoneWithoutStartResolvesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newTestProcessor(ctx, newStubSource(1), newCountExec(0), Options{})

	select {
	case <-p.Done():
	default:
		t.Fatalf("Done() should be resolved when Start was never called")
	}
}

func TestStartIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(4)
	exec := newCountExec(0)
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 20 * time.Millisecond, MinDelay: 5 * time.Millisecond})

	p.Start()
	p.Start()
	p.Start()

	src.signal()
	waitRan(t, exec, 2*time.Second)

	if got := src.maxWaiters.Load(); got != 1 {
		t.Fatalf("expected exactly one loop goroutine waiting for work, saw %d", got)
	}
	if got := exec.count(); got != 1 {
		t.Fatalf("expected 1 execution, got %d", got)
	}

	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done() did not resolve after cancel")
	}
}

func TestNoPrematureExecutionWhileActivityRefreshes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := &fakeClock{}
	src := newStubSource(1)
	exec := newCountExec(0)
	p, _ := newTestProcessor(ctx, src, exec, Options{
		BackOff:  100 * time.Millisecond,
		MinDelay: 5 * time.Millisecond,
		Clock:    clk,
	})
	p.Start()
	src.signal()

	// Keep refreshing activity faster than the back-off window. The clock
	// advances, but never by a full window between refreshes.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		clk.advance(10 * time.Millisecond)
		p.NotifyActivity()
		time.Sleep(2 * time.Millisecond)
	}
	if got := exec.count(); got != 0 {
		t.Fatalf("executed %d times during continuous activity, want 0", got)
	}

	// Stop refreshing and jump past the window: the next re-measure runs it.
	clk.advance(200 * time.Millisecond)
	waitRan(t, exec, 2*time.Second)
	if got := exec.count(); got != 1 {
		t.Fatalf("expected exactly 1 execution after activity stopped, got %d", got)
	}
}

func TestEventualExecutionAfterQuiet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(1)
	exec := newCountExec(0)
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 60 * time.Millisecond, MinDelay: 10 * time.Millisecond})
	p.Start()

	start := time.Now()
	p.NotifyActivity()
	src.signal()

	ranAt := waitRan(t, exec, 2*time.Second)
	elapsed := ranAt.Sub(start)
	if elapsed < 50*time.Millisecond {
		t.Fatalf("executed after %v, before the quiet window elapsed", elapsed)
	}
	if elapsed > time.Second {
		t.Fatalf("executed after %v, far past backoff+epsilon", elapsed)
	}
}

func TestBlockedConsumerExpeditesExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(1)
	exec := newCountExec(0)
	p, lst := newTestProcessor(ctx, src, exec, Options{
		BackOff:  5 * time.Second, // would starve a blocked consumer for ages
		MinDelay: 20 * time.Millisecond,
		Grace:    10 * time.Millisecond,
	})
	p.Start()

	p.NotifyActivity()
	src.signal()
	time.Sleep(30 * time.Millisecond) // let the loop enter its quiesce wait

	release := lst.BeginBlocked()
	defer release()
	blockedAt := time.Now()

	// Expedite latency is the grace delay plus scheduling noise; 200ms is a
	// generous epsilon that still rules out waiting even one min-delay-floored
	// timer slice against the 5s window.
	ranAt := waitRan(t, exec, 2*time.Second)
	if lat := ranAt.Sub(blockedAt); lat > 200*time.Millisecond {
		t.Fatalf("blocked consumer waited %v, expected roughly the grace delay", lat)
	}
}

func TestCancellationTerminatesCleanly(t *testing.T) {
	t.Run("while waiting for work", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		src := newStubSource(1)
		exec := newCountExec(0)
		p, _ := newTestProcessor(ctx, src, exec, Options{})
		p.Start()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("Done() did not resolve")
		}
		if err := p.Err(); err != nil {
			t.Fatalf("clean cancellation should not report an error, got %v", err)
		}
		if got := exec.count(); got != 0 {
			t.Fatalf("work executed %d times after cancellation, want 0", got)
		}
	})

	t.Run("while quiescing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		src := newStubSource(1)
		exec := newCountExec(0)
		p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 5 * time.Second, MinDelay: 20 * time.Millisecond})
		p.Start()

		p.NotifyActivity()
		src.signal()
		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("Done() did not resolve")
		}
		if got := exec.count(); got != 0 {
			t.Fatalf("work executed %d times after cancellation, want 0", got)
		}
	})
}

func TestSequentialExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(64)
	exec := newCountExec(20 * time.Millisecond)
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 10 * time.Millisecond, MinDelay: 2 * time.Millisecond})
	p.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				src.signal()
				time.Sleep(3 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	// Let a few cycles run.
	deadline := time.Now().Add(time.Second)
	for exec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.count() < 1 {
		t.Fatalf("no execution observed")
	}
	if got := exec.maxSeen.Load(); got > 1 {
		t.Fatalf("execute cycles overlapped: max in-flight %d", got)
	}
}

func TestWorkStepFailurePropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	src := newStubSource(1)
	exec := newCountExec(0)
	exec.err = boom
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 10 * time.Millisecond, MinDelay: 2 * time.Millisecond})
	p.Start()

	p.NotifyActivity()
	src.signal()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done() did not resolve after work-step failure")
	}
	if err := p.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}

	// The loop must not restart after a failure.
	src.signal()
	time.Sleep(50 * time.Millisecond)
	if got := exec.count(); got != 1 {
		t.Fatalf("work ran %d times after fatal failure, want 1", got)
	}
}

// selfCancelExec signals its own cancellation on the first cycle and
// succeeds afterwards.
type selfCancelExec struct {
	calls atomic.Int32
	ran   chan struct{}
}

func (e *selfCancelExec) Process(ctx context.Context) error {
	n := e.calls.Add(1)
	select {
	case e.ran <- struct{}{}:
	default:
	}
	if n == 1 {
		return context.Canceled
	}
	return nil
}

func TestExecuteSelfCancellationResumesWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(4)
	exec := &selfCancelExec{ran: make(chan struct{}, 4)}
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 10 * time.Millisecond, MinDelay: 2 * time.Millisecond})
	p.Start()

	src.signal()
	select {
	case <-exec.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("first cycle never ran")
	}

	// The work step cancelled itself; the loop must return to waiting for
	// work, not terminate.
	src.signal()
	select {
	case <-exec.ran:
	case <-p.Done():
		t.Fatalf("loop terminated after a work-step self-cancellation (Err=%v)", p.Err())
	case <-time.After(2 * time.Second):
		t.Fatalf("second cycle never ran after self-cancellation")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("self-cancellation must not surface as an error, got %v", err)
	}

	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done() did not resolve after lifetime cancellation")
	}
}

// flakySource returns context.Canceled once with the lifetime context alive,
// then delivers work normally.
type flakySource struct {
	inner *stubSource
	calls atomic.Int32
}

func (s *flakySource) WaitForWork(ctx context.Context) error {
	if s.calls.Add(1) == 1 {
		return context.Canceled
	}
	return s.inner.WaitForWork(ctx)
}

func TestSourceSelfCancellationResumesWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &flakySource{inner: newStubSource(1)}
	exec := newCountExec(0)
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 10 * time.Millisecond, MinDelay: 2 * time.Millisecond})
	p.Start()

	src.inner.signal()
	waitRan(t, exec, 2*time.Second)
	if err := p.Err(); err != nil {
		t.Fatalf("source self-cancellation must not surface as an error, got %v", err)
	}
}

func TestEndToEndDebounceTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newStubSource(1)
	exec := newCountExec(0)
	p, _ := newTestProcessor(ctx, src, exec, Options{BackOff: 100 * time.Millisecond, MinDelay: 50 * time.Millisecond})
	p.Start()

	start := time.Now()
	p.NotifyActivity()
	src.signal()
	time.Sleep(30 * time.Millisecond)
	p.NotifyActivity() // t≈30
	time.Sleep(30 * time.Millisecond)
	p.NotifyActivity() // t≈60

	ranAt := waitRan(t, exec, 2*time.Second)
	elapsed := ranAt.Sub(start)

	// Quiet window restarts at the last refresh (t≈60), so execution lands
	// around t≈160. Generous upper bound for slow machines.
	if elapsed < 140*time.Millisecond {
		t.Fatalf("executed at t=%v, before the refreshed quiet window elapsed", elapsed)
	}
	if elapsed > 600*time.Millisecond {
		t.Fatalf("executed at t=%v, far later than expected ~160ms", elapsed)
	}

	time.Sleep(150 * time.Millisecond)
	if got := exec.count(); got != 1 {
		t.Fatalf("expected a single coalesced execution, got %d", got)
	}
}
