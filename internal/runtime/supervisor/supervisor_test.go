package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirstErrorCancelsWhenConfigured(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("failing", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after goroutine error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped %v", err, boom)
	}
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("panicky", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("panic not surfaced as error")
	}
}

func TestGoRestartRestartsOnError(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil // clean exit stops the restart loop
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCancellation(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("loop", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want exactly 1 (no restarts after clean cancel)", got)
	}
}

func TestCounters(t *testing.T) {
	s := New(context.Background())
	block := make(chan struct{})
	s.Go0("held", func(ctx context.Context) { <-block })

	deadline := time.Now().Add(time.Second)
	for s.Counters().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Counters = %+v, want 1 active", s.Counters())
		}
		time.Sleep(time.Millisecond)
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("Counters = %+v, want 0 active / 1 started", c)
	}
}
