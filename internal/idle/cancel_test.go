package idle

import (
	"context"
	"testing"
	"time"
)

func TestExpediteContextSignalFires(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan struct{})
	ctx, release := expediteContext(parent, sig)
	defer release()

	close(sig)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("merged context did not fire on expedite signal")
	}
	if !expedited(ctx) {
		t.Fatalf("expected expedite cause, got %v", context.Cause(ctx))
	}
	if parent.Err() != nil {
		t.Fatalf("expedite must not cancel the parent")
	}
}

func TestExpediteContextParentWins(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sig := make(chan struct{})
	ctx, release := expediteContext(parent, sig)
	defer release()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("merged context did not fire on parent cancellation")
	}
	if expedited(ctx) {
		t.Fatalf("parent cancellation wrongly tagged as expedite")
	}
}

func TestExpediteContextReleaseIdempotent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, release := expediteContext(parent, make(chan struct{}))
	release()
	release() // must be safe

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("release did not cancel the merged context")
	}
	if expedited(ctx) {
		t.Fatalf("plain release wrongly tagged as expedite")
	}
}

func TestExpediteContextNilSignal(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, release := expediteContext(parent, nil)
	defer release()
	if ctx.Err() != nil {
		t.Fatalf("merged context done prematurely: %v", ctx.Err())
	}
	cancel()
	<-ctx.Done()
	if expedited(ctx) {
		t.Fatalf("nil signal can never expedite")
	}
}
