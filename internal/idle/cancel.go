package idle

import (
	"context"
	"errors"
)

// errExpedited is the cancellation cause recorded when a merged context was
// interrupted by the expedite signal rather than by its parent.
var errExpedited = errors.New("idle: expedited by blocked consumer")

// expediteContext merges the parent context with an expedite signal channel
// into one waitable context. The merged context is done as soon as either the
// parent is cancelled or sig fires; neither source is cancelled by the merge.
//
// The returned release func must be called on every exit path. It is
// idempotent and reclaims the linking goroutine regardless of which source
// fired first or whether the wait completed normally.
func expediteContext(parent context.Context, sig <-chan struct{}) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	release := func() { cancel(context.Canceled) }
	if sig == nil {
		return ctx, release
	}
	go func() {
		select {
		case <-sig:
			cancel(errExpedited)
		case <-ctx.Done():
		}
	}()
	return ctx, release
}

// expedited reports whether the merged context was interrupted by the
// expedite signal. A concurrently cancelled parent always wins: callers check
// the parent's own error before consulting this.
func expedited(ctx context.Context) bool {
	return context.Cause(ctx) == errExpedited
}
