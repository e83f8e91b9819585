package idle

import "time"

// waitForIdle suspends until the host has been quiet for the back-off window.
//
// It re-measures in a loop because producers may refresh the activity tick
// while we sleep. Three outcomes:
//   - (false, nil): the quiet period elapsed, execute now
//   - (true, nil): a blocked consumer expedited the wait; after the short
//     grace pause we execute regardless of elapsed time
//   - (_, err): the lifetime context fired, stop
//
// Cancellation is asymmetric on purpose: the lifetime signal exits
// immediately on every path, while the expedite signal still grants the grace
// interval so a genuine idle window gets one last chance to be observed.
func (p *Processor) waitForIdle(blocked <-chan struct{}) (expedited bool, err error) {
	for {
		if err := p.ctx.Err(); err != nil {
			return false, err
		}

		elapsed := p.opt.Clock.Tick() - time.Duration(p.lastActivity.Load())
		if elapsed >= p.opt.BackOff {
			return false, nil
		}

		remaining := p.opt.BackOff - elapsed
		if remaining < p.opt.MinDelay {
			remaining = p.opt.MinDelay
		}

		fired, err := p.sleepInterruptible(remaining, blocked)
		if err != nil {
			return false, err
		}
		if fired {
			// Consumer is waiting on us: pause a hair, then run anyway so a
			// busy producer can never starve it. Only outright cancellation
			// skips this grace window.
			t := time.NewTimer(p.opt.Grace)
			select {
			case <-p.ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return false, p.ctx.Err()
			case <-t.C:
			}
			return true, nil
		}
		// Timer elapsed naturally; loop and re-measure.
	}
}

// sleepInterruptible waits d, subject to interruption by the lifetime context
// or the per-cycle blocked signal. It reports whether the blocked signal was
// the reason the wait ended early.
func (p *Processor) sleepInterruptible(d time.Duration, blocked <-chan struct{}) (expeditedWake bool, err error) {
	ctx, release := expediteContext(p.ctx, blocked)
	defer release()

	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		// Lifetime cancellation wins over a simultaneous expedite.
		if err := p.ctx.Err(); err != nil {
			return false, err
		}
		return expedited(ctx), nil
	case <-t.C:
		return false, nil
	}
}
