package pipeline

import (
	"context"
	"math"
	"time"
)

// backoffConfig is copied and trimmed from pkg/internal/retry's Config: that
// package's exponential-backoff shape is a direct match for C9's
// same-credential retry sub-case (spec §4.7: "retry same credential (within
// per-credential budget) then failover") on transient upstream failures.
// It does not fit C9's failover shape as a whole (switching credentials is
// not "retry the same call"), so only this delay calculation is reused, not
// the teacher's full Do loop — the pipeline's loop needs to classify each
// error and mutate pool state between attempts, which retry.Do's callback
// shape doesn't expose.
type backoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func defaultBackoff() backoffConfig {
	return backoffConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// delayForAttempt mirrors retry.calculateDelay's exponential growth,
// without jitter: C9's attempt budget is small (≤3 per credential) and
// deterministic tests rely on predictable wait behavior.
func (c backoffConfig) delayForAttempt(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// wait blocks for the backoff delay or until ctx is done, whichever comes
// first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
