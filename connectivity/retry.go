package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy describes how many times a call is attempted and how long to
// wait between attempts. The wait before attempt n (1-based, n >= 2) is
// BaseBackoff × (n-1) plus a uniform random jitter in [0, Jitter).
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      time.Duration

	// Sleep waits for d or until ctx is done. Nil means a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger receives one Warn per failed attempt. Nil is silent.
	Logger *slog.Logger
}

// DefaultRetryPolicy is three attempts with 500ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 500 * time.Millisecond}
}

// Backoff returns the wait preceding the given attempt, without jitter.
// Attempt 1 never waits.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.BaseBackoff * time.Duration(attempt-1)
}

// Schedule lists the waits preceding each attempt, without jitter.
func (p RetryPolicy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.attempts())
	for a := 1; a <= p.attempts(); a++ {
		out = append(out, p.Backoff(a))
	}
	return out
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn until it succeeds, the attempt budget is spent, or ctx is done.
// ErrCircuitOpen is never retried. When all attempts fail the returned error
// is an *ErrAttemptsExhausted wrapping the last failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	n := p.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		if wait := p.Backoff(attempt); wait > 0 {
			if p.Jitter > 0 {
				wait += time.Duration(rand.Int64N(int64(p.Jitter)))
			}
			if err := sleep(ctx, wait); err != nil {
				return &ErrAttemptsExhausted{Attempts: attempt - 1, Last: lastErr}
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var open *ErrCircuitOpen
		if errors.As(err, &open) || ctx.Err() != nil {
			return &ErrAttemptsExhausted{Attempts: attempt, Last: err}
		}
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "attempt failed",
				"attempt", attempt,
				"max_attempts", n,
				"error", err)
		}
	}
	return &ErrAttemptsExhausted{Attempts: n, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
