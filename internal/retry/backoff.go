// Package retry provides exponential backoff and a circuit breaker
// used to rebind the endpoint and to redial an SSH gateway.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable; [Backoff.Do] returns the inner
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements capped exponential backoff with optional jitter.
// Zero fields fall back to the values of [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the total number of tries including the first;
	// 0 retries until the context is cancelled.
	MaxAttempts int
	// Jitter spreads each delay by ±25%.
	Jitter bool

	// OnRetry, when set, is called before each sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the policy used for endpoint restarts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Delay returns the un-jittered wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a [Permanent] error, runs out of
// attempts, or ctx is cancelled.  fn receives the 1-based attempt.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func jitter(d time.Duration) time.Duration {
	quarter := int64(d) / 4
	if quarter <= 0 {
		return d
	}
	out := time.Duration(int64(d) - quarter + rand.Int63n(2*quarter+1))
	if out < time.Millisecond {
		return time.Millisecond
	}
	return out
}
