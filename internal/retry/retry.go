// Package retry runs operations under a bounded exponential backoff policy.
// Only errors classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrExhausted wraps the last transient error once all attempts are spent.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times to try and how long to wait in between.
// The wait before attempt n+1 is BaseDelay * Multiplier^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three attempts starting at one second and doubling.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-transient error, the context
// ends, or MaxAttempts is reached. On exhaustion the error wraps both
// ErrExhausted and the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return unwrapPermanent(err)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as not retryable, overriding any transient cause.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// transient, a net.Error, or a per-attempt deadline. Permanent wins.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
