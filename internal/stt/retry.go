package stt

import (
	"context"
	"math"
	"time"

	"github.com/containerd/errdefs"
)

// RetryPolicy controls how transient backend failures are retried with
// exponential backoff before surfacing to the caller.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 500ms initial delay, 2x multiplier, 10s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// ShouldRetry reports whether err warrants another attempt. Lifecycle and
// validation failures are never retried; only unavailability is transient.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.MaxAttempts {
		return false
	}
	if errdefs.IsInvalidArgument(err) || errdefs.IsFailedPrecondition(err) ||
		errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return false
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, backing off between retries.
// Returns nil on success, ctx.Err() on cancellation, or the last error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(lastErr, attempt) || attempt == p.MaxAttempts {
			return lastErr
		}
		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
