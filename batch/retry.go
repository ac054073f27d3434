// Package batch runs units of work with retry, chunking, bounded
// concurrency and per-item failure isolation.
package batch

import (
	"context"
	"time"

	"github.com/teranos/cascade/errors"
)

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// BaseDelay is the wait before the first retry; retry n waits BaseDelay*2^(n-1)
	BaseDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each retry with the upcoming attempt number
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or
// the retries are used up. The last error is returned with the attempt count.
func WithRetry[R any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) (R, error)) (R, error) {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		zero    R
		lastErr error
		made    int
	)
	attempts := policy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || !retryable(err) {
			break
		}

		delay := policy.Backoff(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Wrapf(lastErr, "retry abandoned after attempt %d (%v)", attempt, err)
		}
	}
	return zero, errors.Wrapf(lastErr, "failed after %d attempt(s)", made)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
