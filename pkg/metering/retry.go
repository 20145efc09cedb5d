package metering

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the retries applied to the ledger commit unit. Only
// transient storage errors are retried; domain failures surface immediately.
// AttemptTimeout bounds each attempt with its own deadline; zero disables it.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        func(attempt int) time.Duration
	AttemptTimeout time.Duration
	sleep          func(ctx context.Context, duration time.Duration) error
}

// NewRetryPolicy validates a retry policy.
func NewRetryPolicy(maxAttempts int, backoff func(attempt int) time.Duration) (RetryPolicy, error) {
	if maxAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("%w: max attempts must be at least one", ErrInvalidRetryPolicy)
	}
	if backoff == nil {
		return RetryPolicy{}, fmt.Errorf("%w: backoff function is nil", ErrInvalidRetryPolicy)
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff, sleep: sleepWithContext}, nil
}

// DefaultRetryPolicy retries the commit unit three times with a short fixed
// backoff, each attempt carrying its own deadline.
func DefaultRetryPolicy() RetryPolicy {
	policy, _ := NewRetryPolicy(3, FixedBackoff(100*time.Millisecond))
	return policy.WithAttemptTimeout(5 * time.Second)
}

// FixedBackoff waits the same duration between every attempt.
func FixedBackoff(delay time.Duration) func(attempt int) time.Duration {
	return func(int) time.Duration { return delay }
}

// WithSleeper replaces the wait function, letting tests drive retries with a
// fake clock.
func (policy RetryPolicy) WithSleeper(sleep func(ctx context.Context, duration time.Duration) error) RetryPolicy {
	policy.sleep = sleep
	return policy
}

// WithAttemptTimeout gives every attempt a fresh deadline. A stalled attempt
// expires on its own without eating the budget of the retries after it.
func (policy RetryPolicy) WithAttemptTimeout(timeout time.Duration) RetryPolicy {
	policy.AttemptTimeout = timeout
	return policy
}

// Run invokes fn until it succeeds, fails with a non-transient error, or the
// attempt budget is exhausted. The last error is returned.
func (policy RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := policy.sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	var lastError error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastError = policy.attempt(ctx, fn)
		if lastError == nil {
			return nil
		}
		if !IsTransient(lastError) {
			return lastError
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if sleepError := sleep(ctx, policy.Backoff(attempt)); sleepError != nil {
			return lastError
		}
	}
	return lastError
}

func (policy RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
