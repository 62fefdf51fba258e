package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner executes an operation under a Policy.
type Runner struct {
	Policy    Policy
	Retryable func(error) bool
	Sleep     Sleeper
	// OnRetry is called before each delayed attempt.
	OnRetry func(attempt int, delay time.Duration, lastErr error)
}

func NewRunner(policy Policy, retryable func(error) bool) *Runner {
	return &Runner{Policy: policy, Retryable: retryable, Sleep: sleepContext}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Exhaustion wraps both ErrExhausted and the last error.
func (r *Runner) Do(ctx context.Context, key string, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := r.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(Params{PolicyID: r.Policy.PolicyID, Key: key, Attempt: attempt}, r.Policy)
			if r.OnRetry != nil {
				r.OnRetry(attempt, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				return attempt, fmt.Errorf("retry: interrupted: %w", err)
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if r.Retryable != nil && !r.Retryable(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
