package retry

import (
	"context"
	"errors"
	"time"
)

var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retried operation. Backoff is indexed by the number of
// failures so far; when the schedule is shorter than the attempt count the
// last entry repeats. A nil Retryable treats every error as retryable.
type Policy struct {
	Attempts  int
	Backoff   []time.Duration
	Retryable func(error) bool
}

// Do runs fn until it succeeds, a non-retryable error occurs, the attempt
// budget is spent, or ctx is canceled. The returned error is the last error
// from fn, wrapped with ErrAttemptsExhausted when the budget ran out.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffFor(policy.Backoff, attempt-1)); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}

func backoffFor(schedule []time.Duration, failures int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if failures >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[failures]
}

func sleep(ctx context.Context, d time.Duration) error {
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
