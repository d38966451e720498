package lock

import (
	"context"
	"time"
)

// TryAcquireRetry attempts to acquire the lock until it succeeds, the
// configured attempts run out, or ctx is done. Only contention is
// retried. A provider error aborts immediately because the backend state
// is unknown and another attempt could not be trusted either way.
//
// The return values follow Provider.TryAcquire: (nil, false, nil) means
// every attempt found the lock held by someone else.
func TryAcquireRetry(ctx context.Context, provider Provider, cfg Config, retry RetryConfig) (Handle, bool, error) {
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := range attempts {
		if attempt > 0 {
			RecordLockRetryAttempt(ctx)

			timer := time.NewTimer(CalculateBackoff(retry, attempt))

			select {
			case <-ctx.Done():
				timer.Stop()

				return nil, false, ctx.Err()
			case <-timer.C:
			}
		}

		handle, acquired, err := provider.TryAcquire(ctx, cfg)
		if err != nil {
			return nil, false, err
		}

		if acquired {
			return handle, true, nil
		}
	}

	return nil, false, nil
}
