package lock

import (
	"math/rand/v2"
	"time"
)

// CalculateBackoff returns the delay to sleep before the given attempt.
// Attempts are 0-indexed: the first attempt carries no delay and the
// first retry (attempt 1) waits InitialDelay, doubling on every retry
// after that until MaxDelay caps it.
//
// With Jitter enabled a random share of the delay, up to JitterFactor,
// is added on top so contending processes spread out instead of
// retrying in step.
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 || cfg.InitialDelay <= 0 {
		return 0
	}

	delay := cfg.InitialDelay

	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}

	// The doubling can overflow for large attempt counts; a negative
	// delay is the tell.
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay) * cfg.GetJitterFactor())
	}

	return delay
}
