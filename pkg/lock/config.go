package lock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UnlockedSuffix is appended to a lock's name to form the name of its
// release marker. Bucket-backed providers leave such a marker behind on
// every release, so lock names ending in the suffix are reserved across
// all providers to keep a marker from ever colliding with a live lock.
const UnlockedSuffix = ".unlocked"

// DefaultJitterFactor is the default proportion of delay to add as random jitter.
const DefaultJitterFactor = 0.5

var (
	// ErrNameRequired is returned if the lock name is empty.
	ErrNameRequired = errors.New("lock name is required")

	// ErrNameReserved is returned if the lock name ends in UnlockedSuffix.
	ErrNameReserved = errors.New(`lock name must not end in ".unlocked"`)

	// ErrUntilRequired is returned if the lock-until time is not set.
	ErrUntilRequired = errors.New("lock-until time is required")
)

// Config describes one lock acquisition.
type Config struct {
	// Name identifies the lock. Two processes asking for the same name
	// contend for the same lock.
	Name string

	// Until is the time the holder expects to be done with the lock. It is
	// recorded on the lock for operators to inspect but never enforced;
	// the lock is held until released regardless of this value.
	Until time.Time
}

// Validate returns an error describing the first problem with the
// config, or nil.
func (c Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}

	if strings.HasSuffix(c.Name, UnlockedSuffix) {
		return fmt.Errorf("%w: %s", ErrNameReserved, c.Name)
	}

	if c.Until.IsZero() {
		return ErrUntilRequired
	}

	return nil
}

// RetryConfig holds retry configuration for TryAcquireRetry.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts to acquire a lock.
	MaxAttempts int

	// InitialDelay is the initial delay between retry attempts.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retry attempts.
	// Exponential backoff will be capped at this value.
	MaxDelay time.Duration

	// Jitter enables random jitter in retry delays to prevent thundering herd.
	Jitter bool

	// JitterFactor is the maximum proportion of delay to add as random jitter.
	// Only used if Jitter is true. Defaults to DefaultJitterFactor if not set.
	JitterFactor float64
}

// GetJitterFactor returns the JitterFactor if it's set and valid (> 0),
// otherwise it returns DefaultJitterFactor.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}
