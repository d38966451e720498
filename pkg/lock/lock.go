// Package lock provides named mutual-exclusion locks shared between
// processes.
//
// A Provider hands out at most one Handle per lock name at a time.
// Acquisition is a single attempt: when the lock is already held the
// provider reports contention instead of blocking or retrying. The
// holder keeps the lock until it calls Release on the handle, no matter
// how long that takes.
//
// Implementations live in the subpackages. The bucket implementation
// backs locks with objects in an object-storage bucket; the others use
// Redis, PostgreSQL, MySQL, SQLite, or process-local mutexes.
package lock

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyReleased is returned by Handle.Release when the handle was
	// released before. A handle is consumed by its first Release call,
	// successful or not.
	ErrAlreadyReleased = errors.New("lock handle already released")

	// ErrLockLost is returned by Handle.Release when the lock was no longer
	// held at release time. Another party must have removed it, so the
	// mutual exclusion the lock was protecting cannot be trusted for the
	// work just performed.
	ErrLockLost = errors.New("lock lost before release")
)

// Provider acquires locks by name.
type Provider interface {
	// TryAcquire makes a single attempt to take the lock described by cfg.
	//
	// Returns:
	//   - (handle, true, nil) if the lock was acquired
	//   - (nil, false, nil) if the lock is held by someone else
	//   - (nil, false, error) if the attempt could not be completed
	//
	// Contention is an expected outcome, not an error. An error means the
	// backend could not answer the question at all, and the caller cannot
	// know whether the lock is free.
	TryAcquire(ctx context.Context, cfg Config) (Handle, bool, error)
}

// Handle represents one successful acquisition. It remains valid until
// released exactly once.
type Handle interface {
	// Name returns the name of the held lock.
	Name() string

	// Release gives up the lock. The handle is consumed even when Release
	// returns an error; the only recourse after a failed release is
	// operator intervention, not a second call.
	//
	// A release that discovers the lock already gone reports ErrLockLost.
	Release(ctx context.Context) error
}

// Breaker is implemented by providers whose locks can be force-released
// without the handle, for operators cleaning up after a crashed holder.
// The holder's next Release will report ErrLockLost.
//
// Providers whose locks die with their holder's session (PostgreSQL,
// MySQL) have nothing to break and do not implement this.
type Breaker interface {
	// BreakLock removes the named lock no matter who holds it. It reports
	// whether there was a lock to remove.
	BreakLock(ctx context.Context, name string) (bool, error)
}
