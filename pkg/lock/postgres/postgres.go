// Package postgres implements lock.Provider using PostgreSQL advisory
// locks.
//
// Advisory locks are scoped to the session that took them, so each held
// lock pins one pooled connection until released. The lock-until time is
// not enforced; a lock is held until released, or until its session dies
// and PostgreSQL drops the advisory lock with it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bucketlock/bucketlock/pkg/lock"
)

var (
	// ErrURLRequired is returned if the config has no connection URL.
	ErrURLRequired = errors.New("postgres connection URL is required")

	// ErrDatabaseConnectionFailed is returned when the database connection fails.
	ErrDatabaseConnectionFailed = errors.New("failed to connect to database")
)

const (
	providerName = "postgres"

	defaultKeyPrefix = "bucketlock:lock:"
)

// Config holds the configuration for PostgreSQL advisory locks.
type Config struct {
	// URL is the PostgreSQL connection URL.
	URL string

	// KeyPrefix is prepended to all lock names for namespacing.
	// Defaults to "bucketlock:lock:" if empty.
	KeyPrefix string
}

// Provider acquires advisory locks from a PostgreSQL server. It
// implements lock.Provider.
type Provider struct {
	pool      *pgxpool.Pool
	keyPrefix string
	ownsPool  bool
}

// New connects to PostgreSQL and returns a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error creating the connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("%w: %w", ErrDatabaseConnectionFailed, err)
	}

	p := NewWithPool(pool, cfg.KeyPrefix)
	p.ownsPool = true

	zerolog.Ctx(ctx).Info().
		Msg("connected to PostgreSQL for distributed locking using advisory locks")

	return p, nil
}

// NewWithPool returns a Provider on an existing pool. The caller keeps
// ownership of the pool; Close will not touch it.
func NewWithPool(pool *pgxpool.Pool, keyPrefix string) *Provider {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &Provider{
		pool:      pool,
		keyPrefix: keyPrefix,
	}
}

// Close closes the connection pool if the Provider created it.
func (p *Provider) Close() {
	if p.ownsPool {
		p.pool.Close()
	}
}

// hashKey converts a lock name to an int64 for use with PostgreSQL advisory locks.
// Uses FNV-1a hash algorithm for consistent hashing.
func (p *Provider) hashKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(p.keyPrefix + name))

	// Convert uint64 to int64 (PostgreSQL uses bigint/int64)
	//nolint:gosec // Hash output is always valid for int64 conversion
	return int64(h.Sum64())
}

// TryAcquire makes a single pg_try_advisory_lock attempt on the named
// lock.
func (p *Provider) TryAcquire(ctx context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	lockID := p.hashKey(cfg.Name)

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error acquiring a database connection: %w", err)
	}

	var acquired bool

	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()

		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error trying to acquire lock %s: %w", cfg.Name, err)
	}

	if !acquired {
		conn.Release()

		lock.RecordLockAcquisition(ctx, providerName, "contention")

		zerolog.Ctx(ctx).Debug().
			Str("lock_name", cfg.Name).
			Int64("lock_id", lockID).
			Msg("lock is held by someone else")

		return nil, false, nil
	}

	lock.RecordLockAcquisition(ctx, providerName, "success")

	zerolog.Ctx(ctx).Debug().
		Str("lock_name", cfg.Name).
		Int64("lock_id", lockID).
		Msg("acquired the lock")

	return &handle{
		name:       cfg.Name,
		lockID:     lockID,
		conn:       conn,
		acquiredAt: time.Now(),
	}, true, nil
}

type handle struct {
	name       string
	lockID     int64
	conn       *pgxpool.Conn
	acquiredAt time.Time
	released   atomic.Bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyReleased, h.name)
	}

	var unlocked bool

	err := h.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", h.lockID).Scan(&unlocked)
	if err != nil {
		// Close the session instead of returning it to the pool;
		// PostgreSQL drops its advisory locks when the session ends.
		_ = h.conn.Conn().Close(ctx)
		h.conn.Release()

		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error releasing lock %s: %w", h.name, err)
	}

	h.conn.Release()

	if !unlocked {
		lock.RecordLockFailure(ctx, providerName, "lost")

		return fmt.Errorf("%w: %s: advisory lock was not held by this session", lock.ErrLockLost, h.name)
	}

	lock.RecordLockDuration(ctx, providerName, time.Since(h.acquiredAt).Seconds())

	zerolog.Ctx(ctx).Debug().
		Str("lock_name", h.name).
		Int64("lock_id", h.lockID).
		Msg("released the lock")

	return nil
}
