// Package sqlite implements lock.Provider on a SQLite lock table.
//
// A lock is a row keyed by the lock name. Acquiring inserts the row and
// treats a name conflict as contention; releasing deletes it again. A
// delete that matches nothing means the lock was taken away while
// supposedly held, reported as lock.ErrLockLost.
//
// Rows survive process restarts, so locks held by a crashed process
// stay held until removed by hand. This provider suits processes
// sharing one machine or one mounted filesystem.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/bucketlock/bucketlock/pkg/lock"
)

// ErrPathRequired is returned if the config has no database path.
var ErrPathRequired = errors.New("sqlite database path is required")

const providerName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS locks (
	name       TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	locked_at  TIMESTAMP NOT NULL,
	lock_until TIMESTAMP NOT NULL,
	locked_by  TEXT NOT NULL
);
`

// Config holds the configuration for SQLite locks.
type Config struct {
	// Path is the path to the database file. It is created if missing.
	Path string
}

// Provider acquires locks by inserting rows into a SQLite lock table. It
// implements lock.Provider.
type Provider struct {
	db       *sql.DB
	hostname string
	now      func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithHostname overrides the hostname recorded as the lock holder. The
// default is os.Hostname.
func WithHostname(hostname string) Option {
	return func(p *Provider) { p.hostname = hostname }
}

// WithClock overrides the time source. Only tests should need this.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New opens the database, creates the lock table if needed, and returns
// a Provider.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Path == "" {
		return nil, ErrPathRequired
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", cfg.Path)

	db, err := otelsql.Open("sqlite3", dsn, otelsql.WithAttributes(
		semconv.DBSystemSqlite,
	))
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	// SQLite requires MaxOpenConns=1 to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("error creating the lock table: %w", err)
	}

	p := &Provider{
		db:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}

		p.hostname = hostname
	}

	zerolog.Ctx(ctx).Debug().
		Str("path", cfg.Path).
		Msg("opened the SQLite lock table")

	return p, nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}

// TryAcquire makes a single attempt to insert the lock row for cfg.Name.
func (p *Provider) TryAcquire(ctx context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	id := uuid.NewString()

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO locks (name, id, locked_at, lock_until, locked_by)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		cfg.Name, id, p.now().UTC(), cfg.Until.UTC(), p.hostname,
	)
	if err != nil {
		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error inserting the lock row: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error reading the insert result: %w", err)
	}

	if inserted == 0 {
		lock.RecordLockAcquisition(ctx, providerName, "contention")

		zerolog.Ctx(ctx).Debug().
			Str("lock_name", cfg.Name).
			Msg("lock is held by someone else")

		return nil, false, nil
	}

	lock.RecordLockAcquisition(ctx, providerName, "success")

	zerolog.Ctx(ctx).Debug().
		Str("lock_name", cfg.Name).
		Str("lock_id", id).
		Msg("acquired the lock")

	return &handle{
		provider:   p,
		name:       cfg.Name,
		id:         id,
		acquiredAt: time.Now(),
	}, true, nil
}

// BreakLock deletes the named lock row no matter who holds it.
func (p *Provider) BreakLock(ctx context.Context, name string) (bool, error) {
	res, err := p.db.ExecContext(ctx, "DELETE FROM locks WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("error deleting the lock row: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading the delete result: %w", err)
	}

	if deleted == 0 {
		return false, nil
	}

	zerolog.Ctx(ctx).Warn().
		Str("lock_name", name).
		Msg("broke the lock")

	return true, nil
}

type handle struct {
	provider   *Provider
	name       string
	id         string
	acquiredAt time.Time
	released   atomic.Bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyReleased, h.name)
	}

	// Matching on the id as well means a lock that was removed and
	// reacquired by someone else is not deleted from under them.
	res, err := h.provider.db.ExecContext(ctx,
		"DELETE FROM locks WHERE name = ? AND id = ?",
		h.name, h.id,
	)
	if err != nil {
		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error deleting the lock row: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error reading the delete result: %w", err)
	}

	if deleted == 0 {
		lock.RecordLockFailure(ctx, providerName, "lost")

		return fmt.Errorf("%w: %s", lock.ErrLockLost, h.name)
	}

	lock.RecordLockDuration(ctx, providerName, time.Since(h.acquiredAt).Seconds())

	zerolog.Ctx(ctx).Debug().
		Str("lock_name", h.name).
		Str("lock_id", h.id).
		Msg("released the lock")

	return nil
}
