// Package bucket implements lock.Provider on top of an object-storage
// bucket.
//
// A lock is an object whose key is the lock name. Acquiring is one
// conditional create of that object; whoever creates it holds the lock,
// and everyone else finds it already there. Releasing copies the object
// to a release marker (the key plus ".unlocked") and then deletes the
// original, so the bucket keeps a trace of the last release for every
// lock while the absence of the live object is what makes the lock free
// again.
//
// The object's payload is a small JSON record describing the holder. It
// is written for operators and never read back; only the existence of
// the object carries meaning.
package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/storage"
)

const (
	otelPackageName = "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	providerName = "bucket"
)

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Record is the JSON document stored in a lock object. It identifies the
// holder for anyone inspecting the bucket.
type Record struct {
	// ID is unique per acquisition.
	ID string `json:"id"`

	// LockedAt is the time the lock was acquired.
	LockedAt time.Time `json:"lockedAt"`

	// LockUntil is the advisory time the holder expected to be done. The
	// provider never acts on it.
	LockUntil time.Time `json:"lockUntil"`

	// LockedBy names the acquiring host.
	LockedBy string `json:"lockedBy"`
}

// Provider acquires locks by creating objects in a bucket. It implements
// lock.Provider.
type Provider struct {
	bucket   storage.Bucket
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

// New returns a Provider storing its locks in the given bucket.
func New(bucket storage.Bucket, opts ...Option) *Provider {
	p := &Provider{
		bucket: bucket,
		now:    time.Now,
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

	return p
}

// TryAcquire makes a single attempt to create the lock object for
// cfg.Name. An object already in place means someone else holds the
// lock, which is reported as contention, not an error.
func (p *Provider) TryAcquire(ctx context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	ctx, span := tracer.Start(
		ctx,
		"bucket.TryAcquire",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("lock_name", cfg.Name)),
	)
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	record := Record{
		ID:        uuid.NewString(),
		LockedAt:  p.now().UTC(),
		LockUntil: cfg.Until.UTC(),
		LockedBy:  p.hostname,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("error encoding the lock record: %w", err)
	}

	info, err := p.bucket.CreateIfAbsent(ctx, cfg.Name, payload)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			lock.RecordLockAcquisition(ctx, providerName, "contention")

			zerolog.Ctx(ctx).
				Debug().
				Str("lock_name", cfg.Name).
				Msg("lock is held by someone else")

			return nil, false, nil
		}

		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error creating the lock object: %w", err)
	}

	lock.RecordLockAcquisition(ctx, providerName, "success")

	zerolog.Ctx(ctx).
		Debug().
		Str("lock_name", cfg.Name).
		Str("lock_id", record.ID).
		Str("etag", info.ETag).
		Msg("acquired the lock")

	return &Handle{
		provider:   p,
		name:       cfg.Name,
		record:     record,
		acquiredAt: record.LockedAt,
	}, true, nil
}

// BreakLock deletes the named lock object no matter who holds it. No
// release marker is written; a broken lock was not released cleanly and
// the bucket should not say otherwise.
func (p *Provider) BreakLock(ctx context.Context, name string) (bool, error) {
	ctx, span := tracer.Start(
		ctx,
		"bucket.BreakLock",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("lock_name", name)),
	)
	defer span.End()

	if err := p.bucket.Delete(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("error deleting the lock object: %w", err)
	}

	zerolog.Ctx(ctx).
		Warn().
		Str("lock_name", name).
		Msg("broke the lock")

	return true, nil
}

// Handle is a held bucket lock. It implements lock.Handle.
type Handle struct {
	provider   *Provider
	name       string
	record     Record
	acquiredAt time.Time
	released   atomic.Bool
}

// Name returns the name of the held lock.
func (h *Handle) Name() string { return h.name }

// Record returns the record written into the lock object.
func (h *Handle) Record() Record { return h.record }

// Release gives up the lock by copying its object to the release marker
// and deleting the original. The first call consumes the handle whatever
// the outcome; further calls return lock.ErrAlreadyReleased.
//
// Finding the lock object gone in either step means the lock was taken
// away while supposedly held, which is reported as lock.ErrLockLost.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyReleased, h.name)
	}

	ctx, span := tracer.Start(
		ctx,
		"bucket.Release",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("lock_name", h.name)),
	)
	defer span.End()

	markerKey := h.name + lock.UnlockedSuffix

	if _, err := h.provider.bucket.Copy(ctx, h.name, markerKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lock.RecordLockFailure(ctx, providerName, "lost")

			return fmt.Errorf("%w: %s: lock object disappeared before release", lock.ErrLockLost, h.name)
		}

		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error copying the lock object to its release marker: %w", err)
	}

	if err := h.provider.bucket.Delete(ctx, h.name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The lock object vanished between the copy and the delete. The
			// marker just written would claim a clean release that never
			// happened, so try to take it back.
			if derr := h.provider.bucket.Delete(ctx, markerKey); derr != nil {
				zerolog.Ctx(ctx).
					Warn().
					Err(derr).
					Str("lock_name", h.name).
					Str("marker_key", markerKey).
					Msg("unable to remove the release marker of a lost lock")
			}

			lock.RecordLockFailure(ctx, providerName, "lost")

			return fmt.Errorf("%w: %s: lock object disappeared during release", lock.ErrLockLost, h.name)
		}

		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error deleting the lock object: %w", err)
	}

	lock.RecordLockDuration(ctx, providerName, h.provider.now().UTC().Sub(h.acquiredAt).Seconds())

	zerolog.Ctx(ctx).
		Debug().
		Str("lock_name", h.name).
		Str("lock_id", h.record.ID).
		Msg("released the lock")

	return nil
}
