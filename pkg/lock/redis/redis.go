// Package redis implements lock.Provider on Redis using the Redlock
// algorithm.
//
// Redis can expire keys, so unlike the bucket provider this one enforces
// the lock-until time: a lock whose holder dies without releasing
// disappears on its own once that time passes. Releasing after expiry
// reports lock.ErrLockLost.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/bucketlock/bucketlock/pkg/lock"
)

var (
	// ErrNoAddrs is returned if the config lists no Redis addresses.
	ErrNoAddrs = errors.New("at least one Redis address is required")

	// ErrInsufficientNodesQuorum is returned if fewer than a majority of
	// the configured Redis nodes could be reached.
	ErrInsufficientNodesQuorum = errors.New("insufficient Redis nodes for quorum")

	// ErrUntilNotInFuture is returned if the lock-until time has already
	// passed; it doubles as the expiry here and must leave a positive TTL.
	ErrUntilNotInFuture = errors.New("lock-until time must be in the future")
)

const (
	providerName = "redis"

	defaultKeyPrefix = "bucketlock:lock:"
)

// Config holds Redis configuration for distributed locking.
type Config struct {
	// Addrs is a list of Redis server addresses.
	// For single node: ["localhost:6379"]
	// For cluster: ["node1:6379", "node2:6379", "node3:6379"]
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// UseTLS enables TLS connection.
	UseTLS bool

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// KeyPrefix for all distributed lock keys.
	KeyPrefix string
}

// Provider acquires locks through redsync mutexes spread over the
// configured Redis nodes. It implements lock.Provider.
type Provider struct {
	clients   []*redis.Client
	redsync   *redsync.Redsync
	keyPrefix string
}

// New connects to the configured Redis nodes and returns a Provider. A
// majority of the nodes must be reachable.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoAddrs
	}

	clients := make([]*redis.Client, 0, len(cfg.Addrs))
	pools := make([]redsyncredis.Pool, 0, len(cfg.Addrs))

	var firstErr error

	for _, addr := range cfg.Addrs {
		opts := &redis.Options{
			Addr:     addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}

		if cfg.UseTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		client := redis.NewClient(opts)

		if err := client.Ping(ctx).Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}

			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("addr", addr).
				Msg("failed to connect to Redis node")

			continue
		}

		clients = append(clients, client)
		pools = append(pools, goredislib.NewPool(client))
	}

	quorum := len(cfg.Addrs)/2 + 1
	if len(pools) < quorum {
		for _, client := range clients {
			_ = client.Close()
		}

		if firstErr != nil {
			return nil, fmt.Errorf("failed to connect to sufficient Redis nodes (%d/%d): %w",
				len(pools), quorum, firstErr)
		}

		return nil, fmt.Errorf("%w: %d/%d", ErrInsufficientNodesQuorum, len(pools), quorum)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	zerolog.Ctx(ctx).Info().
		Int("connected_nodes", len(clients)).
		Int("total_nodes", len(cfg.Addrs)).
		Msg("connected to Redis nodes for distributed locking")

	return &Provider{
		clients:   clients,
		redsync:   redsync.New(pools...),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes all Redis connections.
func (p *Provider) Close() error {
	var errs []error

	for _, client := range p.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// TryAcquire makes a single Redlock attempt on the named lock.
func (p *Provider) TryAcquire(ctx context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	ttl := time.Until(cfg.Until)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrUntilNotInFuture, cfg.Until)
	}

	mutex := p.redsync.NewMutex(
		p.keyPrefix+cfg.Name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) || isLockAlreadyTakenError(err) {
			lock.RecordLockAcquisition(ctx, providerName, "contention")

			zerolog.Ctx(ctx).
				Debug().
				Str("lock_name", cfg.Name).
				Msg("lock is held by someone else")

			return nil, false, nil
		}

		lock.RecordLockAcquisition(ctx, providerName, "failure")

		return nil, false, fmt.Errorf("error acquiring lock %s: %w", cfg.Name, err)
	}

	lock.RecordLockAcquisition(ctx, providerName, "success")

	zerolog.Ctx(ctx).
		Debug().
		Str("lock_name", cfg.Name).
		Dur("ttl", ttl).
		Msg("acquired the lock")

	return &handle{
		name:       cfg.Name,
		mutex:      mutex,
		acquiredAt: time.Now(),
	}, true, nil
}

// BreakLock deletes the lock key on every reachable node no matter who
// holds it.
func (p *Provider) BreakLock(ctx context.Context, name string) (bool, error) {
	key := p.keyPrefix + name

	var (
		deleted  int64
		firstErr error
	)

	for _, client := range p.clients {
		n, err := client.Del(ctx, key).Result()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		deleted += n
	}

	if deleted == 0 && firstErr != nil {
		return false, fmt.Errorf("error deleting the lock key: %w", firstErr)
	}

	if deleted > 0 {
		zerolog.Ctx(ctx).Warn().
			Str("lock_name", name).
			Msg("broke the lock")
	}

	return deleted > 0, nil
}

type handle struct {
	name       string
	mutex      *redsync.Mutex
	acquiredAt time.Time
	released   atomic.Bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyReleased, h.name)
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		// An expired or taken-over key means the lock was not ours to
		// release anymore.
		if isLockGoneError(err) {
			lock.RecordLockFailure(ctx, providerName, "lost")

			return fmt.Errorf("%w: %s: lock expired before release", lock.ErrLockLost, h.name)
		}

		lock.RecordLockFailure(ctx, providerName, "release")

		return fmt.Errorf("error releasing lock %s: %w", h.name, err)
	}

	if !ok {
		lock.RecordLockFailure(ctx, providerName, "lost")

		return fmt.Errorf("%w: %s", lock.ErrLockLost, h.name)
	}

	lock.RecordLockDuration(ctx, providerName, time.Since(h.acquiredAt).Seconds())

	zerolog.Ctx(ctx).
		Debug().
		Str("lock_name", h.name).
		Msg("released the lock")

	return nil
}

// isLockAlreadyTakenError checks if an error indicates the lock is already taken.
func isLockAlreadyTakenError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	return strings.Contains(errStr, "lock already taken") ||
		strings.Contains(errStr, "already taken")
}

// isLockGoneError checks if an unlock error indicates the key expired or
// now belongs to another holder.
func isLockGoneError(err error) bool {
	var (
		errTaken     *redsync.ErrTaken
		errNodeTaken *redsync.ErrNodeTaken
	)

	return errors.Is(err, redsync.ErrLockAlreadyExpired) ||
		errors.As(err, &errTaken) ||
		errors.As(err, &errNodeTaken)
}
