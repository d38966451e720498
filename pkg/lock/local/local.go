// Package local implements lock.Provider for a single process.
//
// Locks exist only in the provider's memory. Exclusion holds between
// goroutines sharing one Provider but not across processes; use one of
// the distributed providers for that.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bucketlock/bucketlock/pkg/lock"
)

const providerName = "local"

// Provider tracks held lock names in memory. It implements
// lock.Provider.
type Provider struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New returns an empty Provider.
func New() *Provider {
	return &Provider{held: make(map[string]struct{})}
}

// TryAcquire takes the named lock if no goroutine holds it.
func (p *Provider) TryAcquire(ctx context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[cfg.Name]; ok {
		lock.RecordLockAcquisition(ctx, providerName, "contention")

		return nil, false, nil
	}

	p.held[cfg.Name] = struct{}{}

	lock.RecordLockAcquisition(ctx, providerName, "success")

	return &handle{
		provider:   p,
		name:       cfg.Name,
		acquiredAt: time.Now(),
	}, true, nil
}

// BreakLock removes the named lock no matter which goroutine holds it.
func (p *Provider) BreakLock(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[name]; !ok {
		return false, nil
	}

	delete(p.held, name)

	return true, nil
}

type handle struct {
	provider   *Provider
	name       string
	acquiredAt time.Time
	released   atomic.Bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyReleased, h.name)
	}

	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()

	if _, ok := h.provider.held[h.name]; !ok {
		lock.RecordLockFailure(ctx, providerName, "lost")

		return fmt.Errorf("%w: %s", lock.ErrLockLost, h.name)
	}

	delete(h.provider.held, h.name)

	lock.RecordLockDuration(ctx, providerName, time.Since(h.acquiredAt).Seconds())

	return nil
}
