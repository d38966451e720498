package runner_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/runner"
)

// stubProvider hands out one stub handle per acquisition and records
// the last config it saw.
type stubProvider struct {
	contended  bool
	acquireErr error
	releaseErr error

	mu      sync.Mutex
	calls   int
	lastCfg lock.Config
	handles []*stubHandle
}

func (p *stubProvider) TryAcquire(_ context.Context, cfg lock.Config) (lock.Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.lastCfg = cfg

	if p.acquireErr != nil {
		return nil, false, p.acquireErr
	}

	if p.contended {
		return nil, false, nil
	}

	h := &stubHandle{name: cfg.Name, releaseErr: p.releaseErr}
	p.handles = append(p.handles, h)

	return h, true, nil
}

type stubHandle struct {
	name       string
	releaseErr error

	released      bool
	releaseCtxErr error
}

func (h *stubHandle) Name() string { return h.name }

func (h *stubHandle) Release(ctx context.Context) error {
	h.released = true
	h.releaseCtxErr = ctx.Err()

	return h.releaseErr
}

func TestRunLocked(t *testing.T) {
	t.Parallel()

	t.Run("runs the function while holding the lock", func(t *testing.T) {
		t.Parallel()

		provider := &stubProvider{}

		var sawHeld bool

		ran, err := runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
			func(context.Context) error {
				sawHeld = len(provider.handles) == 1 && !provider.handles[0].released

				return nil
			})
		require.NoError(t, err)

		assert.True(t, ran)
		assert.True(t, sawHeld)

		require.Len(t, provider.handles, 1)
		assert.True(t, provider.handles[0].released)

		assert.Equal(t, "job-1", provider.lastCfg.Name)
		assert.WithinDuration(t, time.Now().Add(time.Hour), provider.lastCfg.Until, time.Minute)
	})

	t.Run("skips when the lock is held elsewhere", func(t *testing.T) {
		t.Parallel()

		provider := &stubProvider{contended: true}

		var calls int

		ran, err := runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
			func(context.Context) error {
				calls++

				return nil
			})
		require.NoError(t, err)

		assert.False(t, ran)
		assert.Zero(t, calls)
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("acquisition errors abort the run", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")

		provider := &stubProvider{acquireErr: errBoom}

		var calls int

		ran, err := runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
			func(context.Context) error {
				calls++

				return nil
			})
		assert.ErrorIs(t, err, errBoom)

		assert.False(t, ran)
		assert.Zero(t, calls)
	})

	t.Run("the function error and the release error are joined", func(t *testing.T) {
		t.Parallel()

		errRun := errors.New("run failed")
		errRelease := errors.New("release failed")

		provider := &stubProvider{releaseErr: errRelease}

		ran, err := runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
			func(context.Context) error { return errRun })

		assert.True(t, ran)
		assert.ErrorIs(t, err, errRun)
		assert.ErrorIs(t, err, errRelease)
	})

	t.Run("a release failure fails an otherwise clean run", func(t *testing.T) {
		t.Parallel()

		provider := &stubProvider{releaseErr: lock.ErrLockLost}

		ran, err := runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
			func(context.Context) error { return nil })

		assert.True(t, ran)
		assert.ErrorIs(t, err, lock.ErrLockLost)
	})

	t.Run("the lock is released when the function panics", func(t *testing.T) {
		t.Parallel()

		provider := &stubProvider{}

		require.Panics(t, func() {
			_, _ = runner.New(provider).RunLocked(newContext(), "job-1", time.Hour,
				func(context.Context) error { panic("boom") })
		})

		require.Len(t, provider.handles, 1)
		assert.True(t, provider.handles[0].released)
	})

	t.Run("the release goes through after the context is canceled", func(t *testing.T) {
		t.Parallel()

		provider := &stubProvider{}

		ctx, cancel := context.WithCancel(newContext())
		defer cancel()

		ran, err := runner.New(provider).RunLocked(ctx, "job-1", time.Hour,
			func(context.Context) error {
				cancel()

				return nil
			})
		require.NoError(t, err)

		assert.True(t, ran)

		require.Len(t, provider.handles, 1)
		assert.True(t, provider.handles[0].released)
		assert.NoError(t, provider.handles[0].releaseCtxErr)
	})
}

func TestCron(t *testing.T) {
	t.Parallel()

	t.Run("a scheduled job runs under the lock", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		provider := &stubProvider{}
		r := runner.New(provider)

		r.SetupCron(ctx, nil)

		ranCh := make(chan struct{})

		r.AddJob(ctx, constantSchedule{every: 10 * time.Millisecond}, "job-1", time.Hour,
			func(context.Context) error {
				select {
				case ranCh <- struct{}{}:
				default:
				}

				return nil
			})

		r.StartCron(ctx)

		select {
		case <-ranCh:
		case <-time.After(5 * time.Second):
			t.Fatal("the scheduled job never ran")
		}

		r.StopCron()

		require.NotEmpty(t, provider.handles)
		assert.True(t, provider.handles[0].released)
	})

	t.Run("stopping without setup is a no-op", func(t *testing.T) {
		t.Parallel()

		runner.New(&stubProvider{}).StopCron()
	})
}

// constantSchedule triggers at a fixed interval, including intervals
// under a second that the standard cron parser cannot express.
type constantSchedule struct{ every time.Duration }

func (s constantSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}
