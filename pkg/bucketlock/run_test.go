package bucketlock_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"
	localstorage "github.com/bucketlock/bucketlock/pkg/storage/local"

	"github.com/bucketlock/bucketlock/pkg/bucketlock"
	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/storage"
)

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("runs the command and releases the lock", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", dir,
			"--lock-name", "job-1",
			"true",
		}

		require.NoError(t, app.Run(ctx, args))

		bucket := newLocalBucket(ctx, t, dir)

		_, err = bucket.Get(ctx, "job-1")
		assert.ErrorIs(t, err, storage.ErrNotFound, "the lock object should be gone after the run")

		payload, err := bucket.Get(ctx, "job-1"+lock.UnlockedSuffix)
		require.NoError(t, err, "the release marker should be left behind")
		assert.Contains(t, string(payload), "lockedBy")
	})

	t.Run("reports contention without running the command", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		holdLock(ctx, t, dir, "job-1")

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", dir,
			"--lock-name", "job-1",
			"true",
		}

		err = app.Run(ctx, args)
		require.ErrorIs(t, err, bucketlock.ErrLockHeld)
		assert.Equal(t, 3, bucketlock.ExitCode(err))
	})

	t.Run("propagates the exit code of a failing command", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", dir,
			"--lock-name", "job-1",
			"sh", "-c", "exit 5",
		}

		err = app.Run(ctx, args)
		require.Error(t, err)

		var exitErr *exec.ExitError

		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 5, exitErr.ExitCode())
		assert.Equal(t, 5, bucketlock.ExitCode(err))

		// The lock must be released even though the command failed.
		bucket := newLocalBucket(ctx, t, dir)

		_, err = bucket.Get(ctx, "job-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("waits for the lock when asked", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		handle := holdLock(ctx, t, dir, "job-1")

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", dir,
			"--lock-name", "job-1",
			"--wait",
			"--wait-max-attempts", "50",
			"--wait-initial-delay", "10ms",
			"--wait-max-delay", "50ms",
			"true",
		}

		errCh := make(chan error, 1)

		go func() { errCh <- app.Run(ctx, args) }()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, handle.Release(ctx))

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("the waiting run never finished")
		}
	})

	t.Run("requires a command", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", t.TempDir(),
			"--lock-name", "job-1",
		}

		err = app.Run(ctx, args)
		assert.ErrorIs(t, err, bucketlock.ErrCommandRequired)
	})

	t.Run("rejects a reserved lock name", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", t.TempDir(),
			"--lock-name", "job-1.unlocked",
			"true",
		}

		err = app.Run(ctx, args)
		require.Error(t, err)
		assert.ErrorContains(t, err, "must not end")
	})

	t.Run("requires a store", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--lock-name", "job-1",
			"true",
		}

		err = app.Run(ctx, args)
		assert.ErrorIs(t, err, bucketlock.ErrStoreConfigRequired)
	})

	t.Run("rejects two stores", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "run",
			"--store-path", t.TempDir(),
			"--store-s3-bucket", "locks",
			"--lock-name", "job-1",
			"true",
		}

		err = app.Run(ctx, args)
		assert.ErrorIs(t, err, bucketlock.ErrStoreConflict)
	})
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, bucketlock.ExitCode(nil))
	assert.Equal(t, 3, bucketlock.ExitCode(bucketlock.ErrLockHeld))
	assert.Equal(t, 1, bucketlock.ExitCode(assert.AnError))
}

// newLocalBucket opens the directory-backed bucket used by the commands
// under test.
func newLocalBucket(ctx context.Context, t *testing.T, dir string) *localstorage.Bucket {
	t.Helper()

	bucket, err := localstorage.New(ctx, dir)
	require.NoError(t, err)

	return bucket
}

// holdLock acquires the named lock out-of-band so the command under test
// finds it held.
func holdLock(ctx context.Context, t *testing.T, dir, name string) lock.Handle {
	t.Helper()

	provider := lockbucket.New(newLocalBucket(ctx, t, dir), lockbucket.WithHostname("worker-1"))

	handle, acquired, err := provider.TryAcquire(ctx, lock.Config{
		Name:  name,
		Until: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, acquired)

	return handle
}
