package bucket_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/lock/bucket"
	"github.com/bucketlock/bucketlock/pkg/storage"
	"github.com/bucketlock/bucketlock/pkg/storage/mem"
	"github.com/bucketlock/bucketlock/pkg/storage/s3"
	"github.com/bucketlock/bucketlock/testhelper"
)

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	t.Run("acquiring a free lock creates its object", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")

		lockedAt := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		until := lockedAt.Add(10 * time.Minute)

		provider := bucket.New(store,
			bucket.WithHostname("worker-1"),
			bucket.WithClock(func() time.Time { return lockedAt }),
		)

		handle, acquired, err := provider.TryAcquire(context.Background(), lock.Config{Name: "job-1", Until: until})
		require.NoError(t, err)
		require.True(t, acquired)

		assert.Equal(t, "job-1", handle.Name())

		payload, err := store.Get(context.Background(), "job-1")
		require.NoError(t, err)

		var record bucket.Record
		require.NoError(t, json.Unmarshal(payload, &record))

		_, err = uuid.Parse(record.ID)
		assert.NoError(t, err)

		assert.True(t, record.LockedAt.Equal(lockedAt))
		assert.True(t, record.LockUntil.Equal(until))
		assert.Equal(t, "worker-1", record.LockedBy)
	})

	t.Run("a held lock is contended, not an error", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		_, acquired, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		// A second provider sharing the bucket sees the same lock.
		other := bucket.New(store)

		handle, acquired, err := other.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		assert.False(t, acquired)
		assert.Nil(t, handle)
	})

	t.Run("losing an acquisition race leaves the winner untouched", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")

		_, acquired, err := bucket.New(store).TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		before, err := store.Get(context.Background(), "job-1")
		require.NoError(t, err)

		_, acquired, err = bucket.New(store).TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.False(t, acquired)

		after, err := store.Get(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, before, after)
	})

	t.Run("distinct names do not contend", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		_, acquired, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		_, acquired, err = provider.TryAcquire(context.Background(), testConfig("job-2"))
		require.NoError(t, err)

		assert.True(t, acquired)
	})

	t.Run("invalid configs are rejected", func(t *testing.T) {
		t.Parallel()

		provider := bucket.New(mem.New("locks"))

		_, _, err := provider.TryAcquire(context.Background(), lock.Config{})
		assert.ErrorIs(t, err, lock.ErrNameRequired)

		_, _, err = provider.TryAcquire(context.Background(), testConfig("job-1"+lock.UnlockedSuffix))
		assert.ErrorIs(t, err, lock.ErrNameReserved)
	})

	t.Run("storage errors propagate", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")

		provider := bucket.New(&hookBucket{Bucket: mem.New("locks"), createErr: errBoom})

		handle, acquired, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		assert.ErrorIs(t, err, errBoom)
		assert.False(t, acquired)
		assert.Nil(t, handle)
	})

	t.Run("exactly one concurrent acquirer wins", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")

		const workers = 32

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, acquired, err := bucket.New(store).TryAcquire(context.Background(), testConfig("job-1"))
				assert.NoError(t, err)

				if acquired {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestRelease(t *testing.T) {
	t.Parallel()

	t.Run("release removes the lock and leaves a marker", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		handle, acquired, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		payload, err := store.Get(context.Background(), "job-1")
		require.NoError(t, err)

		require.NoError(t, handle.Release(context.Background()))

		_, err = store.Get(context.Background(), "job-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		marker, err := store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		require.NoError(t, err)

		assert.Equal(t, payload, marker)
	})

	t.Run("a released lock can be acquired again", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		handle, acquired, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, handle.Release(context.Background()))

		handle, acquired, err = provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, handle.Release(context.Background()))
	})

	t.Run("each release overwrites the previous marker", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		recordID := func(payload []byte) string {
			var record bucket.Record
			require.NoError(t, json.Unmarshal(payload, &record))

			return record.ID
		}

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.NoError(t, handle.Release(context.Background()))

		first, err := store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		require.NoError(t, err)

		handle, _, err = provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)
		require.NoError(t, handle.Release(context.Background()))

		second, err := store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		require.NoError(t, err)

		assert.NotEqual(t, recordID(first), recordID(second))
	})

	t.Run("a handle is consumed by its first release", func(t *testing.T) {
		t.Parallel()

		provider := bucket.New(mem.New("locks"))

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		require.NoError(t, handle.Release(context.Background()))

		assert.ErrorIs(t, handle.Release(context.Background()), lock.ErrAlreadyReleased)
	})

	t.Run("lock gone before release is reported as lost", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(context.Background(), "job-1"))

		err = handle.Release(context.Background())
		assert.ErrorIs(t, err, lock.ErrLockLost)
		assert.ErrorContains(t, err, "job-1")

		// No release marker may claim a release that never happened.
		_, err = store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("lock gone during release is reported as lost", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		hooked := &hookBucket{Bucket: store}
		provider := bucket.New(hooked)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		// Steal the lock between the marker copy and the delete.
		hooked.afterCopy = func() {
			require.NoError(t, store.Delete(context.Background(), "job-1"))
		}

		err = handle.Release(context.Background())
		assert.ErrorIs(t, err, lock.ErrLockLost)

		_, err = store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("lost lock is reported even when the marker cannot be removed", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")

		store := mem.New("locks")
		hooked := &hookBucket{Bucket: store}
		provider := bucket.New(hooked)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		hooked.afterCopy = func() {
			require.NoError(t, store.Delete(context.Background(), "job-1"))
		}
		hooked.deleteErr = func(key string) error {
			if key == "job-1"+lock.UnlockedSuffix {
				return errBoom
			}

			return nil
		}

		assert.ErrorIs(t, handle.Release(context.Background()), lock.ErrLockLost)
	})

	t.Run("copy failure propagates and consumes the handle", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")

		store := mem.New("locks")
		hooked := &hookBucket{Bucket: store}
		provider := bucket.New(hooked)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		hooked.copyErr = errBoom

		err = handle.Release(context.Background())
		assert.ErrorIs(t, err, errBoom)
		assert.NotErrorIs(t, err, lock.ErrLockLost)

		// The lock object stays in place for an operator to deal with.
		_, err = store.Get(context.Background(), "job-1")
		assert.NoError(t, err)

		assert.ErrorIs(t, handle.Release(context.Background()), lock.ErrAlreadyReleased)
	})

	t.Run("delete failure propagates without reporting lost", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")

		store := mem.New("locks")
		hooked := &hookBucket{Bucket: store}
		provider := bucket.New(hooked)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		hooked.deleteErr = func(key string) error {
			if key == "job-1" {
				return errBoom
			}

			return nil
		}

		err = handle.Release(context.Background())
		assert.ErrorIs(t, err, errBoom)
		assert.NotErrorIs(t, err, lock.ErrLockLost)
	})
}

func TestBreakLock(t *testing.T) {
	t.Parallel()

	t.Run("removes the lock without leaving a marker", func(t *testing.T) {
		t.Parallel()

		store := mem.New("locks")
		provider := bucket.New(store)

		handle, _, err := provider.TryAcquire(context.Background(), testConfig("job-1"))
		require.NoError(t, err)

		broken, err := provider.BreakLock(context.Background(), "job-1")
		require.NoError(t, err)
		require.True(t, broken)

		_, err = store.Get(context.Background(), "job-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = store.Get(context.Background(), "job-1"+lock.UnlockedSuffix)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// The previous holder finds out on release.
		assert.ErrorIs(t, handle.Release(context.Background()), lock.ErrLockLost)
	})

	t.Run("a free lock has nothing to break", func(t *testing.T) {
		t.Parallel()

		provider := bucket.New(mem.New("locks"))

		broken, err := provider.BreakLock(context.Background(), "job-1")
		require.NoError(t, err)

		assert.False(t, broken)
	})
}

func TestS3(t *testing.T) {
	t.Parallel()

	cfg := testhelper.S3Config(t)

	store, err := s3.New(context.Background(), *cfg)
	require.NoError(t, err)

	name := testhelper.LockName(t)

	t.Cleanup(func() {
		_ = store.Delete(context.Background(), name)
		_ = store.Delete(context.Background(), name+lock.UnlockedSuffix)
	})

	provider := bucket.New(store)

	handle, acquired, err := provider.TryAcquire(context.Background(), testConfig(name))
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = provider.TryAcquire(context.Background(), testConfig(name))
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, handle.Release(context.Background()))

	_, err = store.Get(context.Background(), name)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get(context.Background(), name+lock.UnlockedSuffix)
	assert.NoError(t, err)

	handle, acquired, err = provider.TryAcquire(context.Background(), testConfig(name))
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, handle.Release(context.Background()))
}

// hookBucket wraps a storage.Bucket with fault-injection hooks.
type hookBucket struct {
	storage.Bucket

	createErr error
	copyErr   error
	deleteErr func(key string) error
	afterCopy func()
}

func (b *hookBucket) CreateIfAbsent(ctx context.Context, key string, payload []byte) (storage.ObjectInfo, error) {
	if b.createErr != nil {
		return storage.ObjectInfo{}, b.createErr
	}

	return b.Bucket.CreateIfAbsent(ctx, key, payload)
}

func (b *hookBucket) Copy(ctx context.Context, srcKey, dstKey string) (storage.ObjectInfo, error) {
	if b.copyErr != nil {
		return storage.ObjectInfo{}, b.copyErr
	}

	info, err := b.Bucket.Copy(ctx, srcKey, dstKey)
	if err == nil && b.afterCopy != nil {
		b.afterCopy()
	}

	return info, err
}

func (b *hookBucket) Delete(ctx context.Context, key string) error {
	if b.deleteErr != nil {
		if err := b.deleteErr(key); err != nil {
			return err
		}
	}

	return b.Bucket.Delete(ctx, key)
}

func testConfig(name string) lock.Config {
	return lock.Config{
		Name:  name,
		Until: time.Now().Add(10 * time.Minute),
	}
}
