package bucketlock_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	"github.com/bucketlock/bucketlock/pkg/bucketlock"
)

func TestInspect(t *testing.T) {
	t.Parallel()

	t.Run("prints the record of a held lock", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		holdLock(ctx, t, dir, "job-1")

		entry := inspectLock(ctx, t, dir, "job-1")

		assert.Equal(t, "job-1", entry.Name)
		assert.False(t, entry.Released)

		require.NotNil(t, entry.Record)
		assert.Equal(t, "worker-1", entry.Record.LockedBy)
		assert.NotEmpty(t, entry.Record.ID)
		assert.False(t, entry.Record.LockedAt.IsZero())
	})

	t.Run("falls back to the release marker", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())
		dir := t.TempDir()

		handle := holdLock(ctx, t, dir, "job-1")
		require.NoError(t, handle.Release(ctx))

		entry := inspectLock(ctx, t, dir, "job-1")

		assert.Equal(t, "job-1", entry.Name)
		assert.True(t, entry.Released)

		require.NotNil(t, entry.Record)
		assert.Equal(t, "worker-1", entry.Record.LockedBy)
	})

	t.Run("fails when there is nothing to inspect", func(t *testing.T) {
		t.Parallel()

		ctx := zerolog.New(os.Stderr).WithContext(context.Background())

		app, err := bucketlock.New()
		require.NoError(t, err)

		args := []string{
			"bucketlock", "inspect",
			"--store-path", t.TempDir(),
			"--lock-name", "job-1",
		}

		err = app.Run(ctx, args)
		assert.ErrorIs(t, err, bucketlock.ErrLockNotFound)
	})
}

// inspectEntry mirrors the JSON printed by the inspect command.
type inspectEntry struct {
	Name     string             `json:"name"`
	Released bool               `json:"released"`
	Record   *lockbucket.Record `json:"record"`
}

// inspectLock runs the inspect command and decodes its output.
func inspectLock(ctx context.Context, t *testing.T, dir, name string) inspectEntry {
	t.Helper()

	app, err := bucketlock.New()
	require.NoError(t, err)

	var out strings.Builder

	app.Writer = &out

	args := []string{
		"bucketlock", "inspect",
		"--store-path", dir,
		"--lock-name", name,
	}

	require.NoError(t, app.Run(ctx, args))

	var entry inspectEntry

	require.NoError(t, json.Unmarshal([]byte(out.String()), &entry))

	return entry
}
