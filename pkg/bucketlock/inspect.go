package bucketlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/storage"
)

// ErrLockNotFound is returned by inspect when neither the lock object nor
// its release marker exists.
var ErrLockNotFound = errors.New("no lock object or release marker with that name")

// lockEntry is the printable state of one lock. Released entries come
// from release markers; their record describes the last holder, not a
// current one.
type lockEntry struct {
	Name     string             `json:"name"`
	Released bool               `json:"released"`
	Record   *lockbucket.Record `json:"record,omitempty"`
}

func inspectCommand(userDirs userDirectories, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "inspect",
		Aliases: []string{"i"},
		Usage:   "print the record stored in a lock object",
		Action:  inspectAction(),
		Flags: slices.Concat(
			storeFlags(userDirs, flagSources),
			[]cli.Flag{
				lockNameFlag(flagSources),
			},
		),
	}
}

func inspectAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "inspect").Logger()

		ctx = logger.WithContext(ctx)

		bucket, err := getBucket(ctx, cmd)
		if err != nil {
			return err
		}

		entry, err := readLockEntry(ctx, bucket, cmd.String("lock-name"))
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("error encoding the lock entry: %w", err)
		}

		fmt.Fprintln(cmd.Root().Writer, string(out))

		return nil
	}
}

// readLockEntry reads the live lock object for name, falling back to the
// release marker left behind by the last release.
func readLockEntry(ctx context.Context, bucket storage.Bucket, name string) (*lockEntry, error) {
	candidates := []struct {
		key      string
		released bool
	}{
		{key: name},
		{key: name + lock.UnlockedSuffix, released: true},
	}

	for _, candidate := range candidates {
		payload, err := bucket.Get(ctx, candidate.key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}

			return nil, fmt.Errorf("error reading the lock object %q: %w", candidate.key, err)
		}

		entry := &lockEntry{Name: name, Released: candidate.released}

		var record lockbucket.Record
		if err := json.Unmarshal(payload, &record); err != nil {
			zerolog.Ctx(ctx).
				Warn().
				Err(err).
				Str("key", candidate.key).
				Msg("error parsing the lock record")
		} else {
			entry.Record = &record
		}

		return entry, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrLockNotFound, name)
}
