package bucketlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	"github.com/bucketlock/bucketlock/pkg/lock"
	"github.com/bucketlock/bucketlock/pkg/storage"
)

func listCommand(userDirs userDirectories, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"l"},
		Usage:   "list the locks living in the bucket",
		Action:  listAction(),
		Flags: slices.Concat(
			storeFlags(userDirs, flagSources),
			[]cli.Flag{
				&cli.BoolFlag{
					Name:    "all",
					Usage:   "Include the release markers of locks that are no longer held",
					Sources: flagSources("list.all", "LIST_ALL"),
				},
			},
		),
	}
}

func listAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "list").Logger()

		ctx = logger.WithContext(ctx)

		bucket, err := getBucket(ctx, cmd)
		if err != nil {
			return err
		}

		entries, err := collectLockEntries(ctx, bucket, cmd.Bool("all"))
		if err != nil {
			return err
		}

		return printLockTable(cmd.Root().Writer, entries)
	}
}

// collectLockEntries walks the bucket and reads the record of every lock
// object. Release markers are skipped unless includeReleased is set.
func collectLockEntries(ctx context.Context, bucket storage.Bucket, includeReleased bool) ([]lockEntry, error) {
	var entries []lockEntry

	err := bucket.Walk(ctx, "", func(info storage.ObjectInfo) error {
		name := info.Key

		released := strings.HasSuffix(name, lock.UnlockedSuffix)
		if released {
			if !includeReleased {
				return nil
			}

			name = strings.TrimSuffix(name, lock.UnlockedSuffix)
		}

		entry := lockEntry{Name: name, Released: released}

		payload, err := bucket.Get(ctx, info.Key)
		if err != nil {
			// The object can disappear between the walk and the read.
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}

			return err
		}

		var record lockbucket.Record
		if err := json.Unmarshal(payload, &record); err != nil {
			zerolog.Ctx(ctx).
				Warn().
				Err(err).
				Str("key", info.Key).
				Msg("error parsing the lock record")
		} else {
			entry.Record = &record
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking the bucket: %w", err)
	}

	return entries, nil
}

// printLockTable writes the entries as an aligned table, one lock per
// line. Fields missing from an unparseable record print as "-".
func printLockTable(w io.Writer, entries []lockEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "NAME\tSTATE\tHELD BY\tLOCKED AT\tLOCK UNTIL\tID")

	for _, entry := range entries {
		state := "held"
		if entry.Released {
			state = "released"
		}

		heldBy, lockedAt, lockUntil, id := "-", "-", "-", "-"
		if entry.Record != nil {
			heldBy = entry.Record.LockedBy
			lockedAt = entry.Record.LockedAt.Format(time.RFC3339)
			lockUntil = entry.Record.LockUntil.Format(time.RFC3339)
			id = entry.Record.ID
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", entry.Name, state, heldBy, lockedAt, lockUntil, id)
	}

	return tw.Flush()
}
