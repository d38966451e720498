package bucketlock

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"
)

func breakCommand(userDirs userDirectories, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "break",
		Usage:  "forcibly remove a live lock whose holder is gone",
		Action: breakAction(),
		Flags: slices.Concat(
			storeFlags(userDirs, flagSources),
			[]cli.Flag{
				lockNameFlag(flagSources),
			},
		),
	}
}

func breakAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "break").Logger()

		ctx = logger.WithContext(ctx)

		bucket, err := getBucket(ctx, cmd)
		if err != nil {
			return err
		}

		provider := lockbucket.New(bucket)

		name := cmd.String("lock-name")

		removed, err := provider.BreakLock(ctx, name)
		if err != nil {
			return fmt.Errorf("error breaking the lock: %w", err)
		}

		if !removed {
			logger.
				Info().
				Str("lock_name", name).
				Msg("no lock to break")
		}

		return nil
	}
}
