package bucketlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	"github.com/bucketlock/bucketlock/pkg/lock"
)

var (
	// ErrCommandRequired is returned if no command to run was given.
	ErrCommandRequired = errors.New("a command to run is required")

	// ErrLockHeld is returned if the lock is held by someone else and the
	// run gave up on acquiring it.
	ErrLockHeld = errors.New("the lock is held by someone else")
)

// exitCodeContended distinguishes "someone else holds the lock" from the
// command's own failures, so wrappers can tell a skipped run apart from a
// failed one.
const exitCodeContended = 3

// ExitCode maps an error returned by Run to the exit code of the
// process: 0 when err is nil, 3 when the lock was held by someone else,
// the child's own exit code when the command ran and failed, and 1 for
// everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrLockHeld) {
		return exitCodeContended
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return 1
}

// lockNameFlag returns the flag naming the lock, shared by the commands
// that address a single lock.
func lockNameFlag(flagSources flagSourcesFn) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "lock-name",
		Usage:    "The name of the lock; also the key of its object in the bucket",
		Sources:  flagSources("lock.name", "LOCK_NAME"),
		Required: true,
		Validator: func(name string) error {
			if strings.HasSuffix(name, lock.UnlockedSuffix) {
				return fmt.Errorf("%w: %s", lock.ErrNameReserved, name)
			}

			return nil
		},
	}
}

func lockForFlag(flagSources flagSourcesFn) *cli.DurationFlag {
	return &cli.DurationFlag{
		Name: "lock-for",
		//nolint:lll
		Usage:   "How long the holder expects to keep the lock. Recorded on the lock for operators to inspect, never enforced.",
		Sources: flagSources("lock.for", "LOCK_FOR"),
		Value:   time.Hour,
	}
}

func runCommand(userDirs userDirectories, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "run a command while holding a named lock",
		ArgsUsage: "command [args...]",
		Action:    runAction(),
		Flags: slices.Concat(
			storeFlags(userDirs, flagSources),
			[]cli.Flag{
				lockNameFlag(flagSources),
				lockForFlag(flagSources),
				&cli.BoolFlag{
					Name:    "wait",
					Usage:   "Retry acquiring the lock with backoff instead of giving up on the first contention",
					Sources: flagSources("lock.wait.enabled", "LOCK_WAIT"),
				},
				&cli.IntFlag{
					Name:    "wait-max-attempts",
					Usage:   "Maximum number of acquisition attempts when --wait is set",
					Sources: flagSources("lock.wait.max-attempts", "LOCK_WAIT_MAX_ATTEMPTS"),
					Value:   10,
				},
				&cli.DurationFlag{
					Name:    "wait-initial-delay",
					Usage:   "Initial delay between acquisition attempts",
					Sources: flagSources("lock.wait.initial-delay", "LOCK_WAIT_INITIAL_DELAY"),
					Value:   100 * time.Millisecond,
				},
				&cli.DurationFlag{
					Name:    "wait-max-delay",
					Usage:   "Maximum delay between acquisition attempts (exponential backoff caps at this)",
					Sources: flagSources("lock.wait.max-delay", "LOCK_WAIT_MAX_DELAY"),
					Value:   2 * time.Second,
				},
				&cli.BoolFlag{
					Name:    "wait-jitter",
					Usage:   "Enable jitter in retry delays to prevent thundering herd",
					Sources: flagSources("lock.wait.jitter", "LOCK_WAIT_JITTER"),
					Value:   true,
				},
			},
		),
	}
}

func runAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "run").Logger()

		ctx = logger.WithContext(ctx)

		args := cmd.Args().Slice()
		if len(args) == 0 {
			return ErrCommandRequired
		}

		bucket, err := getBucket(ctx, cmd)
		if err != nil {
			logger.Error().Err(err).Msg("error creating the bucket")

			return err
		}

		provider := lockbucket.New(bucket)

		cfg := lock.Config{
			Name:  cmd.String("lock-name"),
			Until: time.Now().Add(cmd.Duration("lock-for")),
		}

		handle, acquired, err := acquire(ctx, cmd, provider, cfg)
		if err != nil {
			return fmt.Errorf("error acquiring the lock: %w", err)
		}

		if !acquired {
			return fmt.Errorf("%w: %s", ErrLockHeld, cfg.Name)
		}

		logger.
			Info().
			Str("lock_name", cfg.Name).
			Msg("acquired the lock")

		// The release must go through even when a signal canceled ctx while
		// the command was running, otherwise the lock stays held until an
		// operator breaks it.
		releaseCtx := context.WithoutCancel(ctx)

		runErr := runChild(ctx, args)

		if err := handle.Release(releaseCtx); err != nil {
			logger.
				Error().
				Err(err).
				Str("lock_name", cfg.Name).
				Msg("error releasing the lock")

			if runErr == nil {
				return fmt.Errorf("error releasing the lock: %w", err)
			}
		}

		return runErr
	}
}

// acquire makes a single attempt by default, or keeps retrying with
// backoff when --wait is set. Only contention is retried either way.
func acquire(
	ctx context.Context,
	cmd *cli.Command,
	provider lock.Provider,
	cfg lock.Config,
) (lock.Handle, bool, error) {
	if !cmd.Bool("wait") {
		return provider.TryAcquire(ctx, cfg)
	}

	retryCfg := lock.RetryConfig{
		MaxAttempts:  cmd.Int("wait-max-attempts"),
		InitialDelay: cmd.Duration("wait-initial-delay"),
		MaxDelay:     cmd.Duration("wait-max-delay"),
		Jitter:       cmd.Bool("wait-jitter"),
	}

	return lock.TryAcquireRetry(ctx, provider, cfg, retryCfg)
}

// runChild runs the command in the foreground with the std streams of
// this process. The error comes back verbatim so callers can tell a
// non-zero exit apart from a failure to start at all.
func runChild(ctx context.Context, args []string) error {
	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	zerolog.Ctx(ctx).
		Info().
		Strs("command", args).
		Msg("running the command")

	return child.Run()
}
