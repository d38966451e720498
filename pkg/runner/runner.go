// Package runner executes functions under a named lock, one run at a
// time across every process that shares the same lock provider.
//
// A run that finds the lock held elsewhere is skipped, not queued. The
// runner can also trigger runs on a cron schedule, which turns a fleet
// of hosts with the same crontab into at-most-one execution per tick.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bucketlock/bucketlock/pkg/lock"
)

// Runner runs functions while holding a named lock from its provider.
type Runner struct {
	provider lock.Provider
	cron     *cron.Cron
}

// New returns a Runner that acquires its locks from provider.
func New(provider lock.Provider) *Runner {
	return &Runner{provider: provider}
}

// RunLocked runs fn while holding the named lock and reports whether
// fn ran. When the lock is already held elsewhere the run is skipped
// and RunLocked returns (false, nil).
//
// The lock is claimed until lockFor from now and is released when fn
// returns, even if ctx was canceled or fn panicked mid-run. Release
// errors are joined with fn's error.
func (r *Runner) RunLocked(
	ctx context.Context,
	name string,
	lockFor time.Duration,
	fn func(context.Context) error,
) (bool, error) {
	log := zerolog.Ctx(ctx).With().
		Str("lock_name", name).
		Str("run_id", uuid.NewString()).
		Logger()

	ctx = log.WithContext(ctx)

	handle, acquired, err := r.provider.TryAcquire(ctx, lock.Config{
		Name:  name,
		Until: time.Now().Add(lockFor),
	})
	if err != nil {
		return false, fmt.Errorf("error acquiring the lock: %w", err)
	}

	if !acquired {
		log.Info().Msg("the lock is held elsewhere, skipping this run")

		return false, nil
	}

	log.Debug().Msg("lock acquired, starting the run")

	// The release must go through even when ctx was canceled mid-run,
	// otherwise the lock stays held until an operator breaks it.
	releaseCtx := context.WithoutCancel(ctx)

	var released bool

	defer func() {
		if released {
			return
		}

		if err := handle.Release(releaseCtx); err != nil {
			log.Error().Err(err).Msg("error releasing the lock after a panic")
		}
	}()

	fnErr := fn(ctx)

	released = true

	releaseErr := handle.Release(releaseCtx)
	if releaseErr != nil {
		releaseErr = fmt.Errorf("error releasing the lock: %w", releaseErr)
	}

	return true, errors.Join(fnErr, releaseErr)
}

// SetupCron creates a cron instance in the runner.
func (r *Runner) SetupCron(ctx context.Context, timezone *time.Location) {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	r.cron = cron.New(opts...)

	zerolog.Ctx(ctx).
		Info().
		Msg("cron setup complete")
}

// AddJob schedules fn to run under the named lock on every trigger of
// schedule. SetupCron must have been called first.
func (r *Runner) AddJob(
	ctx context.Context,
	schedule cron.Schedule,
	name string,
	lockFor time.Duration,
	fn func(context.Context) error,
) {
	zerolog.Ctx(ctx).
		Info().
		Str("lock_name", name).
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob")

	r.cron.Schedule(schedule, cron.FuncJob(r.runJob(ctx, name, lockFor, fn)))
}

// runJob returns the closure executed by the cron scheduler on each
// trigger of the named job. The scheduler has nowhere to return errors
// to, so the closure logs them instead.
func (r *Runner) runJob(
	ctx context.Context,
	name string,
	lockFor time.Duration,
	fn func(context.Context) error,
) func() {
	return func() {
		ran, err := r.RunLocked(ctx, name, lockFor, fn)
		if err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Str("lock_name", name).
				Msg("the scheduled run failed")

			return
		}

		if ran {
			zerolog.Ctx(ctx).
				Debug().
				Str("lock_name", name).
				Msg("the scheduled run finished")
		}
	}
}

// StartCron starts the cron scheduler in its own go-routine, or no-op if already started.
func (r *Runner) StartCron(ctx context.Context) {
	zerolog.Ctx(ctx).
		Info().
		Msg("starting the cron scheduler")

	r.cron.Start()
}

// StopCron stops the cron scheduler and waits for running jobs to
// finish so their locks get released. It's a no-op if SetupCron was
// never called.
func (r *Runner) StopCron() {
	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
}
