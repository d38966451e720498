package bucketlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	lockbucket "github.com/bucketlock/bucketlock/pkg/lock/bucket"

	"github.com/bucketlock/bucketlock/pkg/maxprocs"
	"github.com/bucketlock/bucketlock/pkg/otel"
	"github.com/bucketlock/bucketlock/pkg/prometheus"
	"github.com/bucketlock/bucketlock/pkg/runner"
	"github.com/bucketlock/bucketlock/pkg/server"
	"github.com/bucketlock/bucketlock/pkg/telemetry"
)

func cronCommand(
	userDirs userDirectories,
	flagSources flagSourcesFn,
	registerShutdown registerShutdownFn,
) *cli.Command {
	return &cli.Command{
		Name:      "cron",
		Aliases:   []string{"c"},
		Usage:     "run a command on a schedule, at most once per tick across every host sharing the bucket",
		ArgsUsage: "command [args...]",
		Action:    cronAction(registerShutdown),
		Flags: slices.Concat(
			storeFlags(userDirs, flagSources),
			[]cli.Flag{
				lockNameFlag(flagSources),
				lockForFlag(flagSources),
				&cli.StringFlag{
					Name: "schedule",
					//nolint:lll
					Usage:    "The cron spec for running the command. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
					Sources:  flagSources("cron.schedule", "CRON_SCHEDULE"),
					Required: true,
					Validator: func(s string) error {
						_, err := cron.ParseStandard(s)

						return err
					},
				},
				&cli.StringFlag{
					Name:    "schedule-timezone",
					Usage:   "The name of the timezone to use for the cron",
					Sources: flagSources("cron.timezone", "CRON_SCHEDULE_TZ"),
					Value:   "Local",
				},
				&cli.StringFlag{
					Name:    "server-addr",
					Usage:   "The address of the lock inspection server. Leave empty to not start it.",
					Sources: flagSources("server.addr", "SERVER_ADDR"),
					Value:   "",
				},
			},
		),
	}
}

func cronAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "cron").Logger()

		ctx = logger.WithContext(ctx)

		args := cmd.Args().Slice()
		if len(args) == 0 {
			return ErrCommandRequired
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return maxprocs.AutoMaxProcs(ctx, 30*time.Second, logger)
		})

		otelResource, err := telemetry.NewResource(
			ctx,
			cmd.Root().Name,
			Version,
			detectExtraResourceAttrs(cmd)...,
		)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating a new otel resource")

			return err
		}

		otelShutdown, err := otel.SetupOTelSDK(
			ctx,
			otel.Config{
				Enabled: cmd.Root().Bool("otel-enabled"),
				GRPCURL: cmd.Root().String("otel-grpc-url"),
				HTTPURL: cmd.Root().String("otel-http-url"),
			},
			otelResource,
		)
		if err != nil {
			return err
		}

		registerShutdown("open telemetry", otelShutdown)

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(otelResource)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			registerShutdown("prometheus", shutdown)

			server.SetPrometheusGatherer(gatherer)

			logger.
				Info().
				Msg("Prometheus metrics enabled at /metrics")
		}

		bucket, err := getBucket(ctx, cmd)
		if err != nil {
			logger.Error().Err(err).Msg("error creating the bucket")

			return err
		}

		r := runner.New(lockbucket.New(bucket))

		var loc *time.Location

		if tz := cmd.String("schedule-timezone"); tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("error parsing the timezone %q: %w", tz, err)
			}
		}

		r.SetupCron(ctx, loc)

		schedule, err := cron.ParseStandard(cmd.String("schedule"))
		if err != nil {
			return fmt.Errorf("error parsing the cron spec %q: %w", cmd.String("schedule"), err)
		}

		r.AddJob(ctx, schedule, cmd.String("lock-name"), cmd.Duration("lock-for"), func(ctx context.Context) error {
			return runChild(ctx, args)
		})

		r.StartCron(ctx)

		defer r.StopCron()

		var httpServer *http.Server

		if addr := cmd.String("server-addr"); addr != "" {
			srv := server.New(bucket)
			srv.SetVersion(Version)

			httpServer = &http.Server{
				BaseContext:       func(net.Listener) context.Context { return ctx },
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g.Go(func() error {
				logger.Info().
					Str("server_addr", addr).
					Msg("Server started")

				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error starting the HTTP listener: %w", err)
				}

				return nil
			})
		}

		<-ctx.Done()

		logger.Info().Msg("shutting down")

		if httpServer != nil {
			// ctx is already done; the shutdown gets its own deadline.
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer shutdownCancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("error shutting down the HTTP server")
			}
		}

		return nil
	}
}

// detectExtraResourceAttrs describes the configured store backend for the
// telemetry resource.
func detectExtraResourceAttrs(cmd *cli.Command) []attribute.KeyValue {
	storeBackend := "local"
	if cmd.String("store-s3-bucket") != "" {
		storeBackend = "s3"
	}

	return []attribute.KeyValue{
		attribute.String("bucketlock.store_backend", storeBackend),
	}
}
