// Package otel bootstraps the OpenTelemetry SDK for traces, metrics and
// logs.
package otel

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	otelapi "go.opentelemetry.io/otel"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects where telemetry is exported to.
type Config struct {
	// Enabled turns telemetry export on. When enabled without a
	// collector URL, telemetry is pretty-printed to stdout.
	Enabled bool

	// GRPCURL is the URL of an OTLP gRPC collector. It takes precedence
	// over HTTPURL when both are set.
	GRPCURL string

	// HTTPURL is the URL of an OTLP HTTP collector.
	HTTPURL string
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(
	ctx context.Context,
	cfg Config,
	otelResource *resource.Resource,
) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown := func(ctx context.Context) error {
		defer func() {
			shutdownFuncs = nil
		}()

		g, ctx := errgroup.WithContext(ctx)

		for _, fn := range shutdownFuncs {
			g.Go(func() error {
				return fn(ctx)
			})
		}

		return g.Wait()
	}

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	// Set up propagator.
	prop := newPropagator()
	otelapi.SetTextMapPropagator(prop)

	ctx = zerolog.Ctx(ctx).
		With().
		Bool("otel-enabled", cfg.Enabled).
		Str("otel-grpc-url", cfg.GRPCURL).
		Str("otel-http-url", cfg.HTTPURL).
		Logger().
		WithContext(ctx)

	// Set up trace provider.
	tracerProvider, err := newTraceProvider(ctx, cfg, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new tracer provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otelapi.SetTracerProvider(tracerProvider)

	// Set up meter provider.
	meterProvider, err := newMeterProvider(ctx, cfg, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new meter provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otelapi.SetMeterProvider(meterProvider)

	// Set up logger provider.
	loggerProvider, err := newLoggerProvider(ctx, cfg, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new logger provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(
	ctx context.Context,
	cfg Config,
	res *resource.Resource,
) (*sdktrace.TracerProvider, error) {
	var (
		traceExporter sdktrace.SpanExporter
		err           error
	)

	switch {
	case cfg.Enabled && cfg.GRPCURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider with gRPC endpoint")

		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(cfg.GRPCURL))
	case cfg.Enabled && cfg.HTTPURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider with HTTP endpoint")

		traceExporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.HTTPURL))
	case cfg.Enabled:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider with pretty printing")

		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider to discard traces")

		traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the tracer provider")

		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	return traceProvider, nil
}

func newMeterProvider(
	ctx context.Context,
	cfg Config,
	res *resource.Resource,
) (*sdkmetric.MeterProvider, error) {
	var (
		metricExporter sdkmetric.Exporter
		err            error
	)

	switch {
	case cfg.Enabled && cfg.GRPCURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider with gRPC endpoint")

		metricExporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(cfg.GRPCURL))
	case cfg.Enabled && cfg.HTTPURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider with HTTP endpoint")

		metricExporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.HTTPURL))
	case cfg.Enabled:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider with pretty printing")

		metricExporter, err = stdoutmetric.New()
	default:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider to discard metrics")

		metricExporter, err = stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the meter provider")

		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	return meterProvider, nil
}

func newLoggerProvider(
	ctx context.Context,
	cfg Config,
	res *resource.Resource,
) (*sdklog.LoggerProvider, error) {
	var (
		logExporter sdklog.Exporter
		err         error
	)

	switch {
	case cfg.Enabled && cfg.GRPCURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider with gRPC endpoint")

		logExporter, err = otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(cfg.GRPCURL))
	case cfg.Enabled && cfg.HTTPURL != "":
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider with HTTP endpoint")

		logExporter, err = otlploghttp.New(ctx, otlploghttp.WithEndpointURL(cfg.HTTPURL))
	case cfg.Enabled:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider with pretty printing")

		logExporter, err = stdoutlog.New()
	default:
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider to discard logs")

		logExporter, err = stdoutlog.New(stdoutlog.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the logger provider")

		return nil, err
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	return loggerProvider, nil
}
