// Package prometheus exposes the OpenTelemetry metrics of this process
// through a Prometheus registry.
package prometheus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"

	promclient "github.com/prometheus/client_golang/prometheus"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupPrometheusMetrics configures OpenTelemetry to export metrics in
// Prometheus format. It returns the gatherer to serve at /metrics and
// the shutdown function for the meter provider.
//
// The meter provider is registered globally, so it replaces whatever
// provider the OTLP setup installed. Call this last when both are
// enabled.
func SetupPrometheusMetrics(
	res *resource.Resource,
) (promclient.Gatherer, func(context.Context) error, error) {
	registry := promclient.NewRegistry()

	prometheusExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(prometheusExporter),
	)

	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
