// Package telemetry builds the OpenTelemetry resource describing this
// process.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

// NewResource describes the running service to the tracing, metrics and
// logging pipelines. Extra attributes are recorded after the service
// name and version.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}, extraAttrs...)

	// resource.WithProcess is deliberately not among the detectors: it
	// records the command line, and credentials can arrive as flags. The
	// safe process attributes are listed one by one instead.
	//
	// NOTE: resource.New fails if a detector reports a different semconv
	// schema version than the one imported above; fix the import, not
	// the detector.
	return resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessExecutablePath(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessRuntimeDescription(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}
