package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bucketlock/bucketlock/pkg/telemetry"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	t.Run("ensure semconv points to the same version", func(t *testing.T) {
		_, err := telemetry.NewResource(context.Background(), "bucketlock", "0.0.1")
		require.NoError(t, err)
	})

	t.Run("extra attributes are included", func(t *testing.T) {
		res, err := telemetry.NewResource(
			context.Background(),
			"bucketlock",
			"0.0.1",
			attribute.String("bucketlock.lock_backend", "bucket"),
		)
		require.NoError(t, err)

		val, ok := res.Set().Value("bucketlock.lock_backend")
		require.True(t, ok)
		require.Equal(t, "bucket", val.AsString())
	})
}
