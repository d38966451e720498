package otelzerolog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
)

func TestWrite(t *testing.T) {
	t.Parallel()

	w, err := NewOtelWriter(nil)
	require.NoError(t, err)

	t.Run("well-formed log line is accepted whole", func(t *testing.T) {
		t.Parallel()

		line := []byte(`{"level":"info","message":"lock acquired","lock_name":"job-1"}`)

		n, err := w.Write(line)
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	})

	t.Run("non-JSON line is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := w.Write([]byte("plain text"))
		assert.Error(t, err)
	})
}

func TestGetKeyValueForMap(t *testing.T) {
	t.Parallel()

	t.Run("map include a bool", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.Bool("a", true)},
			getKeyValueForMap(map[string]any{"a": true}),
		)
	})

	t.Run("map includes a string", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{
				log.String("a", "test"),
			},
			getKeyValueForMap(map[string]any{
				"a": "test",
			}),
		)
	})

	t.Run("map includes a float64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{
				log.Float64("a", 10.5),
			},
			getKeyValueForMap(map[string]any{
				"a": 10.5,
			}),
		)
	})

	t.Run("map includes a round float64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{
				log.Int64("a", 10),
			},
			getKeyValueForMap(map[string]any{
				"a": float64(10),
			}),
		)
	})

	t.Run("map includes a slice", func(t *testing.T) {
		t.Parallel()

		kvs := getKeyValueForMap(map[string]any{
			"a": []any{"b"},
		})

		if assert.Len(t, kvs, 1) {
			assert.True(t, kvs[0].Equal(
				log.Slice(
					"a",
					log.StringValue("b"),
				),
			))
		}
	})

	t.Run("map includes a map", func(t *testing.T) {
		t.Parallel()

		kvs := getKeyValueForMap(map[string]any{
			"a": map[string]any{
				"b": "c",
			},
		})

		if assert.Len(t, kvs, 1) {
			assert.True(t, kvs[0].Equal(
				log.Map(
					"a",
					log.String("b", "c"),
				),
			))
		}
	})

	t.Run("map includes a null", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{
				log.String("a", "<nil>"),
			},
			getKeyValueForMap(map[string]any{
				"a": nil,
			}),
		)
	})
}

func TestGetValuesForSlice(t *testing.T) {
	t.Parallel()

	t.Run("list of bool", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.BoolValue(true),
				log.BoolValue(false),
			},
			getValuesForSlice([]any{true, false}),
		)
	})

	t.Run("list of float64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.Float64Value(10.5),
				log.Float64Value(20.5),
			},
			getValuesForSlice([]any{10.5, 20.5}),
		)
	})

	t.Run("list of strings", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.StringValue("a"),
				log.StringValue("b"),
			},
			getValuesForSlice([]any{"a", "b"}),
		)
	})

	t.Run("list of maps", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.MapValue(
					log.String("a", "c"),
				),
				log.MapValue(
					log.Bool("b", true),
				),
			},
			getValuesForSlice([]any{
				map[string]any{"a": "c"},
				map[string]any{"b": true},
			}),
		)
	})
}
