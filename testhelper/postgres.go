package testhelper

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// PostgresPool connects to the PostgreSQL server named by
// BUCKETLOCK_TEST_POSTGRES_URL and returns a pool that is closed when the
// test finishes. It skips the test if the variable is not set.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("BUCKETLOCK_TEST_POSTGRES_URL")
	if dbURL == "" {
		t.Skip("Skipping PostgreSQL integration test: BUCKETLOCK_TEST_POSTGRES_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err, "failed to connect to the postgres database")

	require.NoError(t, pool.Ping(context.Background()))

	t.Cleanup(pool.Close)

	return pool
}
