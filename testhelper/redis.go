package testhelper

import (
	"os"
	"testing"
)

// RedisAddr returns the address of the Redis server used for integration
// tests. It skips the test if BUCKETLOCK_TEST_REDIS_ADDR is not set.
func RedisAddr(t *testing.T) string {
	t.Helper()

	addr := os.Getenv("BUCKETLOCK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: BUCKETLOCK_TEST_REDIS_ADDR not set")
	}

	return addr
}
