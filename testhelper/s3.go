// Package testhelper provides shared helpers for integration tests. Helpers
// that need an external service skip the test unless the matching
// BUCKETLOCK_TEST_* environment variables are set.
package testhelper

import (
	"os"
	"testing"

	"github.com/bucketlock/bucketlock/pkg/s3"
)

// S3Config returns the S3 configuration for testing.
// It skips the test if any required environment variable is missing.
func S3Config(t *testing.T) *s3.Config {
	t.Helper()

	endpoint := os.Getenv("BUCKETLOCK_TEST_S3_ENDPOINT")
	bucket := os.Getenv("BUCKETLOCK_TEST_S3_BUCKET")
	accessKeyID := os.Getenv("BUCKETLOCK_TEST_S3_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("BUCKETLOCK_TEST_S3_SECRET_ACCESS_KEY")

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		t.Skip("Skipping S3 integration test: BUCKETLOCK_TEST_S3_* environment variables not set")

		return nil
	}

	return &s3.Config{
		Bucket:          bucket,
		Region:          os.Getenv("BUCKETLOCK_TEST_S3_REGION"),
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		ForcePathStyle:  true,
	}
}
