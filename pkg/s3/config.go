// Package s3 holds the client configuration for S3-compatible object stores.
package s3

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrBucketRequired is returned if the bucket name is missing.
	ErrBucketRequired = errors.New("bucket name is required")

	// ErrEndpointRequired is returned if the endpoint is missing.
	ErrEndpointRequired = errors.New("endpoint is required")

	// ErrAccessKeyIDRequired is returned if the access key ID is missing.
	ErrAccessKeyIDRequired = errors.New("access key ID is required")

	// ErrSecretAccessKeyRequired is returned if the secret access key is missing.
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")

	// ErrInvalidEndpointScheme is returned if the endpoint scheme is missing or invalid.
	ErrInvalidEndpointScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")
)

// Config holds the connection settings for an S3-compatible object store.
type Config struct {
	// Bucket is the bucket holding the lock objects.
	Bucket string

	// Region is the region of the bucket (optional).
	Region string

	// Endpoint is the endpoint URL including its scheme, for example
	// https://s3.amazonaws.com or http://minio.internal:9000.
	Endpoint string

	// AccessKeyID is the access key for authentication.
	AccessKeyID string

	// SecretAccessKey is the secret key for authentication.
	SecretAccessKey string

	// ForcePathStyle selects path-style addressing (endpoint/bucket/key)
	// instead of virtual-host addressing (bucket.endpoint/key). Required
	// for MinIO, optional for AWS S3.
	ForcePathStyle bool

	// Transport overrides the HTTP transport used by the client. When nil,
	// an OpenTelemetry-instrumented default transport is used.
	Transport http.RoundTripper
}

// Validate returns an error describing the first missing or malformed field.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}

	if c.Endpoint == "" {
		return ErrEndpointRequired
	}

	if !c.Secure() && !strings.HasPrefix(c.Endpoint, "http://") {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointScheme, c.Endpoint)
	}

	if c.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if c.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

// EndpointHost returns the endpoint without its scheme prefix; the MinIO SDK
// expects host[:port] only.
func (c Config) EndpointHost() string {
	host := strings.TrimPrefix(c.Endpoint, "https://")

	return strings.TrimPrefix(host, "http://")
}

// Secure returns true if the endpoint uses HTTPS.
func (c Config) Secure() bool {
	return strings.HasPrefix(c.Endpoint, "https://")
}
