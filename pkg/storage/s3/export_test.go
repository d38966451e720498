package s3

import "github.com/minio/minio-go/v7"

// Client returns the internal MinIO client.
// This is only for testing purposes.
func (b *Bucket) Client() *minio.Client {
	return b.client
}

// BucketName returns the configured bucket name.
// This is only for testing purposes.
func (b *Bucket) BucketName() string {
	return b.bucket
}
