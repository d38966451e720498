// Package s3 implements storage.Bucket on any S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bucketlock/bucketlock/pkg/s3"
	"github.com/bucketlock/bucketlock/pkg/storage"
)

const (
	otelPackageName = "github.com/bucketlock/bucketlock/pkg/storage/s3"

	// s3NoSuchKey is the S3 error code for objects that don't exist.
	s3NoSuchKey = "NoSuchKey"

	// s3PreconditionFailed is the S3 error code returned when a
	// conditional write (If-None-Match: *) loses to an existing object.
	s3PreconditionFailed = "PreconditionFailed"

	// recordContentType is the content type of every object this package
	// writes; payloads are stored verbatim, no transformation.
	recordContentType = "application/json"
)

var (
	// ErrBucketNotFound is returned if the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Bucket is an S3-backed object bucket and implements storage.Bucket.
type Bucket struct {
	client *minio.Client
	bucket string
}

// New creates a new S3 bucket client with the given configuration and
// verifies that the bucket is reachable.
func New(ctx context.Context, cfg s3.Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	transport := cfg.Transport
	if transport == nil {
		base, err := minio.DefaultTransport(cfg.Secure())
		if err != nil {
			return nil, fmt.Errorf("error creating the default transport: %w", err)
		}

		transport = otelhttp.NewTransport(base)
	}

	client, err := minio.New(cfg.EndpointHost(), &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.Secure(),
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	if err := testBucketAccess(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("error testing bucket access: %w", err)
	}

	return &Bucket{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// CreateIfAbsent writes payload at key only if no object exists there. The
// write is conditional on the server side (If-None-Match: *) so that out of
// any number of concurrent creators exactly one can win.
func (b *Bucket) CreateIfAbsent(ctx context.Context, key string, payload []byte) (storage.ObjectInfo, error) {
	_, span := tracer.Start(
		ctx,
		"s3.CreateIfAbsent",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bucket", b.bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	opts := minio.PutObjectOptions{ContentType: recordContentType}
	opts.SetMatchETagExcept("*")

	info, err := b.client.PutObject(
		ctx,
		b.bucket,
		key,
		bytes.NewReader(payload),
		int64(len(payload)),
		opts,
	)
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3PreconditionFailed {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrAlreadyExists, key)
		}

		return storage.ObjectInfo{}, fmt.Errorf("error creating object in S3: %w", err)
	}

	return storage.ObjectInfo{
		Bucket:       info.Bucket,
		Key:          info.Key,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Copy performs a server-side copy from srcKey to dstKey.
func (b *Bucket) Copy(ctx context.Context, srcKey, dstKey string) (storage.ObjectInfo, error) {
	_, span := tracer.Start(
		ctx,
		"s3.Copy",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bucket", b.bucket),
			attribute.String("src_key", srcKey),
			attribute.String("dst_key", dstKey),
		),
	)
	defer span.End()

	info, err := b.client.CopyObject(
		ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
	)
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, srcKey)
		}

		return storage.ObjectInfo{}, fmt.Errorf("error copying object in S3: %w", err)
	}

	return storage.ObjectInfo{
		Bucket:       info.Bucket,
		Key:          info.Key,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Delete removes the object at key. S3 DeleteObject is silent for missing
// keys, so the object is stat'ed first to give the caller the not-found
// signal the lock protocol depends on.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, span := tracer.Start(
		ctx,
		"s3.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bucket", b.bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}

		return fmt.Errorf("error checking if object exists: %w", err)
	}

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error deleting object from S3: %w", err)
	}

	return nil
}

// Get returns the payload of the object at key.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := tracer.Start(
		ctx,
		"s3.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bucket", b.bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("error getting object from S3: %w", err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}

		return nil, fmt.Errorf("error getting object stat from S3: %w", err)
	}

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("error reading object: %w", err)
	}

	return payload, nil
}

// Walk calls fn for every object whose key starts with prefix.
func (b *Bucket) Walk(ctx context.Context, prefix string, fn storage.WalkFn) error {
	_, span := tracer.Start(
		ctx,
		"s3.Walk",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bucket", b.bucket),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	for object := range b.client.ListObjects(ctx, b.bucket, opts) {
		if object.Err != nil {
			return fmt.Errorf("error listing objects in S3: %w", object.Err)
		}

		err := fn(storage.ObjectInfo{
			Bucket:       b.bucket,
			Key:          object.Key,
			ETag:         object.ETag,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func testBucketAccess(ctx context.Context, client *minio.Client, bucket string) error {
	log := zerolog.Ctx(ctx)

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Msg("error checking bucket existence")

		return fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		log.Error().Str("bucket", bucket).Msg("bucket does not exist")

		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	return nil
}
