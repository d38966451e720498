package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned if no object exists at the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned if an object already exists at the key
	// targeted by a conditional create.
	ErrAlreadyExists = errors.New("object already exists")
)

// ObjectInfo describes an object as reported by the store.
type ObjectInfo struct {
	// Bucket is the bucket containing the object.
	Bucket string

	// Key is the object key within the bucket.
	Key string

	// ETag is the store-assigned identity of this version of the object.
	// It may be empty for backends that do not provide one.
	ETag string

	// Size is the object size in bytes.
	Size int64

	// LastModified is the time the object was written.
	LastModified time.Time
}

// WalkFn is called by Bucket.Walk once per object. Returning an error stops
// the walk and the error is returned by Walk.
type WalkFn func(info ObjectInfo) error

// Bucket represents a flat object namespace capable of the four operations
// the lock protocol is built on. Implementations must make CreateIfAbsent
// atomic: out of any number of concurrent calls for the same key, exactly
// one may succeed.
type Bucket interface {
	// CreateIfAbsent writes payload at key only if no object exists there.
	// It returns ErrAlreadyExists if the key is taken.
	CreateIfAbsent(ctx context.Context, key string, payload []byte) (ObjectInfo, error)

	// Copy performs a server-side copy from srcKey to dstKey, overwriting
	// any object at dstKey. It returns ErrNotFound if srcKey does not
	// exist.
	Copy(ctx context.Context, srcKey, dstKey string) (ObjectInfo, error)

	// Delete removes the object at key. It returns ErrNotFound if there
	// was nothing to delete.
	Delete(ctx context.Context, key string) error

	// Get returns the payload of the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Walk calls fn for every object whose key starts with prefix.
	Walk(ctx context.Context, prefix string, fn WalkFn) error
}
