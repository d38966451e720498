// Package mem implements storage.Bucket in process memory. It is the
// reference implementation used by unit tests and is safe for concurrent
// use.
package mem

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bucketlock/bucketlock/pkg/storage"
)

type object struct {
	payload      []byte
	etag         string
	lastModified time.Time
}

// Bucket is an in-memory object bucket and implements storage.Bucket.
type Bucket struct {
	name string

	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new empty bucket with the given name.
func New(name string) *Bucket {
	return &Bucket{
		name:    name,
		objects: make(map[string]object),
	}
}

// CreateIfAbsent writes payload at key only if no object exists there.
func (b *Bucket) CreateIfAbsent(_ context.Context, key string, payload []byte) (storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrAlreadyExists, key)
	}

	obj := object{
		payload:      append([]byte(nil), payload...),
		etag:         etagOf(payload),
		lastModified: time.Now(),
	}

	b.objects[key] = obj

	return b.infoFor(key, obj), nil
}

// Copy duplicates the object at srcKey to dstKey, overwriting dstKey.
func (b *Bucket) Copy(_ context.Context, srcKey, dstKey string) (storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.objects[srcKey]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, srcKey)
	}

	dst := object{
		payload:      append([]byte(nil), src.payload...),
		etag:         src.etag,
		lastModified: time.Now(),
	}

	b.objects[dstKey] = dst

	return b.infoFor(dstKey, dst), nil
}

// Delete removes the object at key, reporting ErrNotFound if there was
// nothing to delete.
func (b *Bucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	delete(b.objects, key)

	return nil
}

// Get returns a copy of the payload at key.
func (b *Bucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	return append([]byte(nil), obj.payload...), nil
}

// Walk calls fn for every object whose key starts with prefix, in key
// order. The snapshot is taken up front so fn may call back into the
// bucket.
func (b *Bucket) Walk(_ context.Context, prefix string, fn storage.WalkFn) error {
	b.mu.RLock()

	infos := make([]storage.ObjectInfo, 0, len(b.objects))

	for key, obj := range b.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			infos = append(infos, b.infoFor(key, obj))
		}
	}

	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of objects currently in the bucket.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.objects)
}

func (b *Bucket) infoFor(key string, obj object) storage.ObjectInfo {
	return storage.ObjectInfo{
		Bucket:       b.name,
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(obj.payload)),
		LastModified: obj.lastModified,
	}
}

func etagOf(payload []byte) string {
	sum := md5.Sum(payload) //nolint:gosec

	return hex.EncodeToString(sum[:])
}
