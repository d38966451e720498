// Package local implements storage.Bucket on a local filesystem
// directory. Object keys map to file paths below the directory, and
// create-if-absent relies on O_EXCL so concurrent processes sharing the
// directory race safely.
package local

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bucketlock/bucketlock/pkg/storage"
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given path to New did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given path to New is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given path to New is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	// ErrInvalidKey is returned if an object key is empty or resolves to a
	// path outside the bucket directory.
	ErrInvalidKey = errors.New("invalid object key")
)

const (
	fileMode = 0o400
	dirMode  = 0o700
)

// Bucket is a directory-backed object bucket and implements storage.Bucket.
type Bucket struct{ path string }

func New(ctx context.Context, path string) (*Bucket, error) {
	if err := validatePath(ctx, path); err != nil {
		return nil, err
	}

	b := &Bucket{path: path}

	if err := b.setupDirs(); err != nil {
		return nil, fmt.Errorf("error setting up the bucket directory: %w", err)
	}

	return b, nil
}

// CreateIfAbsent writes payload at key only if no file exists there. The
// O_EXCL open is the atomicity point; two processes racing on the same
// key see exactly one winner.
func (b *Bucket) CreateIfAbsent(_ context.Context, key string, payload []byte) (storage.ObjectInfo, error) {
	objPath, err := b.keyPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), dirMode); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error creating the directories for %q: %w", objPath, err)
	}

	f, err := os.OpenFile(objPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		if os.IsExist(err) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrAlreadyExists, key)
		}

		return storage.ObjectInfo{}, fmt.Errorf("error opening the object file for writing %q: %w", objPath, err)
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(objPath)

		return storage.ObjectInfo{}, fmt.Errorf("error writing the object to %q: %w", objPath, err)
	}

	if err := f.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error closing the object file %q: %w", objPath, err)
	}

	return b.infoFor(key, objPath, payload)
}

// Copy duplicates the object at srcKey to dstKey, overwriting dstKey. The
// payload is staged in the tmp directory and moved into place with a
// rename so readers never observe a partial object.
func (b *Bucket) Copy(ctx context.Context, srcKey, dstKey string) (storage.ObjectInfo, error) {
	payload, err := b.Get(ctx, srcKey)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	dstPath, err := b.keyPath(dstKey)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	f, err := os.CreateTemp(b.tmpPath(), "copy-*")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error creating the temporary file: %w", err)
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(f.Name())

		return storage.ObjectInfo{}, fmt.Errorf("error writing the object to the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), dirMode); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error creating the directories for %q: %w", dstPath, err)
	}

	if err := os.Rename(f.Name(), dstPath); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error creating the object file %q: %w", dstPath, err)
	}

	if err := os.Chmod(dstPath, fileMode); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error setting the mode of %q: %w", dstPath, err)
	}

	return b.infoFor(dstKey, dstPath, payload)
}

// Delete removes the object at key, reporting ErrNotFound if there was
// nothing to delete.
func (b *Bucket) Delete(_ context.Context, key string) error {
	objPath, err := b.keyPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(objPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}

		return fmt.Errorf("error deleting object %q from bucket: %w", objPath, err)
	}

	return nil
}

// Get returns the payload of the object at key.
func (b *Bucket) Get(_ context.Context, key string) ([]byte, error) {
	objPath, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}

		return nil, fmt.Errorf("error reading the object file %q: %w", objPath, err)
	}

	return payload, nil
}

// Walk calls fn for every object whose key starts with prefix, in
// lexical key order.
func (b *Bucket) Walk(_ context.Context, prefix string, fn storage.WalkFn) error {
	root := b.objectsPath()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("error computing the key for %q: %w", path, err)
		}

		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		payload, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// The object was deleted while walking.
				return nil
			}

			return fmt.Errorf("error reading the object file %q: %w", path, err)
		}

		info, err := b.infoFor(key, path, payload)
		if err != nil {
			return err
		}

		return fn(info)
	})
}

func (b *Bucket) objectsPath() string { return filepath.Join(b.path, "objects") }
func (b *Bucket) tmpPath() string     { return filepath.Join(b.path, "tmp") }

func (b *Bucket) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}

	root := b.objectsPath()

	p := filepath.Join(root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the bucket directory", ErrInvalidKey, key)
	}

	return p, nil
}

func (b *Bucket) infoFor(key, objPath string, payload []byte) (storage.ObjectInfo, error) {
	st, err := os.Stat(objPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("error stat'ing the object file %q: %w", objPath, err)
	}

	return storage.ObjectInfo{
		Bucket:       b.path,
		Key:          key,
		ETag:         etagOf(payload),
		Size:         int64(len(payload)),
		LastModified: st.ModTime(),
	}, nil
}

func (b *Bucket) setupDirs() error {
	if err := os.RemoveAll(b.tmpPath()); err != nil {
		return fmt.Errorf("error removing the temporary directory: %w", err)
	}

	for _, p := range []string{b.objectsPath(), b.tmpPath()} {
		if err := os.MkdirAll(p, dirMode); err != nil {
			return fmt.Errorf("error creating the directory %q: %w", p, err)
		}
	}

	return nil
}

func etagOf(payload []byte) string {
	sum := md5.Sum(payload) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

func validatePath(ctx context.Context, path string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(path) {
		log.Error().Str("path", path).Msg("path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", path).Msg("path does not exist")

		return ErrPathMustExist
	}

	if !info.IsDir() {
		log.Error().Str("path", path).Msg("path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(ctx, path) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(ctx context.Context, path string) bool {
	log := zerolog.Ctx(ctx)

	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}
