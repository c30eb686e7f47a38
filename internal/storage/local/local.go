// Package local implements the local filesystem object store. Buckets map to
// directories under the configured base path and keys to files below them.
// This backend is intended for development and single-node deployments only —
// it does not support horizontal scaling (multiple backend instances would
// need access to the same filesystem, e.g., via NFS). For production, use a
// cloud storage provider.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

func init() {
	// Register local storage backend
	storage.Register("local", func(cfg *config.Config) (storage.ObjectStore, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStore implements the ObjectStore interface for local filesystem storage
type LocalStore struct {
	basePath string
}

// New creates a new local filesystem object store
func New(cfg *config.LocalStorageConfig) (*LocalStore, error) {
	// Ensure base path exists
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStore{basePath: cfg.BasePath}, nil
}

// objectPath resolves bucket and key to a filesystem path, refusing keys that
// would escape the bucket directory.
func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid object key: %s", key)
	}
	return filepath.Join(s.basePath, bucket, cleaned), nil
}

// Put stores an object, creating parent directories as needed. The object is
// written to a temp file and renamed so readers never observe partial writes.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	fullPath, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

// Get retrieves an object's contents
func (s *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	fullPath, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			if exists, berr := s.BucketExists(ctx, bucket); berr == nil && !exists {
				return nil, storage.ErrBucketNotFound
			}
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// List returns the keys of all objects in the bucket whose key starts with
// prefix, in lexical order.
func (s *LocalStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	bucketPath := filepath.Join(s.basePath, bucket)
	if _, err := os.Stat(bucketPath); err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBucketNotFound
		}
		return nil, fmt.Errorf("failed to stat bucket: %w", err)
	}

	var keys []string
	err := filepath.WalkDir(bucketPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(bucketPath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *LocalStore) Delete(ctx context.Context, bucket, key string) error {
	fullPath, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}

	// Try to remove empty parent directories (best effort)
	bucketPath := filepath.Join(s.basePath, bucket)
	dir := filepath.Dir(fullPath)
	for dir != bucketPath && dir != s.basePath {
		if err := os.Remove(dir); err != nil {
			break // Directory not empty or other error, stop trying
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

// BucketExists checks whether the bucket directory exists
func (s *LocalStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	stat, err := os.Stat(filepath.Join(s.basePath, bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	return stat.IsDir(), nil
}

// MakeBucket creates the bucket directory. Idempotent.
func (s *LocalStore) MakeBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(s.basePath, bucket), 0750); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
