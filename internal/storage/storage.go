// Package storage defines the ObjectStore interface and common types for all
// object storage providers backing the state store.
//
// New providers are added by implementing the ObjectStore interface and
// registering with the factory via an init() function in the provider's own
// package:
//
//	func init() {
//	    storage.Register("myprovider", func(cfg *config.Config) (ObjectStore, error) {
//	        return NewMyProvider(cfg)
//	    })
//	}
//
// The main package imports each provider with a blank import to trigger
// init(). Adding a new provider requires no changes to the factory or main
// package — only a blank import in cmd/server/main.go.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by Get and Delete when the key does not exist
// in the bucket. Providers normalize their native not-found errors to this
// sentinel so callers can map it onto domain errors with errors.Is.
var ErrObjectNotFound = errors.New("object not found")

// ErrBucketNotFound is returned when the addressed bucket (or container, or
// base directory) does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// ObjectStore is the minimal bucket-scoped blob interface the state store
// consumes. State blobs are small (tens of KB to a few MB), so the interface
// trades streaming for whole-value byte slices; checksumming needs the full
// body in memory anyway.
type ObjectStore interface {
	// Put stores data under bucket/key, overwriting any existing object.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Get returns the full object body, or ErrObjectNotFound /
	// ErrBucketNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// List returns all keys in bucket starting with prefix, or
	// ErrBucketNotFound when the bucket does not exist.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Delete removes one object. Deleting a missing object is not an error;
	// cleanup sweeps rely on Delete being safely repeatable.
	Delete(ctx context.Context, bucket, key string) error

	// BucketExists reports whether the bucket exists.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// MakeBucket creates the bucket. Creating a bucket that already exists
	// must succeed (idempotent). Region placement comes from provider
	// configuration, not per call.
	MakeBucket(ctx context.Context, bucket string) error
}

// BucketVersioner is implemented by providers that support bucket-level
// object versioning. The state store enables it best-effort on buckets whose
// backend config requests versioning and logs a warning when the provider
// cannot.
type BucketVersioner interface {
	EnableVersioning(ctx context.Context, bucket string) error
}
