// Package gcs implements the Google Cloud Storage object store. Buckets are
// created on demand in the configured project, with optional object
// versioning. Supports Application Default Credentials, service account JSON
// keys, and Workload Identity Federation for keyless authentication in GKE
// and GitHub Actions environments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/tfstate-backend/tfstate-backend/internal/config"
	appstorage "github.com/tfstate-backend/tfstate-backend/internal/storage"
)

func init() {
	// Register GCS storage backend
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.ObjectStore, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStore implements the ObjectStore interface for Google Cloud Storage
type GCSStore struct {
	client    *storage.Client
	projectID string
}

// New creates a new Google Cloud Storage object store.
//
// Authentication methods:
//   - "default" or empty: Uses Application Default Credentials (ADC)
//   - "service_account": Uses a service account key file or inline JSON
//   - "workload_identity": Uses Workload Identity Federation (GKE, GitHub Actions, etc.)
func New(cfg *appconfig.GCSStorageConfig) (*GCSStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcs project_id is required")
	}

	ctx := context.Background()
	var opts []option.ClientOption

	// Set custom endpoint for GCS emulators or compatible services
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	// Determine authentication method
	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}

	case "workload_identity", "default":
		// Application Default Credentials: GOOGLE_APPLICATION_CREDENTIALS,
		// the GCE/GKE metadata service, or gcloud auth application-default.

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client:    client,
		projectID: cfg.ProjectID,
	}, nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put stores an object
func (s *GCSStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	writer := s.client.Bucket(bucket).Object(key).NewWriter(ctx)

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return appstorage.ErrBucketNotFound
		}
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Get retrieves an object's contents
func (s *GCSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appstorage.ErrObjectNotFound
		}
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil, appstorage.ErrBucketNotFound
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object body: %w", err)
	}
	return data, nil
}

// List returns the keys of all objects in the bucket with the given prefix
func (s *GCSStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, appstorage.ErrBucketNotFound
			}
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// BucketExists checks whether the bucket exists
func (s *GCSStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check bucket: %w", err)
	}
	return true, nil
}

// MakeBucket creates the bucket in the configured project if it doesn't
// exist. Idempotent.
func (s *GCSStore) MakeBucket(ctx context.Context, bucket string) error {
	handle := s.client.Bucket(bucket)

	_, err := handle.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if err := handle.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// EnableVersioning turns on GCS object versioning for the bucket
func (s *GCSStore) EnableVersioning(ctx context.Context, bucket string) error {
	_, err := s.client.Bucket(bucket).Update(ctx, storage.BucketAttrsToUpdate{
		VersioningEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("failed to enable bucket versioning: %w", err)
	}
	return nil
}
