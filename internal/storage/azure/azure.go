// Package azure implements the Azure Blob Storage object store. Buckets map
// to blob containers, created on demand per backend and environment.
// Authentication uses a shared account key; a custom endpoint supports
// Azurite and sovereign clouds. Container-level versioning is not offered by
// Azure (blob versioning is an account-level setting), so this store does not
// implement the versioning capability.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

func init() {
	// Register Azure storage backend
	storage.Register("azure", func(cfg *config.Config) (storage.ObjectStore, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStore implements the ObjectStore interface for Azure Blob Storage
type AzureStore struct {
	client *azblob.Client
}

// New creates a new Azure Blob Storage object store
func New(cfg *config.AzureStorageConfig) (*AzureStore, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}

	// Create credential using shared key
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStore{client: client}, nil
}

// Put stores an object
func (s *AzureStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	blobClient := s.client.ServiceClient().NewContainerClient(bucket).NewBlockBlobClient(key)

	_, err := blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return storage.ErrBucketNotFound
		}
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return nil
}

// Get retrieves an object's contents
func (s *AzureStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(bucket).NewBlobClient(key)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, storage.ErrObjectNotFound
		}
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return nil, storage.ErrBucketNotFound
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

// List returns the keys of all blobs in the container with the given prefix
func (s *AzureStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	pager := s.client.NewListBlobsFlatPager(bucket, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return nil, storage.ErrBucketNotFound
			}
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *AzureStore) Delete(ctx context.Context, bucket, key string) error {
	blobClient := s.client.ServiceClient().NewContainerClient(bucket).NewBlobClient(key)

	_, err := blobClient.Delete(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// BucketExists checks whether the container exists
func (s *AzureStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	containerClient := s.client.ServiceClient().NewContainerClient(bucket)

	_, err := containerClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check container existence: %w", err)
	}
	return true, nil
}

// MakeBucket creates the container if it doesn't exist. Idempotent.
func (s *AzureStore) MakeBucket(ctx context.Context, bucket string) error {
	containerClient := s.client.ServiceClient().NewContainerClient(bucket)

	_, err := containerClient.Create(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}
