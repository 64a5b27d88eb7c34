package shardstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSShardRepository implements ShardRepository for Google Cloud Storage.
type GCSShardRepository struct {
	client     *storage.Client
	name       string
	bucketName string
}

// NewGCSShardRepository creates a new GCS shard repository.
func NewGCSShardRepository(client *storage.Client, name, bucketName string) *GCSShardRepository {
	return &GCSShardRepository{
		client:     client,
		name:       name,
		bucketName: bucketName,
	}
}

// GetName returns the registered backend name.
func (r *GCSShardRepository) GetName() string {
	return r.name
}

// GetStorageType returns the shard store type.
func (r *GCSShardRepository) GetStorageType() string {
	return "gcs"
}

// Write uploads a shard blob to GCS.
func (r *GCSShardRepository) Write(ctx context.Context, key string, data []byte) error {
	obj := r.client.Bucket(r.bucketName).Object(key)

	writer := obj.NewWriter(ctx)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write shard to gs://%s/%s: %w", r.bucketName, key, err)
	}
	// Close finalizes the upload; errors here mean the blob is not durable.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize shard gs://%s/%s: %w", r.bucketName, key, err)
	}
	return nil
}

// Read downloads a shard blob from GCS.
func (r *GCSShardRepository) Read(ctx context.Context, key string) ([]byte, error) {
	obj := r.client.Bucket(r.bucketName).Object(key)

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s on %s", ErrShardNotFound, key, r.name)
		}
		return nil, fmt.Errorf("failed to read shard from gs://%s/%s: %w", r.bucketName, key, err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Delete removes a shard blob from GCS.
func (r *GCSShardRepository) Delete(ctx context.Context, key string) error {
	obj := r.client.Bucket(r.bucketName).Object(key)
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete shard from gs://%s/%s: %w", r.bucketName, key, err)
	}
	return nil
}
