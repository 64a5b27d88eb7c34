package shardstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ShardRepository manages S3 interactions for shard blobs.
type S3ShardRepository struct {
	client     *s3.Client
	name       string
	bucketName string
}

// NewS3ShardRepository initializes a new S3ShardRepository.
func NewS3ShardRepository(client *s3.Client, name, bucketName string) *S3ShardRepository {
	return &S3ShardRepository{
		client:     client,
		name:       name,
		bucketName: bucketName,
	}
}

// GetName returns the registered backend name.
func (r *S3ShardRepository) GetName() string {
	return r.name
}

// GetStorageType returns the shard store type.
func (r *S3ShardRepository) GetStorageType() string {
	return "s3"
}

// Write uploads a shard blob to S3. S3 PutObject is durable on acknowledge.
func (r *S3ShardRepository) Write(ctx context.Context, key string, data []byte) error {
	size := int64(len(data))
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
	})
	if err != nil {
		return fmt.Errorf("failed to write shard to s3://%s/%s: %w", r.bucketName, key, err)
	}
	return nil
}

// Read downloads a shard blob from S3.
func (r *S3ShardRepository) Read(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s on %s", ErrShardNotFound, key, r.name)
		}
		return nil, err
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard body from s3://%s/%s: %w", r.bucketName, key, err)
	}
	return data, nil
}

// Delete removes a shard blob from S3.
func (r *S3ShardRepository) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	return err
}
