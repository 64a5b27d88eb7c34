package shardstore

import (
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgevault/edgevault/internal/config"
)

// ShardRepositoryFactory creates shard repository instances from backend
// configuration.
type ShardRepositoryFactory struct {
	awsConfig aws.Config
	gcsClient *storage.Client
	s3Client  *s3.Client
}

// NewShardRepositoryFactory creates a new factory. The AWS config and GCS
// client may be zero-valued when no backend of that platform is configured.
func NewShardRepositoryFactory(awsConfig aws.Config, gcsClient *storage.Client) *ShardRepositoryFactory {
	return &ShardRepositoryFactory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
	}
}

// CreateRepository creates a repository for one configured backend.
func (f *ShardRepositoryFactory) CreateRepository(name string, cfg config.BackendConfig) (ShardRepository, error) {
	switch cfg.Platform {
	case "fs":
		return NewFsShardRepository(name, cfg.Path)
	case "s3":
		if f.s3Client == nil {
			f.s3Client = s3.NewFromConfig(f.awsConfig)
		}
		return NewS3ShardRepository(f.s3Client, name, cfg.Bucket), nil
	case "gcs":
		if f.gcsClient == nil {
			return nil, fmt.Errorf("GCS client not configured")
		}
		return NewGCSShardRepository(f.gcsClient, name, cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported shard store platform: %s", cfg.Platform)
	}
}
