// Package shardstore provides shard storage repository implementations and factory.
// A shard repository stores the erasure-coded fragments of chunk payloads as
// small immutable blobs, keyed by {digestPrefix}/{digest}.{shardIndex}.shard.
package shardstore

import (
	"context"
	"errors"
)

// ErrShardNotFound indicates the backend has no blob under the given key.
var ErrShardNotFound = errors.New("shard not found")

// ShardRepository defines the interface for shard blob operations. Write must
// not acknowledge until the blob is durable (fsync-equivalent). Shard blobs
// are immutable; rewriting an existing key with identical content is a
// harmless no-op.
type ShardRepository interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	GetName() string
	GetStorageType() string
}
