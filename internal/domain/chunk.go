package domain

import "time"

// Tier is the storage class of a chunk. It affects retrieval latency and
// cost, never correctness.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ShardLocation records where one erasure-coded shard of a chunk lives.
type ShardLocation struct {
	ShardIndex int    `json:"shard_index" dynamodbav:"shard_index"`
	Backend    string `json:"backend" dynamodbav:"backend"` // Registered backend name
	Key        string `json:"key" dynamodbav:"key"`         // Object key within the backend
}

// ChunkMeta - representation of a deduplicated, erasure coded chunk's metadata.
// The digest is the unique key; a chunk is stored at most once regardless of
// how many object manifests reference it.
type ChunkMeta struct {
	Digest              string          `json:"digest" dynamodbav:"digest"` // Hex blake3-256 - Partition Key
	SizeBytes           int64           `json:"size_bytes" dynamodbav:"size_bytes"`
	CompressedSizeBytes int64           `json:"compressed_size_bytes" dynamodbav:"compressed_size_bytes"`
	Codec               string          `json:"codec" dynamodbav:"codec"`
	DataShards          int             `json:"data_shards" dynamodbav:"data_shards"`
	ParityShards        int             `json:"parity_shards" dynamodbav:"parity_shards"`
	Shards              []ShardLocation `json:"shards" dynamodbav:"shards"` // Ordered by shard index
	Tier                Tier            `json:"tier" dynamodbav:"tier"`
	CreatedAt           time.Time       `json:"created_at" dynamodbav:"created_at"`
	LastAccessAt        time.Time       `json:"last_access_at" dynamodbav:"last_access_at"`
}

// TotalShards returns the number of shards the chunk was encoded into.
func (c ChunkMeta) TotalShards() int {
	return c.DataShards + c.ParityShards
}
