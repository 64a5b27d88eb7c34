package domain

// ManifestEntry is one row of an object manifest: the chunk stored at a given
// position of one object version.
type ManifestEntry struct {
	ObjectID   string `json:"object_id" dynamodbav:"object_id"`
	Version    int64  `json:"version" dynamodbav:"version"`
	ChunkIndex int    `json:"chunk_index" dynamodbav:"chunk_index"`
	Digest     string `json:"digest" dynamodbav:"digest"`
}

// Manifest is the ordered list of chunk references for one object version.
// Reassembling the referenced chunks in ChunkIndex order reproduces the
// original byte stream exactly. A manifest becomes immutable once committed.
type Manifest struct {
	ObjectID  string          `json:"object_id" dynamodbav:"object_id"`
	Version   int64           `json:"version" dynamodbav:"version"`
	Committed bool            `json:"committed" dynamodbav:"committed"`
	TotalSize int64           `json:"total_size" dynamodbav:"total_size"`
	Checksum  string          `json:"checksum" dynamodbav:"checksum"` // Whole-object sha256, hex
	Entries   []ManifestEntry `json:"entries" dynamodbav:"-"`
}
