// Package index defines the durable metadata index: the digest-to-location
// mapping consulted before every chunk write or read, and the object
// manifests that order chunks into object versions.
package index

import (
	"context"
	"time"

	"github.com/edgevault/edgevault/internal/domain"
)

// InsertOutcome reports whether an insert-if-absent call created the row.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyExists
)

// MetadataIndex is the single source of truth for chunk and manifest
// metadata. Implementations must provide read-your-writes consistency and an
// atomic insert-unless-present primitive; multiple server instances may
// ingest concurrently, so in-process locking is not a substitute.
type MetadataIndex interface {
	// LookupChunk resolves a digest to its chunk metadata. The boolean is
	// false when no chunk is stored under the digest.
	LookupChunk(ctx context.Context, digest string) (domain.ChunkMeta, bool, error)

	// InsertChunkIfAbsent atomically records chunk metadata unless a row for
	// the digest already exists. A concurrent insert of the same digest is
	// benign: content is identical by construction, so AlreadyExists is a
	// success outcome, not an error.
	InsertChunkIfAbsent(ctx context.Context, meta domain.ChunkMeta) (InsertOutcome, error)

	// TouchChunk records a read access, feeding the tiering sweeper.
	TouchChunk(ctx context.Context, digest string, at time.Time) error

	// UpdateChunkTier reclassifies a chunk's storage tier.
	UpdateChunkTier(ctx context.Context, digest string, tier domain.Tier) error

	// ListChunksForTiering returns up to limit chunks currently in the given
	// tier whose last access is before the cutoff.
	ListChunksForTiering(ctx context.Context, tier domain.Tier, lastAccessBefore time.Time, limit int) ([]domain.ChunkMeta, error)

	// AppendManifestEntry records that chunkIndex of (objectId, version)
	// references the given digest. Retrying an identical write is idempotent;
	// a differing digest at an already recorded index fails with
	// ErrManifestConflict. Appending to a committed manifest fails with
	// ErrManifestCommitted.
	AppendManifestEntry(ctx context.Context, entry domain.ManifestEntry) error

	// GetManifest returns the manifest (committed or not) with entries in
	// chunk index order, or ErrObjectNotFound when no manifest exists.
	GetManifest(ctx context.Context, objectID string, version int64) (domain.Manifest, error)

	// CommitManifest marks the manifest committed. Terminal: the manifest is
	// immutable afterwards. Committing an already committed manifest is a
	// no-op so concurrent finalizers converge.
	CommitManifest(ctx context.Context, objectID string, version int64, totalSize int64, checksum string) error

	// InvalidateManifest discards the entries of an uncommitted manifest
	// after a checksum mismatch. Chunk rows are never touched: deduplicated
	// content may be referenced by other objects or reused by a future
	// correct upload.
	InvalidateManifest(ctx context.Context, objectID string, version int64) error

	Close() error
}
