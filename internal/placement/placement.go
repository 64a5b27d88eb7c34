// Package placement distributes erasure-coded shards across the configured
// storage backends.
//
// Shard index i of every chunk is routed to backend (i mod backends), so a
// single device or bucket failure costs at most ceil((k+m)/backends) shards
// per chunk — one shard per chunk when at least k+m backends are registered.
// The backend chosen at write time is recorded in chunk metadata; reads route
// through GetRepositoryForBackend using that record, so placement changes
// never orphan existing shards.
package placement

import (
	"github.com/edgevault/edgevault/internal/repository/shardstore"
)

// Placer manages shard placement across multiple storage backends.
//
// Implementations must be thread-safe and deterministic: the same shardIndex
// must map to the same backend for the lifetime of the process so concurrent
// writers of the same chunk place shards identically.
type Placer interface {
	// GetRepositoryForBackend returns the repository for a specific backend.
	// Used during reads when the backend is known from chunk metadata.
	GetRepositoryForBackend(backendName string) (shardstore.ShardRepository, error)

	// Place selects the backend for a shard based on the placement algorithm.
	Place(shardIndex int) (string, shardstore.ShardRepository, error)

	// RegisterBackend adds a storage backend and repository to the placer.
	// Called during initialization; registration order defines the
	// round-robin sequence.
	RegisterBackend(backendName string, repo shardstore.ShardRepository) error

	// ListBackends returns all registered backend names in registration order.
	ListBackends() []string
}
