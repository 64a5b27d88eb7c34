// Package service provides the core business logic for the content-addressed
// chunk ingestion and reconstruction engine: the CAS chunk store, the
// resumable upload pipeline, session management, streaming reconstruction,
// and the background tiering sweeper.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/edgevault/edgevault/internal/cas"
	"github.com/edgevault/edgevault/internal/codec"
	"github.com/edgevault/edgevault/internal/domain"
	"github.com/edgevault/edgevault/internal/erasure"
	"github.com/edgevault/edgevault/internal/placement"
	"github.com/edgevault/edgevault/internal/repository/index"
	"github.com/edgevault/edgevault/internal/repository/shardstore"
)

// ChunkStore is the content-addressed store for chunk payloads. A chunk is
// compressed, erasure-encoded and its shards spread across backends exactly
// once per unique digest; the metadata index is the single source of truth
// consulted before any write or read.
type ChunkStore struct {
	coder  *erasure.Coder
	codecs *codec.Registry
	placer placement.Placer
	index  index.MetadataIndex
}

// NewChunkStore creates a new ChunkStore instance.
func NewChunkStore(coder *erasure.Coder, codecs *codec.Registry, placer placement.Placer, idx index.MetadataIndex) *ChunkStore {
	return &ChunkStore{
		coder:  coder,
		codecs: codecs,
		placer: placer,
		index:  idx,
	}
}

// StoreChunk persists novel chunk content under its digest and records it in
// the index. Safe under concurrent identical-digest writers: shard writes are
// idempotent overwrites of identical content, and the index insert resolves
// the race to a single durable row.
func (s *ChunkStore) StoreChunk(ctx context.Context, digest string, raw []byte) (domain.ChunkMeta, error) {
	compressor := s.codecs.Default()
	compressed, err := compressor.Compress(raw)
	if errors.Is(err, codec.ErrIncompressible) {
		compressor, _ = s.codecs.Get("none")
		compressed = raw
	} else if err != nil {
		return domain.ChunkMeta{}, err
	}

	shards, err := s.coder.Encode(compressed)
	if err != nil {
		return domain.ChunkMeta{}, err
	}

	locations := make([]domain.ShardLocation, len(shards))

	// Write shards in parallel; every shard must land before the chunk is
	// recorded in the index.
	var wg sync.WaitGroup
	errorCh := make(chan error, len(shards))

	for i, shard := range shards {
		backendName, repo, err := s.placer.Place(i)
		if err != nil {
			return domain.ChunkMeta{}, err
		}
		key := cas.ShardKey(digest, i)
		locations[i] = domain.ShardLocation{ShardIndex: i, Backend: backendName, Key: key}

		wg.Add(1)
		go func(repo shardstore.ShardRepository, key string, shard []byte) {
			defer wg.Done()
			if err := repo.Write(ctx, key, shard); err != nil {
				errorCh <- err
			}
		}(repo, key, shard)
	}

	wg.Wait()
	close(errorCh)

	if err := <-errorCh; err != nil {
		return domain.ChunkMeta{}, fmt.Errorf("failed to store shards for %s: %w", digest, err)
	}

	now := time.Now().UTC()
	meta := domain.ChunkMeta{
		Digest:              digest,
		SizeBytes:           int64(len(raw)),
		CompressedSizeBytes: int64(len(compressed)),
		Codec:               compressor.Name(),
		DataShards:          s.coder.DataShards(),
		ParityShards:        s.coder.ParityShards(),
		Shards:              locations,
		Tier:                domain.TierHot,
		CreatedAt:           now,
		LastAccessAt:        now,
	}

	outcome, err := s.index.InsertChunkIfAbsent(ctx, meta)
	if err != nil {
		return domain.ChunkMeta{}, err
	}
	if outcome == index.AlreadyExists {
		// A concurrent ingestor won the race; our shard writes were a
		// harmless overwrite of identical content.
		log.Debugf("chunk %s inserted concurrently elsewhere", digest)
	}

	return meta, nil
}

// FetchChunk retrieves a chunk's raw bytes from its recorded shard locations.
// Any k of the k+m shards suffice; individual backend failures are tolerated
// until fewer than k shards remain retrievable, which fails with
// ErrInsufficientShards.
func (s *ChunkStore) FetchChunk(ctx context.Context, meta domain.ChunkMeta) ([]byte, error) {
	total := meta.TotalShards()
	shards := make([][]byte, total)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, loc := range meta.Shards {
		if loc.ShardIndex < 0 || loc.ShardIndex >= total {
			return nil, fmt.Errorf("chunk %s: shard index %d out of range", meta.Digest, loc.ShardIndex)
		}
		repo, err := s.placer.GetRepositoryForBackend(loc.Backend)
		if err != nil {
			log.Warnf("chunk %s shard %d: %v", meta.Digest, loc.ShardIndex, err)
			continue
		}

		wg.Add(1)
		go func(loc domain.ShardLocation, repo shardstore.ShardRepository) {
			defer wg.Done()
			data, err := repo.Read(ctx, loc.Key)
			if err != nil {
				log.Debugf("chunk %s shard %d unavailable on %s: %v", meta.Digest, loc.ShardIndex, loc.Backend, err)
				return
			}
			mu.Lock()
			shards[loc.ShardIndex] = data
			mu.Unlock()
		}(loc, repo)
	}

	wg.Wait()

	coder := s.coder
	if meta.DataShards != s.coder.DataShards() || meta.ParityShards != s.coder.ParityShards() {
		// Chunk was written under an older erasure geometry.
		var err error
		coder, err = erasure.NewCoder(meta.DataShards, meta.ParityShards)
		if err != nil {
			return nil, err
		}
	}

	compressed, err := coder.Decode(shards, meta.CompressedSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", meta.Digest, err)
	}

	decompressor, err := s.codecs.Get(meta.Codec)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", meta.Digest, err)
	}
	raw, err := decompressor.Decompress(compressed, int(meta.SizeBytes))
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", meta.Digest, err)
	}

	if got := cas.Digest(raw); got != meta.Digest {
		return nil, fmt.Errorf("chunk %s: reconstructed content hashes to %s", meta.Digest, got)
	}
	return raw, nil
}

// DeleteChunk removes a chunk's shards and is used by garbage collection once
// no manifest references the digest. Shard deletes are best-effort; a missing
// shard is already the desired state.
func (s *ChunkStore) DeleteChunk(ctx context.Context, meta domain.ChunkMeta) error {
	var firstErr error
	for _, loc := range meta.Shards {
		repo, err := s.placer.GetRepositoryForBackend(loc.Backend)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := repo.Delete(ctx, loc.Key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
