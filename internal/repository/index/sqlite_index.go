package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgevault/edgevault/internal/domain"
	apperrors "github.com/edgevault/edgevault/internal/errors"
)

// SQLiteIndex is the embedded metadata index. SQLite's uniqueness constraints
// provide the atomic insert-unless-present primitive; WAL with full sync
// gives write-then-fsync durability before any insert is acknowledged.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens or creates the metadata database at the given path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("index: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	idx := &SQLiteIndex{db: db}
	if err := idx.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteIndex) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			digest TEXT PRIMARY KEY,
			size_bytes INTEGER NOT NULL,
			compressed_size_bytes INTEGER NOT NULL,
			codec TEXT NOT NULL,
			data_shards INTEGER NOT NULL,
			parity_shards INTEGER NOT NULL,
			tier TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_access_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_shards (
			digest TEXT NOT NULL REFERENCES chunks(digest) ON DELETE CASCADE,
			shard_index INTEGER NOT NULL,
			backend TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (digest, shard_index)
		)`,
		`CREATE TABLE IF NOT EXISTS manifests (
			object_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			committed INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (object_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS manifest_entries (
			object_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			digest TEXT NOT NULL REFERENCES chunks(digest),
			PRIMARY KEY (object_id, version, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tier_access ON chunks(tier, last_access_at)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// LookupChunk resolves a digest to chunk metadata.
func (s *SQLiteIndex) LookupChunk(ctx context.Context, digest string) (domain.ChunkMeta, bool, error) {
	var meta domain.ChunkMeta
	var createdAt, lastAccessAt string
	err := s.db.QueryRowContext(ctx, `
SELECT digest, size_bytes, compressed_size_bytes, codec, data_shards, parity_shards, tier, created_at, last_access_at
FROM chunks WHERE digest = ?`, digest).Scan(
		&meta.Digest, &meta.SizeBytes, &meta.CompressedSizeBytes, &meta.Codec,
		&meta.DataShards, &meta.ParityShards, &meta.Tier, &createdAt, &lastAccessAt)
	if err == sql.ErrNoRows {
		return domain.ChunkMeta{}, false, nil
	}
	if err != nil {
		return domain.ChunkMeta{}, false, err
	}
	meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	meta.LastAccessAt, _ = time.Parse(time.RFC3339Nano, lastAccessAt)

	rows, err := s.db.QueryContext(ctx, `
SELECT shard_index, backend, key FROM chunk_shards WHERE digest = ? ORDER BY shard_index`, digest)
	if err != nil {
		return domain.ChunkMeta{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var loc domain.ShardLocation
		if err := rows.Scan(&loc.ShardIndex, &loc.Backend, &loc.Key); err != nil {
			return domain.ChunkMeta{}, false, err
		}
		meta.Shards = append(meta.Shards, loc)
	}
	if err := rows.Err(); err != nil {
		return domain.ChunkMeta{}, false, err
	}
	return meta, true, nil
}

// InsertChunkIfAbsent records chunk metadata unless the digest already exists.
func (s *SQLiteIndex) InsertChunkIfAbsent(ctx context.Context, meta domain.ChunkMeta) (InsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AlreadyExists, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO chunks (digest, size_bytes, compressed_size_bytes, codec, data_shards, parity_shards, tier, created_at, last_access_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(digest) DO NOTHING`,
		meta.Digest, meta.SizeBytes, meta.CompressedSizeBytes, meta.Codec,
		meta.DataShards, meta.ParityShards, string(meta.Tier),
		meta.CreatedAt.UTC().Format(time.RFC3339Nano),
		meta.LastAccessAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		// Lost the race or a retry: the existing row is authoritative.
		return AlreadyExists, nil
	}

	for _, loc := range meta.Shards {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chunk_shards (digest, shard_index, backend, key) VALUES (?, ?, ?, ?)`,
			meta.Digest, loc.ShardIndex, loc.Backend, loc.Key); err != nil {
			return AlreadyExists, err
		}
	}

	if err := tx.Commit(); err != nil {
		return AlreadyExists, err
	}
	return Inserted, nil
}

// TouchChunk records a read access.
func (s *SQLiteIndex) TouchChunk(ctx context.Context, digest string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE chunks SET last_access_at = ? WHERE digest = ?`,
		at.UTC().Format(time.RFC3339Nano), digest)
	return err
}

// UpdateChunkTier reclassifies a chunk's storage tier.
func (s *SQLiteIndex) UpdateChunkTier(ctx context.Context, digest string, tier domain.Tier) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE chunks SET tier = ? WHERE digest = ?`, string(tier), digest)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrChunkNotFound
	}
	return nil
}

// ListChunksForTiering returns chunks in the given tier last accessed before
// the cutoff.
func (s *SQLiteIndex) ListChunksForTiering(ctx context.Context, tier domain.Tier, lastAccessBefore time.Time, limit int) ([]domain.ChunkMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT digest, size_bytes, compressed_size_bytes, codec, data_shards, parity_shards, tier, created_at, last_access_at
FROM chunks WHERE tier = ? AND last_access_at < ? ORDER BY last_access_at LIMIT ?`,
		string(tier), lastAccessBefore.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.ChunkMeta
	for rows.Next() {
		var meta domain.ChunkMeta
		var createdAt, lastAccessAt string
		if err := rows.Scan(&meta.Digest, &meta.SizeBytes, &meta.CompressedSizeBytes, &meta.Codec,
			&meta.DataShards, &meta.ParityShards, &meta.Tier, &createdAt, &lastAccessAt); err != nil {
			return nil, err
		}
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		meta.LastAccessAt, _ = time.Parse(time.RFC3339Nano, lastAccessAt)
		chunks = append(chunks, meta)
	}
	return chunks, rows.Err()
}

// AppendManifestEntry records one manifest row, idempotently.
func (s *SQLiteIndex) AppendManifestEntry(ctx context.Context, entry domain.ManifestEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO manifests (object_id, version) VALUES (?, ?)
ON CONFLICT(object_id, version) DO NOTHING`, entry.ObjectID, entry.Version); err != nil {
		return err
	}

	var committed bool
	if err := tx.QueryRowContext(ctx, `
SELECT committed FROM manifests WHERE object_id = ? AND version = ?`,
		entry.ObjectID, entry.Version).Scan(&committed); err != nil {
		return err
	}
	if committed {
		return apperrors.ErrManifestCommitted
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO manifest_entries (object_id, version, chunk_index, digest) VALUES (?, ?, ?, ?)
ON CONFLICT(object_id, version, chunk_index) DO NOTHING`,
		entry.ObjectID, entry.Version, entry.ChunkIndex, entry.Digest)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `
SELECT digest FROM manifest_entries WHERE object_id = ? AND version = ? AND chunk_index = ?`,
			entry.ObjectID, entry.Version, entry.ChunkIndex).Scan(&existing); err != nil {
			return err
		}
		if existing != entry.Digest {
			return fmt.Errorf("%w: index %d has %s, got %s",
				apperrors.ErrManifestConflict, entry.ChunkIndex, existing, entry.Digest)
		}
		// Identical retried write: idempotent success.
	}

	return tx.Commit()
}

// GetManifest returns the manifest with entries in chunk index order.
func (s *SQLiteIndex) GetManifest(ctx context.Context, objectID string, version int64) (domain.Manifest, error) {
	var m domain.Manifest
	err := s.db.QueryRowContext(ctx, `
SELECT object_id, version, committed, total_size, checksum FROM manifests
WHERE object_id = ? AND version = ?`, objectID, version).Scan(
		&m.ObjectID, &m.Version, &m.Committed, &m.TotalSize, &m.Checksum)
	if err == sql.ErrNoRows {
		return domain.Manifest{}, apperrors.ErrObjectNotFound
	}
	if err != nil {
		return domain.Manifest{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_index, digest FROM manifest_entries
WHERE object_id = ? AND version = ? ORDER BY chunk_index`, objectID, version)
	if err != nil {
		return domain.Manifest{}, err
	}
	defer rows.Close()
	for rows.Next() {
		entry := domain.ManifestEntry{ObjectID: objectID, Version: version}
		if err := rows.Scan(&entry.ChunkIndex, &entry.Digest); err != nil {
			return domain.Manifest{}, err
		}
		m.Entries = append(m.Entries, entry)
	}
	return m, rows.Err()
}

// CommitManifest marks the manifest committed; idempotent.
func (s *SQLiteIndex) CommitManifest(ctx context.Context, objectID string, version int64, totalSize int64, checksum string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE manifests SET committed = 1, total_size = ?, checksum = ?
WHERE object_id = ? AND version = ?`, totalSize, checksum, objectID, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrObjectNotFound
	}
	return nil
}

// InvalidateManifest discards the entries of an uncommitted manifest.
func (s *SQLiteIndex) InvalidateManifest(ctx context.Context, objectID string, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var committed bool
	err = tx.QueryRowContext(ctx, `
SELECT committed FROM manifests WHERE object_id = ? AND version = ?`,
		objectID, version).Scan(&committed)
	if err == sql.ErrNoRows {
		return apperrors.ErrObjectNotFound
	}
	if err != nil {
		return err
	}
	if committed {
		return apperrors.ErrManifestCommitted
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM manifest_entries WHERE object_id = ? AND version = ?`, objectID, version); err != nil {
		return err
	}
	return tx.Commit()
}
