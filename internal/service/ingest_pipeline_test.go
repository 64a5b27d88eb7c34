package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgevault/edgevault/internal/cas"
	"github.com/edgevault/edgevault/internal/codec"
	"github.com/edgevault/edgevault/internal/domain"
	"github.com/edgevault/edgevault/internal/erasure"
	apperrors "github.com/edgevault/edgevault/internal/errors"
	"github.com/edgevault/edgevault/internal/placement"
	"github.com/edgevault/edgevault/internal/repository/index"
	"github.com/edgevault/edgevault/internal/repository/shardstore"
)

// testStack wires the full ingest and read path against a temp-dir SQLite
// index and two local shard backends with a 2+1 erasure geometry.
type testStack struct {
	idx      *index.SQLiteIndex
	placer   *placement.RoundRobinPlacer
	store    *ChunkStore
	sessions *SessionManager
	pipeline *IngestPipeline
	engine   *ReconstructionEngine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	idx, err := index.OpenSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteIndex() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	placer := placement.NewRoundRobinPlacer()
	for _, name := range []string{"local-0", "local-1"} {
		repo, err := shardstore.NewFsShardRepository(name, filepath.Join(t.TempDir(), name))
		if err != nil {
			t.Fatalf("NewFsShardRepository() error = %v", err)
		}
		if err := placer.RegisterBackend(name, repo); err != nil {
			t.Fatalf("RegisterBackend() error = %v", err)
		}
	}

	coder, err := erasure.NewCoder(2, 1)
	if err != nil {
		t.Fatalf("NewCoder() error = %v", err)
	}
	codecs, err := codec.NewRegistry("zstd", 3)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	store := NewChunkStore(coder, codecs, placer, idx)
	sessions := NewSessionManager(30*time.Minute, 24*time.Hour)

	return &testStack{
		idx:      idx,
		placer:   placer,
		store:    store,
		sessions: sessions,
		pipeline: NewIngestPipeline(sessions, store, idx),
		engine:   NewReconstructionEngine(idx, store),
	}
}

func sha256Hex(chunks ...[]byte) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func uploadObject(t *testing.T, stack *testStack, objectID string, version int64, chunks [][]byte) string {
	t.Helper()
	ctx := context.Background()

	info, err := stack.pipeline.StartUpload(objectID, version, len(chunks))
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	for i, chunk := range chunks {
		if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, i, chunk); err != nil {
			t.Fatalf("AdmitChunk(%d) error = %v", i, err)
		}
	}
	status, err := stack.pipeline.Finalize(ctx, info.UploadID, sha256Hex(chunks...))
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if status != FinalizeComplete {
		t.Fatalf("Finalize() status = %q, want %q", status, FinalizeComplete)
	}
	return info.UploadID
}

func TestIngestPipeline_UploadAndReconstruct(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	shared := bytes.Repeat([]byte("shared block "), 300)
	middle := bytes.Repeat([]byte("middle block "), 250)
	chunks := [][]byte{shared, middle, shared} // first and last deduplicate

	info, err := stack.pipeline.StartUpload("video.mp4", 1, 3)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	for i, chunk := range chunks {
		result, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, i, chunk)
		if err != nil {
			t.Fatalf("AdmitChunk(%d) error = %v", i, err)
		}
		wantDedup := i == 2
		if result.DedupHit != wantDedup {
			t.Errorf("AdmitChunk(%d) DedupHit = %v, want %v", i, result.DedupHit, wantDedup)
		}
		if result.Complete != (i == 2) {
			t.Errorf("AdmitChunk(%d) Complete = %v", i, result.Complete)
		}
	}

	status, err := stack.pipeline.Finalize(ctx, info.UploadID, sha256Hex(chunks...))
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if status != FinalizeComplete {
		t.Fatalf("Finalize() status = %q", status)
	}

	// Two unique digests, three manifest entries.
	manifest, err := stack.idx.GetManifest(ctx, "video.mp4", 1)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if len(manifest.Entries) != 3 {
		t.Errorf("manifest has %d entries, want 3", len(manifest.Entries))
	}
	if manifest.Entries[0].Digest != manifest.Entries[2].Digest {
		t.Error("deduplicated chunks recorded under different digests")
	}
	if !manifest.Committed {
		t.Error("manifest not committed after finalize")
	}

	// Reconstruction returns the exact original bytes.
	reader, err := stack.engine.Open(ctx, "video.mp4", 1)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, bytes.Join(chunks, nil)) {
		t.Errorf("reconstructed %d bytes differ from original %d bytes",
			len(got), len(bytes.Join(chunks, nil)))
	}

	// Finalize is idempotent once committed.
	status, err = stack.pipeline.Finalize(ctx, info.UploadID, sha256Hex(chunks...))
	if err != nil || status != FinalizeComplete {
		t.Errorf("repeated Finalize() = (%q, %v), want complete", status, err)
	}
}

// Content shared across objects is stored once: a chunk already held by
// another object deduplicates, while the manifest still gets a full set of
// entries.
func TestIngestPipeline_CrossObjectDedup(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	shared := bytes.Repeat([]byte("shared across objects "), 300)
	uploadObject(t, stack, "first.bin", 1, [][]byte{shared})

	chunks := [][]byte{
		bytes.Repeat([]byte("second only a "), 300),
		shared,
		bytes.Repeat([]byte("second only c "), 300),
	}
	info, err := stack.pipeline.StartUpload("second.bin", 1, 3)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	for i, chunk := range chunks {
		result, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, i, chunk)
		if err != nil {
			t.Fatalf("AdmitChunk(%d) error = %v", i, err)
		}
		if result.DedupHit != (i == 1) {
			t.Errorf("AdmitChunk(%d) DedupHit = %v, want %v", i, result.DedupHit, i == 1)
		}
	}

	status, err := stack.pipeline.Finalize(ctx, info.UploadID, sha256Hex(chunks...))
	if err != nil || status != FinalizeComplete {
		t.Fatalf("Finalize() = (%q, %v), want complete", status, err)
	}

	manifest, err := stack.idx.GetManifest(ctx, "second.bin", 1)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if len(manifest.Entries) != 3 {
		t.Errorf("manifest has %d entries, want 3", len(manifest.Entries))
	}
	if manifest.Entries[1].Digest != cas.Digest(shared) {
		t.Error("shared chunk recorded under a different digest")
	}
}

// Resubmitting the final chunk after the session is complete must still
// report completeness so a retrying client knows to finalize.
func TestIngestPipeline_ResubmitReportsComplete(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunk := bytes.Repeat([]byte("only chunk "), 100)
	info, _ := stack.pipeline.StartUpload("obj", 1, 1)
	if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 0, chunk); err != nil {
		t.Fatalf("AdmitChunk() error = %v", err)
	}

	result, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 0, chunk)
	if err != nil {
		t.Fatalf("resubmitted AdmitChunk() error = %v", err)
	}
	if result.Status != domain.AdmitDuplicate || !result.DedupHit {
		t.Errorf("resubmission result = %+v, want duplicate dedup hit", result)
	}
	if !result.Complete {
		t.Error("resubmission after completion reported Complete = false")
	}
}

func TestIngestPipeline_EmptyChunk(t *testing.T) {
	stack := newTestStack(t)
	info, _ := stack.pipeline.StartUpload("obj", 1, 1)

	_, err := stack.pipeline.AdmitChunk(context.Background(), info.UploadID, 0, nil)
	if !errors.Is(err, apperrors.ErrEmptyChunk) {
		t.Errorf("AdmitChunk() error = %v, want ErrEmptyChunk", err)
	}
}

func TestIngestPipeline_FinalizeIncomplete(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	info, _ := stack.pipeline.StartUpload("obj", 1, 3)
	if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 1, []byte("only the middle")); err != nil {
		t.Fatalf("AdmitChunk() error = %v", err)
	}

	status, err := stack.pipeline.Finalize(ctx, info.UploadID, "irrelevant")
	if !errors.Is(err, apperrors.ErrUploadIncomplete) {
		t.Fatalf("Finalize() error = %v, want ErrUploadIncomplete", err)
	}
	if status != FinalizeIncomplete {
		t.Errorf("Finalize() status = %q, want %q", status, FinalizeIncomplete)
	}

	// The session survives and accepts the remaining chunks.
	got, err := stack.pipeline.SessionStatus(info.UploadID)
	if err != nil {
		t.Fatalf("SessionStatus() error = %v", err)
	}
	if len(got.Received) != 1 {
		t.Errorf("received = %v, want the one admitted chunk", got.Received)
	}
}

func TestIngestPipeline_FinalizeChecksumMismatch(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte("first "), 200),
		bytes.Repeat([]byte("second "), 200),
	}

	info, _ := stack.pipeline.StartUpload("photo.raw", 1, 2)
	for i, chunk := range chunks {
		if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, i, chunk); err != nil {
			t.Fatalf("AdmitChunk(%d) error = %v", i, err)
		}
	}

	status, err := stack.pipeline.Finalize(ctx, info.UploadID, "deadbeef")
	if !errors.Is(err, apperrors.ErrChecksumMismatch) {
		t.Fatalf("Finalize() error = %v, want ErrChecksumMismatch", err)
	}
	if status != FinalizeMismatch {
		t.Errorf("Finalize() status = %q, want %q", status, FinalizeMismatch)
	}

	// The manifest entries are discarded, the object is not readable.
	manifest, err := stack.idx.GetManifest(ctx, "photo.raw", 1)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if manifest.Committed || len(manifest.Entries) != 0 {
		t.Errorf("manifest after mismatch = %+v, want empty and uncommitted", manifest)
	}
	if _, err := stack.engine.Open(ctx, "photo.raw", 1); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("Open() error = %v, want ErrObjectNotFound", err)
	}

	// Chunk content survives for the retry, which deduplicates fully.
	for i, chunk := range chunks {
		result, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, i, chunk)
		if err != nil {
			t.Fatalf("retry AdmitChunk(%d) error = %v", i, err)
		}
		if !result.DedupHit {
			t.Errorf("retry AdmitChunk(%d) DedupHit = false, want true", i)
		}
	}
	status, err = stack.pipeline.Finalize(ctx, info.UploadID, sha256Hex(chunks...))
	if err != nil || status != FinalizeComplete {
		t.Errorf("retry Finalize() = (%q, %v), want complete", status, err)
	}
}

// Concurrent uploads of identical content must converge on one chunk record
// with one set of shard locations.
func TestIngestPipeline_ConcurrentIdenticalChunks(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte("common payload "), 400)

	const uploaders = 4
	var wg sync.WaitGroup
	errCh := make(chan error, uploaders)

	for i := 0; i < uploaders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			info, err := stack.pipeline.StartUpload("obj", int64(n), 1)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 0, content); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent AdmitChunk() error = %v", err)
	}

	meta, found, err := stack.idx.LookupChunk(ctx, cas.Digest(content))
	if err != nil || !found {
		t.Fatalf("LookupChunk() = (%v, %v), want found", found, err)
	}
	if len(meta.Shards) != 3 {
		t.Errorf("chunk has %d shard locations, want 3", len(meta.Shards))
	}
}

func TestIngestPipeline_ConcurrentFinalize(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunk := bytes.Repeat([]byte("sole chunk "), 100)
	info, _ := stack.pipeline.StartUpload("obj", 1, 1)
	if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 0, chunk); err != nil {
		t.Fatalf("AdmitChunk() error = %v", err)
	}

	checksum := sha256Hex(chunk)
	var wg sync.WaitGroup
	results := make([]FinalizeStatus, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = stack.pipeline.Finalize(ctx, info.UploadID, checksum)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Errorf("Finalize() %d error = %v", i, errs[i])
		}
		if results[i] != FinalizeComplete {
			t.Errorf("Finalize() %d status = %q, want %q", i, results[i], FinalizeComplete)
		}
	}

	manifest, err := stack.idx.GetManifest(ctx, "obj", 1)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if !manifest.Committed || manifest.Checksum != checksum {
		t.Errorf("manifest = %+v, want committed with checksum %s", manifest, checksum)
	}
}

func TestReconstruction_ShardLossWithinParity(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunk := bytes.Repeat([]byte("resilient data "), 500)
	uploadObject(t, stack, "obj", 1, [][]byte{chunk})

	// Drop one of three shards; 2+1 tolerates it.
	deleteShards(t, stack, cas.Digest(chunk), 1)

	reader, err := stack.engine.Open(ctx, "obj", 1)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Error("reconstruction with one lost shard differs from original")
	}
}

// Losing more shards than parity fails the read exactly at the damaged chunk;
// everything before it has already been streamed.
func TestReconstruction_ShardLossBeyondParity(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte("chunk zero "), 400),
		bytes.Repeat([]byte("chunk one "), 400),
		bytes.Repeat([]byte("chunk two "), 400),
	}
	uploadObject(t, stack, "obj", 1, chunks)

	deleteShards(t, stack, cas.Digest(chunks[1]), 2)

	reader, err := stack.engine.Open(ctx, "obj", 1)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()

	got, err := io.ReadAll(reader)
	if !errors.Is(err, apperrors.ErrInsufficientShards) {
		t.Fatalf("ReadAll() error = %v, want ErrInsufficientShards", err)
	}
	if !bytes.Equal(got, chunks[0]) {
		t.Errorf("streamed %d bytes before failing, want exactly chunk zero (%d bytes)",
			len(got), len(chunks[0]))
	}
}

func TestReconstruction_ObjectNotFound(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	if _, err := stack.engine.Open(ctx, "missing", 1); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("Open() error = %v, want ErrObjectNotFound", err)
	}

	// An uncommitted manifest is not readable either.
	info, _ := stack.pipeline.StartUpload("pending", 1, 2)
	if _, err := stack.pipeline.AdmitChunk(ctx, info.UploadID, 0, []byte("partial upload")); err != nil {
		t.Fatalf("AdmitChunk() error = %v", err)
	}
	if _, err := stack.engine.Open(ctx, "pending", 1); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("Open() of uncommitted object error = %v, want ErrObjectNotFound", err)
	}
}

func TestReconstruction_OpenAt(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte("aa"), 300),
		bytes.Repeat([]byte("bb"), 300),
		bytes.Repeat([]byte("cc"), 300),
	}
	uploadObject(t, stack, "obj", 1, chunks)

	reader, err := stack.engine.OpenAt(ctx, "obj", 1, 1)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, bytes.Join(chunks[1:], nil)) {
		t.Error("OpenAt(1) did not resume at the second chunk")
	}
}

// deleteShards removes n shards of the given digest, lowest indices first.
func deleteShards(t *testing.T, stack *testStack, digest string, n int) {
	t.Helper()
	ctx := context.Background()

	meta, found, err := stack.idx.LookupChunk(ctx, digest)
	if err != nil || !found {
		t.Fatalf("LookupChunk() = (%v, %v), want found", found, err)
	}
	for _, loc := range meta.Shards[:n] {
		repo, err := stack.placer.GetRepositoryForBackend(loc.Backend)
		if err != nil {
			t.Fatalf("GetRepositoryForBackend() error = %v", err)
		}
		if err := repo.Delete(ctx, loc.Key); err != nil {
			t.Fatalf("Delete(%s) error = %v", loc.Key, err)
		}
	}
}
