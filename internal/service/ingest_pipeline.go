package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/edgevault/edgevault/internal/cas"
	"github.com/edgevault/edgevault/internal/domain"
	apperrors "github.com/edgevault/edgevault/internal/errors"
	"github.com/edgevault/edgevault/internal/repository/index"
)

// FinalizeStatus is the outcome reported to the client of a finalize request.
type FinalizeStatus string

const (
	FinalizeComplete   FinalizeStatus = "complete"
	FinalizeMismatch   FinalizeStatus = "mismatch"
	FinalizeIncomplete FinalizeStatus = "incomplete"
)

// IngestPipeline orchestrates chunk admission: hash, dedup check, store if
// novel, manifest append, session bookkeeping. Chunks of one session and
// across sessions are admitted concurrently; no session lock is held during
// compression, encoding or storage IO.
type IngestPipeline struct {
	sessions *SessionManager
	store    *ChunkStore
	index    index.MetadataIndex
}

// NewIngestPipeline creates a new IngestPipeline instance.
func NewIngestPipeline(sessions *SessionManager, store *ChunkStore, idx index.MetadataIndex) *IngestPipeline {
	return &IngestPipeline{
		sessions: sessions,
		store:    store,
		index:    idx,
	}
}

// StartUpload registers a resumable upload session targeting one object
// version.
func (p *IngestPipeline) StartUpload(objectID string, version int64, totalChunks int) (domain.SessionInfo, error) {
	return p.sessions.Create(objectID, version, totalChunks)
}

// SessionStatus reports which chunks the session has durably recorded, so a
// resuming client can skip them.
func (p *IngestPipeline) SessionStatus(uploadID string) (domain.SessionInfo, error) {
	return p.sessions.Get(uploadID)
}

// AdmitChunk admits one chunk of an upload session. Content already present
// in the CAS is not stored again; the manifest row is written regardless so
// the object's chunk ordering is preserved. Idempotent: retrying the same
// chunk is safe and reported as a duplicate.
func (p *IngestPipeline) AdmitChunk(ctx context.Context, uploadID string, chunkIndex int, raw []byte) (domain.AdmitResult, error) {
	if len(raw) == 0 {
		return domain.AdmitResult{}, apperrors.ErrEmptyChunk
	}

	digest := cas.Digest(raw)

	objectID, version, resubmitted, err := p.sessions.BeginChunk(uploadID, chunkIndex, digest)
	if err != nil {
		return domain.AdmitResult{}, err
	}
	if resubmitted {
		// Identical chunk already durably recorded; nothing to do.
		info, err := p.sessions.Get(uploadID)
		if err != nil {
			return domain.AdmitResult{}, err
		}
		return domain.AdmitResult{
			Status:   domain.AdmitDuplicate,
			Digest:   digest,
			DedupHit: true,
			Complete: len(info.Received) == info.TotalChunks,
		}, nil
	}

	_, found, err := p.index.LookupChunk(ctx, digest)
	if err != nil {
		return domain.AdmitResult{}, err
	}
	if !found {
		if _, err := p.store.StoreChunk(ctx, digest, raw); err != nil {
			return domain.AdmitResult{}, err
		}
	} else {
		log.Debugf("dedup hit for chunk %d of session %s (%s)", chunkIndex, uploadID, digest)
	}

	if err := p.index.AppendManifestEntry(ctx, domain.ManifestEntry{
		ObjectID:   objectID,
		Version:    version,
		ChunkIndex: chunkIndex,
		Digest:     digest,
	}); err != nil {
		return domain.AdmitResult{}, err
	}

	complete, err := p.sessions.MarkReceived(uploadID, chunkIndex, digest)
	if err != nil {
		return domain.AdmitResult{}, err
	}

	status := domain.AdmitOK
	if found {
		status = domain.AdmitDuplicate
	}
	return domain.AdmitResult{
		Status:   status,
		Digest:   digest,
		DedupHit: found,
		Complete: complete,
	}, nil
}

// Finalize verifies the assembled object against the client's whole-file
// checksum and commits the manifest. Exactly one finalization proceeds per
// session; a concurrent call observes the committed state and succeeds
// without double-committing. On mismatch the manifest entries are discarded,
// the session returns to Receiving, and the deduplicated chunk content is
// retained for a future correct upload.
func (p *IngestPipeline) Finalize(ctx context.Context, uploadID, originalChecksum string) (FinalizeStatus, error) {
	claim, err := p.sessions.BeginFinalize(uploadID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUploadIncomplete) {
			return FinalizeIncomplete, err
		}
		return "", err
	}
	if claim.AlreadyCommitted {
		return FinalizeComplete, nil
	}

	checksum, totalSize, err := p.verifyObject(ctx, claim)
	if err != nil {
		// Verification never ran to completion; the session keeps its
		// received chunks and the client may retry finalize.
		if failErr := p.sessions.FailFinalizeKeepChunks(uploadID); failErr != nil {
			log.Warnf("failed to release session %s after finalize error: %v", uploadID, failErr)
		}
		return "", err
	}

	if checksum != originalChecksum {
		log.Warnf("checksum mismatch for session %s: computed %s, client sent %s",
			uploadID, checksum, originalChecksum)
		if err := p.index.InvalidateManifest(ctx, claim.ObjectID, claim.Version); err != nil {
			log.Errorf("failed to invalidate manifest for %s v%d: %v", claim.ObjectID, claim.Version, err)
		}
		if err := p.sessions.FailFinalize(uploadID); err != nil {
			return "", err
		}
		return FinalizeMismatch, apperrors.ErrChecksumMismatch
	}

	if err := p.index.CommitManifest(ctx, claim.ObjectID, claim.Version, totalSize, checksum); err != nil {
		if failErr := p.sessions.FailFinalizeKeepChunks(uploadID); failErr != nil {
			log.Warnf("failed to release session %s after commit error: %v", uploadID, failErr)
		}
		return "", err
	}
	if err := p.sessions.CompleteFinalize(uploadID); err != nil {
		return "", err
	}

	log.Infof("committed object %s v%d (%d chunks, %d bytes)",
		claim.ObjectID, claim.Version, claim.TotalChunks, totalSize)
	return FinalizeComplete, nil
}

// verifyObject reconstructs the object virtually, streaming each manifest
// entry through the chunk store to recompute the whole-object digest without
// materializing the object.
func (p *IngestPipeline) verifyObject(ctx context.Context, claim FinalizeClaim) (string, int64, error) {
	manifest, err := p.index.GetManifest(ctx, claim.ObjectID, claim.Version)
	if err != nil {
		return "", 0, err
	}
	if len(manifest.Entries) != claim.TotalChunks {
		return "", 0, fmt.Errorf("manifest for %s v%d has %d entries, session expected %d",
			claim.ObjectID, claim.Version, len(manifest.Entries), claim.TotalChunks)
	}

	hasher := sha256.New()
	var totalSize int64
	for _, entry := range manifest.Entries {
		meta, found, err := p.index.LookupChunk(ctx, entry.Digest)
		if err != nil {
			return "", 0, err
		}
		if !found {
			return "", 0, fmt.Errorf("%w: %s referenced by manifest %s v%d",
				apperrors.ErrChunkNotFound, entry.Digest, claim.ObjectID, claim.Version)
		}
		raw, err := p.store.FetchChunk(ctx, meta)
		if err != nil {
			return "", 0, err
		}
		hasher.Write(raw)
		totalSize += int64(len(raw))
	}

	return hex.EncodeToString(hasher.Sum(nil)), totalSize, nil
}
