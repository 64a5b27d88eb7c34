package domain

import "time"

// SessionState is the lifecycle state of a resumable upload session.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionReceiving  SessionState = "receiving"
	SessionFinalizing SessionState = "finalizing"
	SessionCommitted  SessionState = "committed"
	SessionExpired    SessionState = "expired"
)

// SessionInfo is a point-in-time snapshot of an upload session, safe to hand
// out without exposing the manager's internal locking.
type SessionInfo struct {
	UploadID    string       `json:"upload_id"`
	ObjectID    string       `json:"object_id"`
	Version     int64        `json:"version"`
	TotalChunks int          `json:"total_chunks"`
	Received    []int        `json:"received"` // Sorted chunk indices durably recorded
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// AdmitStatus classifies the outcome of a successful chunk admission.
type AdmitStatus string

const (
	// AdmitOK means the chunk was accepted and its content stored.
	AdmitOK AdmitStatus = "ok"
	// AdmitDuplicate means the chunk was accepted but its content was
	// already present (dedup hit or idempotent resubmission).
	AdmitDuplicate AdmitStatus = "duplicate"
)

// AdmitResult reports the outcome of admitting one chunk.
type AdmitResult struct {
	Status   AdmitStatus `json:"status"`
	Digest   string      `json:"digest"`
	DedupHit bool        `json:"dedup_hit"` // Content already in the CAS, storage skipped
	Complete bool        `json:"complete"`  // All chunks of the session received
}
