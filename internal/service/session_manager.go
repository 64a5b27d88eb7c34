package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/edgevault/edgevault/internal/domain"
	apperrors "github.com/edgevault/edgevault/internal/errors"
)

// uploadSession is the in-memory coordination state of one resumable upload.
// The received mask is a bit vector indexed by chunk index; a bit is set only
// after the chunk is durably recorded. Per-index digests distinguish a benign
// identical resubmission from a conflicting one.
type uploadSession struct {
	mu sync.Mutex

	uploadID    string
	objectID    string
	version     int64
	totalChunks int

	mask     []uint64
	digests  []string
	received int

	state        domain.SessionState
	createdAt    time.Time
	lastActivity time.Time
	expiresAt    time.Time

	// finalizeMu serializes finalization attempts. It is held across the
	// checksum verification IO; mu never is.
	finalizeMu sync.Mutex
}

func (s *uploadSession) maskSet(i int) bool {
	return s.mask[i/64]&(1<<(uint(i)%64)) != 0
}

func (s *uploadSession) maskMark(i int) {
	s.mask[i/64] |= 1 << (uint(i) % 64)
}

// missingLocked returns the chunk indices not yet received. Caller holds mu.
func (s *uploadSession) missingLocked() []int {
	var missing []int
	for i := 0; i < s.totalChunks; i++ {
		if !s.maskSet(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *uploadSession) snapshotLocked() domain.SessionInfo {
	var received []int
	for i := 0; i < s.totalChunks; i++ {
		if s.maskSet(i) {
			received = append(received, i)
		}
	}
	return domain.SessionInfo{
		UploadID:    s.uploadID,
		ObjectID:    s.objectID,
		Version:     s.version,
		TotalChunks: s.totalChunks,
		Received:    received,
		State:       s.state,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
	}
}

// SessionManager tracks in-flight resumable upload sessions. Sessions are
// ephemeral: durable state lives in the metadata index, and an abandoned
// session only ever costs its own bookkeeping. There is no lock shared
// between sessions, so unrelated uploads never serialize.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*uploadSession

	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewSessionManager creates a new SessionManager instance.
func NewSessionManager(ttl, retention time.Duration) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*uploadSession),
		ttl:       ttl,
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new upload session and returns its snapshot.
func (m *SessionManager) Create(objectID string, version int64, totalChunks int) (domain.SessionInfo, error) {
	if totalChunks < 1 {
		return domain.SessionInfo{}, apperrors.ErrChunkIndexOutOfRange
	}

	now := m.now()
	sess := &uploadSession{
		uploadID:     uuid.NewString(),
		objectID:     objectID,
		version:      version,
		totalChunks:  totalChunks,
		mask:         make([]uint64, (totalChunks+63)/64),
		digests:      make([]string, totalChunks),
		state:        domain.SessionCreated,
		createdAt:    now,
		lastActivity: now,
		expiresAt:    now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[sess.uploadID] = sess
	m.mu.Unlock()

	log.Debugf("created upload session %s for object %s v%d (%d chunks)",
		sess.uploadID, objectID, version, totalChunks)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshotLocked(), nil
}

func (m *SessionManager) get(uploadID string) (*uploadSession, error) {
	m.mu.RLock()
	sess, ok := m.sessions[uploadID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return sess, nil
}

// expireIfStalledLocked flips a stalled session to Expired. Caller holds mu.
func (m *SessionManager) expireIfStalledLocked(sess *uploadSession) {
	if sess.state == domain.SessionCommitted || sess.state == domain.SessionExpired {
		return
	}
	if m.now().After(sess.expiresAt) {
		sess.state = domain.SessionExpired
		log.Infof("upload session %s expired after inactivity", sess.uploadID)
	}
}

// Get returns a snapshot of the session.
func (m *SessionManager) Get(uploadID string) (domain.SessionInfo, error) {
	sess, err := m.get(uploadID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	m.expireIfStalledLocked(sess)
	return sess.snapshotLocked(), nil
}

// List returns snapshots of all tracked sessions.
func (m *SessionManager) List() []domain.SessionInfo {
	m.mu.RLock()
	sessions := make([]*uploadSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]domain.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		m.expireIfStalledLocked(sess)
		infos = append(infos, sess.snapshotLocked())
		sess.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// BeginChunk validates an incoming chunk against the session before any
// storage work happens. Returns the session's manifest target and whether the
// exact same chunk was already recorded (benign resubmission). A differing
// digest at an already received index fails with ErrDuplicateChunkIndex.
// No lock is held after return, so compression and storage IO never block
// other chunks of the session.
func (m *SessionManager) BeginChunk(uploadID string, chunkIndex int, digest string) (objectID string, version int64, resubmitted bool, err error) {
	sess, err := m.get(uploadID)
	if err != nil {
		return "", 0, false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	m.expireIfStalledLocked(sess)
	if sess.state == domain.SessionExpired {
		return "", 0, false, apperrors.ErrSessionExpired
	}
	if sess.state == domain.SessionCommitted {
		return "", 0, false, apperrors.ErrManifestCommitted
	}
	if chunkIndex < 0 || chunkIndex >= sess.totalChunks {
		return "", 0, false, apperrors.ErrChunkIndexOutOfRange
	}
	if sess.maskSet(chunkIndex) {
		if sess.digests[chunkIndex] == digest {
			return sess.objectID, sess.version, true, nil
		}
		return "", 0, false, apperrors.ErrDuplicateChunkIndex
	}
	return sess.objectID, sess.version, false, nil
}

// MarkReceived records a durably admitted chunk and extends the session's
// expiry. Returns true when every expected chunk has been received.
func (m *SessionManager) MarkReceived(uploadID string, chunkIndex int, digest string) (complete bool, err error) {
	sess, err := m.get(uploadID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == domain.SessionExpired {
		return false, apperrors.ErrSessionExpired
	}
	if !sess.maskSet(chunkIndex) {
		sess.maskMark(chunkIndex)
		sess.digests[chunkIndex] = digest
		sess.received++
	}
	sess.state = domain.SessionReceiving
	sess.lastActivity = m.now()
	sess.expiresAt = sess.lastActivity.Add(m.ttl)

	return sess.received == sess.totalChunks, nil
}

// FinalizeClaim describes a finalization attempt granted by BeginFinalize.
type FinalizeClaim struct {
	ObjectID         string
	Version          int64
	TotalChunks      int
	AlreadyCommitted bool
	Missing          []int
}

// BeginFinalize claims the session for finalization. Exactly one caller
// proceeds at a time; a concurrent finalizer blocks until the first completes
// and then observes the committed state. The caller must invoke
// CompleteFinalize or FailFinalize unless AlreadyCommitted or Missing is set.
func (m *SessionManager) BeginFinalize(uploadID string) (FinalizeClaim, error) {
	sess, err := m.get(uploadID)
	if err != nil {
		return FinalizeClaim{}, err
	}

	sess.finalizeMu.Lock()

	sess.mu.Lock()
	m.expireIfStalledLocked(sess)
	claim := FinalizeClaim{
		ObjectID:    sess.objectID,
		Version:     sess.version,
		TotalChunks: sess.totalChunks,
	}

	switch {
	case sess.state == domain.SessionExpired:
		sess.mu.Unlock()
		sess.finalizeMu.Unlock()
		return FinalizeClaim{}, apperrors.ErrSessionExpired
	case sess.state == domain.SessionCommitted:
		claim.AlreadyCommitted = true
		sess.mu.Unlock()
		sess.finalizeMu.Unlock()
		return claim, nil
	case sess.received != sess.totalChunks:
		claim.Missing = sess.missingLocked()
		sess.mu.Unlock()
		sess.finalizeMu.Unlock()
		return claim, apperrors.MissingChunksError(claim.Missing)
	}

	sess.state = domain.SessionFinalizing
	sess.mu.Unlock()
	// finalizeMu stays held until CompleteFinalize or FailFinalize.
	return claim, nil
}

// CompleteFinalize transitions the session to its terminal Committed state.
func (m *SessionManager) CompleteFinalize(uploadID string) error {
	sess, err := m.get(uploadID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.state = domain.SessionCommitted
	sess.lastActivity = m.now()
	sess.mu.Unlock()
	sess.finalizeMu.Unlock()
	return nil
}

// FailFinalize returns the session to Receiving after a checksum mismatch
// and clears the received mask: the client re-submits every chunk, and
// deduplication makes the correct ones free.
func (m *SessionManager) FailFinalize(uploadID string) error {
	sess, err := m.get(uploadID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.state = domain.SessionReceiving
	for i := range sess.mask {
		sess.mask[i] = 0
	}
	for i := range sess.digests {
		sess.digests[i] = ""
	}
	sess.received = 0
	sess.lastActivity = m.now()
	sess.expiresAt = sess.lastActivity.Add(m.ttl)
	sess.mu.Unlock()
	sess.finalizeMu.Unlock()
	return nil
}

// FailFinalizeKeepChunks returns the session to Receiving after a transient
// verification or commit error, keeping the received mask so the client can
// simply retry finalize.
func (m *SessionManager) FailFinalizeKeepChunks(uploadID string) error {
	sess, err := m.get(uploadID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.state = domain.SessionReceiving
	sess.lastActivity = m.now()
	sess.expiresAt = sess.lastActivity.Add(m.ttl)
	sess.mu.Unlock()
	sess.finalizeMu.Unlock()
	return nil
}

// SweepOnce expires stalled sessions and drops terminal sessions past the
// retention window. Returns the number of sessions removed.
func (m *SessionManager) SweepOnce() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		sess.mu.Lock()
		m.expireIfStalledLocked(sess)
		terminal := sess.state == domain.SessionCommitted || sess.state == domain.SessionExpired
		stale := now.Sub(sess.lastActivity) > m.retention
		sess.mu.Unlock()

		if terminal && stale {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper runs the expiry sweep until the context is cancelled.
func (m *SessionManager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.SweepOnce(); removed > 0 {
					log.Debugf("session reaper removed %d sessions", removed)
				}
			}
		}
	}()
}
