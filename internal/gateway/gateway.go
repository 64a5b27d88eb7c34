// Package gateway exposes the ingestion and reconstruction engine over HTTP.
// The wire protocol mirrors the resumable upload clients: chunks arrive as
// multipart form posts carrying upload_id, chunk_index and total_chunks, and
// a finalize request carries the client-computed whole-file sha256. The
// transport layer in front (TLS, reverse proxy) is out of scope here.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/edgevault/edgevault/internal/cas"
	apperrors "github.com/edgevault/edgevault/internal/errors"
	"github.com/edgevault/edgevault/internal/service"
)

// contentDigestHeader optionally carries the client's precomputed chunk
// digest, letting the gateway reject a chunk corrupted in transit before any
// storage work happens.
const contentDigestHeader = "X-Content-Digest"

// maxChunkMemory bounds how much of a chunk upload is buffered in memory
// before spilling to a temp file.
const maxChunkMemory = 32 << 20

// Server routes upload and read requests to the pipeline and engine.
type Server struct {
	pipeline *service.IngestPipeline
	engine   *service.ReconstructionEngine
}

// NewServer creates a new gateway Server instance.
func NewServer(pipeline *service.IngestPipeline, engine *service.ReconstructionEngine) *Server {
	return &Server{
		pipeline: pipeline,
		engine:   engine,
	}
}

// Handler returns the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/init", s.handleInitUpload)
	mux.HandleFunc("POST /upload-chunk", s.handleUploadChunk)
	mux.HandleFunc("GET /upload-status", s.handleUploadStatus)
	mux.HandleFunc("POST /finalize-upload", s.handleFinalizeUpload)
	mux.HandleFunc("GET /objects/{objectID}", s.handleDownload)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound),
		errors.Is(err, apperrors.ErrObjectNotFound),
		errors.Is(err, apperrors.ErrChunkNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, apperrors.ErrDuplicateChunkIndex),
		errors.Is(err, apperrors.ErrManifestConflict),
		errors.Is(err, apperrors.ErrManifestCommitted),
		errors.Is(err, apperrors.ErrUploadIncomplete):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrChunkIndexOutOfRange),
		errors.Is(err, apperrors.ErrEmptyChunk):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrChecksumMismatch):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"status": "error", "detail": err.Error()})
}

type initUploadRequest struct {
	ObjectID    string `json:"object_id"`
	Version     int64  `json:"version"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "invalid JSON body"})
		return
	}
	if req.ObjectID == "" || req.TotalChunks < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "object_id and total_chunks are required"})
		return
	}

	info, err := s.pipeline.StartUpload(req.ObjectID, req.Version, req.TotalChunks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "invalid multipart form"})
		return
	}

	uploadID := r.FormValue("upload_id")
	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "chunk_index must be an integer"})
		return
	}

	// total_chunks travels with every chunk so a resumed client and the
	// session can never silently disagree on the object's shape.
	if totalStr := r.FormValue("total_chunks"); totalStr != "" {
		total, err := strconv.Atoi(totalStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "total_chunks must be an integer"})
			return
		}
		info, err := s.pipeline.SessionStatus(uploadID)
		if err != nil {
			writeError(w, err)
			return
		}
		if total != info.TotalChunks {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status": "error",
				"detail": "total_chunks does not match the upload session",
			})
			return
		}
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "missing chunk payload"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, err)
		return
	}

	if claimed := r.Header.Get(contentDigestHeader); claimed != "" {
		if !cas.ValidDigest(claimed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "malformed content digest"})
			return
		}
		if got := cas.Digest(raw); got != claimed {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status": "error",
				"detail": "chunk content does not match the claimed digest",
			})
			return
		}
	}

	result, err := s.pipeline.AdmitChunk(r.Context(), uploadID, chunkIndex, raw)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    string(result.Status),
		"chunk":     chunkIndex,
		"digest":    result.Digest,
		"dedup_hit": result.DedupHit,
		"complete":  result.Complete,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "upload_id is required"})
		return
	}
	info, err := s.pipeline.SessionStatus(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "invalid form"})
		return
	}
	uploadID := r.FormValue("upload_id")
	originalChecksum := r.FormValue("original_checksum")
	if uploadID == "" || originalChecksum == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "upload_id and original_checksum are required"})
		return
	}

	status, err := s.pipeline.Finalize(r.Context(), uploadID, originalChecksum)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	case errors.Is(err, apperrors.ErrChecksumMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status": string(service.FinalizeMismatch),
			"detail": err.Error(),
		})
	case errors.Is(err, apperrors.ErrUploadIncomplete):
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": string(service.FinalizeIncomplete),
			"detail": err.Error(),
		})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	objectID := r.PathValue("objectID")

	var version int64
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "version must be an integer"})
			return
		}
		version = parsed
	}

	startChunk := 0
	if v := r.URL.Query().Get("from_chunk"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "detail": "from_chunk must be an integer"})
			return
		}
		startChunk = parsed
	}

	reader, err := s.engine.OpenAt(r.Context(), objectID, version, startChunk)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		log.Errorf("streaming %s v%d failed mid-response: %v", objectID, version, err)
	}
}
