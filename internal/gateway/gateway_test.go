package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgevault/edgevault/internal/cas"
	"github.com/edgevault/edgevault/internal/codec"
	"github.com/edgevault/edgevault/internal/erasure"
	"github.com/edgevault/edgevault/internal/placement"
	"github.com/edgevault/edgevault/internal/repository/index"
	"github.com/edgevault/edgevault/internal/repository/shardstore"
	"github.com/edgevault/edgevault/internal/service"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	idx, err := index.OpenSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteIndex() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	placer := placement.NewRoundRobinPlacer()
	repo, err := shardstore.NewFsShardRepository("local-0", t.TempDir())
	if err != nil {
		t.Fatalf("NewFsShardRepository() error = %v", err)
	}
	if err := placer.RegisterBackend("local-0", repo); err != nil {
		t.Fatalf("RegisterBackend() error = %v", err)
	}

	coder, err := erasure.NewCoder(2, 1)
	if err != nil {
		t.Fatalf("NewCoder() error = %v", err)
	}
	codecs, err := codec.NewRegistry("zstd", 3)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	store := service.NewChunkStore(coder, codecs, placer, idx)
	sessions := service.NewSessionManager(30*time.Minute, 24*time.Hour)
	pipeline := service.NewIngestPipeline(sessions, store, idx)
	engine := service.NewReconstructionEngine(idx, store)

	return NewServer(pipeline, engine).Handler()
}

func initUpload(t *testing.T, ts *httptest.Server, objectID string, totalChunks int) string {
	t.Helper()

	body, _ := json.Marshal(map[string]any{
		"object_id":    objectID,
		"version":      1,
		"total_chunks": totalChunks,
	})
	resp, err := http.Post(ts.URL+"/upload/init", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /upload/init error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /upload/init status = %d", resp.StatusCode)
	}

	var info struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decoding init response: %v", err)
	}
	if info.UploadID == "" {
		t.Fatal("init response has no upload_id")
	}
	return info.UploadID
}

func postChunk(t *testing.T, ts *httptest.Server, uploadID string, chunkIndex, totalChunks int, data []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("upload_id", uploadID)
	w.WriteField("chunk_index", fmt.Sprint(chunkIndex))
	w.WriteField("total_chunks", fmt.Sprint(totalChunks))
	fw, err := w.CreateFormFile("file", "chunk.bin")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write(data)
	w.Close()

	resp, err := http.Post(ts.URL+"/upload-chunk", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /upload-chunk error = %v", err)
	}
	return resp
}

func finalizeUpload(t *testing.T, ts *httptest.Server, uploadID, checksum string) *http.Response {
	t.Helper()

	form := url.Values{
		"upload_id":         {uploadID},
		"original_checksum": {checksum},
	}
	resp, err := http.Post(ts.URL+"/finalize-upload", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST /finalize-upload error = %v", err)
	}
	return resp
}

func TestGateway_FullUploadFlow(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	chunks := [][]byte{
		bytes.Repeat([]byte("gateway chunk zero "), 200),
		bytes.Repeat([]byte("gateway chunk one "), 200),
	}

	uploadID := initUpload(t, ts, "report.pdf", 2)

	for i, chunk := range chunks {
		resp := postChunk(t, ts, uploadID, i, 2, chunk)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d status = %d", i, resp.StatusCode)
		}
		var result struct {
			Status   string `json:"status"`
			Complete bool   `json:"complete"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if result.Status != "ok" {
			t.Errorf("chunk %d status field = %q, want %q", i, result.Status, "ok")
		}
		if result.Complete != (i == 1) {
			t.Errorf("chunk %d complete = %v", i, result.Complete)
		}
	}

	// Status reports both chunks received.
	resp, err := http.Get(ts.URL + "/upload-status?upload_id=" + uploadID)
	if err != nil {
		t.Fatalf("GET /upload-status error = %v", err)
	}
	var status struct {
		Received []int `json:"received"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if len(status.Received) != 2 {
		t.Errorf("received = %v, want both chunks", status.Received)
	}

	h := sha256.New()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	resp = finalizeUpload(t, ts, uploadID, hex.EncodeToString(h.Sum(nil)))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d", resp.StatusCode)
	}
	var fin struct {
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&fin)
	if fin.Status != "complete" {
		t.Errorf("finalize status field = %q, want %q", fin.Status, "complete")
	}

	// The committed object streams back byte for byte.
	resp, err = http.Get(ts.URL + "/objects/report.pdf?version=1")
	if err != nil {
		t.Fatalf("GET /objects error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if !bytes.Equal(got, bytes.Join(chunks, nil)) {
		t.Error("downloaded bytes differ from upload")
	}
}

func TestGateway_ContentDigestHeader(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	data := []byte("verified in transit")
	uploadID := initUpload(t, ts, "obj", 1)

	post := func(digest string) *http.Response {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		w.WriteField("upload_id", uploadID)
		w.WriteField("chunk_index", "0")
		fw, _ := w.CreateFormFile("file", "chunk.bin")
		fw.Write(data)
		w.Close()

		req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload-chunk", &buf)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("X-Content-Digest", digest)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST /upload-chunk error = %v", err)
		}
		return resp
	}

	// A wrong digest is rejected before any storage work.
	resp := post(cas.Digest([]byte("different bytes")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatched digest status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp = post(cas.Digest(data))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("matching digest status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestGateway_ChecksumMismatch(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	uploadID := initUpload(t, ts, "obj", 1)
	resp := postChunk(t, ts, uploadID, 0, 1, []byte("chunk content"))
	resp.Body.Close()

	resp = finalizeUpload(t, ts, uploadID, "deadbeef")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("finalize status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	var fin struct {
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&fin)
	if fin.Status != "mismatch" {
		t.Errorf("finalize status field = %q, want %q", fin.Status, "mismatch")
	}
}

func TestGateway_Errors(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	t.Run("unknown session", func(t *testing.T) {
		resp := postChunk(t, ts, "no-such-upload", 0, 1, []byte("x"))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("chunk index out of range", func(t *testing.T) {
		uploadID := initUpload(t, ts, "obj", 1)
		resp := postChunk(t, ts, uploadID, 5, 1, []byte("x"))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("total_chunks disagrees with session", func(t *testing.T) {
		uploadID := initUpload(t, ts, "obj2", 2)
		resp := postChunk(t, ts, uploadID, 0, 9, []byte("x"))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("missing object", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/objects/never-uploaded")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("bad init body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/upload/init", "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})
}
