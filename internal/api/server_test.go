package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/queue"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*model.Memory
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*model.Memory)}
}

func (f *fakeRepo) Create(ctx context.Context, m *model.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Status = model.StatusUploading
	clone := *m
	f.records[m.ID] = &clone
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, errors.New("memory not found")
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeRepo) MarkError(ctx context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return errors.New("memory not found")
	}
	rec.Status = model.StatusError
	rec.Error = msg
	rec.CID = ""
	rec.Pinned = false
	return nil
}

func (f *fakeRepo) SearchPublic(ctx context.Context, term string) ([]model.Memory, error) {
	return nil, nil
}

func (f *fakeRepo) single(t *testing.T) *model.Memory {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(f.records))
	}
	for _, rec := range f.records {
		clone := *rec
		return &clone
	}
	return nil
}

type fakeBlobs struct{}

func (fakeBlobs) PutBlob(ctx context.Context, cid string, reader io.Reader, size int64, contentType string) error {
	_, err := io.Copy(io.Discard, reader)
	return err
}

func newTestServer(enqueue func(context.Context, queue.PreservePayload) error) (*Server, *fakeRepo) {
	cfg := &config.Config{
		MaxFileSize:       1 << 20,
		AllowedTypes:      []string{"image/jpeg"},
		PublicGatewayBase: "https://gateway.pinata.cloud/ipfs",
	}
	repo := newFakeRepo()
	return &Server{cfg: cfg, repo: repo, blobs: fakeBlobs{}, enqueue: enqueue}, repo
}

func jpegBytes() []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x42}, 64)...)
}

func multipartUpload(t *testing.T, note string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("note", note); err != nil {
		t.Fatalf("write note: %v", err)
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadAccepted(t *testing.T) {
	var enqueued []queue.PreservePayload
	srv, repo := newTestServer(func(ctx context.Context, p queue.PreservePayload) error {
		enqueued = append(enqueued, p)
		return nil
	})

	body, contentType := multipartUpload(t, "harbor at dawn", "harbor.jpg", jpegBytes())
	req := httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var out []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].Status != string(model.StatusUploading) {
		t.Fatalf("unexpected response: %+v", out)
	}
	if len(enqueued) != 1 || enqueued[0].MemoryID != out[0].ID {
		t.Fatalf("expected one job for %s, got %+v", out[0].ID, enqueued)
	}
	if enqueued[0].LocalCID == "" {
		t.Fatalf("job payload is missing the local cid")
	}
	stored := repo.single(t)
	if stored.Status != model.StatusUploading {
		t.Fatalf("stored status = %s, want %s", stored.Status, model.StatusUploading)
	}
}

func TestUploadEnqueueFailureMarksRecordTerminal(t *testing.T) {
	srv, repo := newTestServer(func(ctx context.Context, p queue.PreservePayload) error {
		return errors.New("redis unavailable")
	})

	body, contentType := multipartUpload(t, "harbor at dawn", "harbor.jpg", jpegBytes())
	req := httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	stored := repo.single(t)
	if stored.Status != model.StatusError {
		t.Fatalf("stored status = %s, want %s (record must not stay at uploading)", stored.Status, model.StatusError)
	}
	if stored.CID != "" {
		t.Fatalf("errored record must have no cid, got %q", stored.CID)
	}
	if stored.Error == "" {
		t.Fatalf("errored record is missing an error message")
	}
}

func countTempFiles(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "etherith-*"))
	if err != nil {
		t.Fatalf("glob temp dir: %v", err)
	}
	return len(matches)
}

func TestPersistTempCleansUpOnRejection(t *testing.T) {
	srv, _ := newTestServer(func(ctx context.Context, p queue.PreservePayload) error {
		return nil
	})
	before := countTempFiles(t)

	// Disallowed content type.
	body, contentType := multipartUpload(t, "notes", "notes.txt", []byte("plain text, not an image"))
	req := httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("disallowed type: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	// Oversized file.
	srv.cfg.MaxFileSize = 16
	body, contentType = multipartUpload(t, "big", "big.jpg", jpegBytes())
	req = httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if after := countTempFiles(t); after != before {
		t.Fatalf("temp files leaked: %d before, %d after", before, after)
	}
}
