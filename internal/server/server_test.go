package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/etherith-archive/etherith/internal/archive"
	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/moderation"
	"github.com/etherith-archive/etherith/internal/pipeline"
	"github.com/etherith-archive/etherith/internal/pinning"
	"github.com/etherith-archive/etherith/internal/signing"
)

type stubPinner struct {
	result *pinning.Result
	err    error
}

func (s *stubPinner) Pin(ctx context.Context, fileName string, content io.Reader, meta pinning.Metadata) (*pinning.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubModerator struct {
	verdict *model.ModerationResult
}

func (s *stubModerator) Moderate(ctx context.Context, req moderation.Request) (*model.ModerationResult, error) {
	return s.verdict, nil
}

func newTestServer(t *testing.T, pinner pinning.Pinner, mod moderation.Moderator) (*Server, *archive.Store) {
	t.Helper()
	cfg := &config.Config{
		Address:           ":0",
		MaxFileSize:       1 << 20,
		AllowedTypes:      []string{"image/jpeg", "image/png", "text/plain; charset=utf-8"},
		SigningSecret:     []byte("test-secret"),
		SignedURLTTL:      time.Minute,
		PublicGatewayBase: "https://gw/ipfs",
	}
	store := archive.New()
	orch := pipeline.New(store, pinner, mod, nil)
	return New(cfg, store, orch, signing.NewSigner(cfg.SigningSecret), nil), store
}

// jpegBytes begins with the JPEG magic so http.DetectContentType sniffs
// image/jpeg.
func jpegBytes() []byte {
	return append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x01}, 64)...)
}

func multipartUpload(t *testing.T, note, visibility string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if note != "" {
		if err := writer.WriteField("note", note); err != nil {
			t.Fatalf("write note: %v", err)
		}
	}
	if visibility != "" {
		if err := writer.WriteField("visibility", visibility); err != nil {
			t.Fatalf("write visibility: %v", err)
		}
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestUploadPublicApproved(t *testing.T) {
	pinner := &stubPinner{result: &pinning.Result{CID: "QmOk", Pinned: true, Proof: model.PinProof{Pinned: true}}}
	srv, store := newTestServer(t, pinner, &stubModerator{verdict: &model.ModerationResult{Approved: true}})

	body, contentType := multipartUpload(t, "Family reunion 2023", "public", map[string][]byte{"reunion.jpg": jpegBytes()})
	req := httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Etherith-User", "user-7")
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var records []model.Memory
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != model.StatusModerated || rec.Visibility != model.VisibilityPublic {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.UserID != "user-7" {
		t.Fatalf("user id not stamped: %+v", rec)
	}
	if len(store.SnapshotPublic()) != 1 {
		t.Fatalf("record missing from public archive")
	}
}

func TestUploadValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubPinner{result: &pinning.Result{CID: "QmX"}}, &stubModerator{verdict: &model.ModerationResult{Approved: true}})

	// Missing note.
	body, contentType := multipartUpload(t, "", "", map[string][]byte{"a.jpg": jpegBytes()})
	req := httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing note: status = %d", rr.Code)
	}

	// Missing file.
	body, contentType = multipartUpload(t, "a note", "", nil)
	req = httptest.NewRequest(http.MethodPost, "/memories", body)
	req.Header.Set("Content-Type", contentType)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing file: status = %d", rr.Code)
	}
}

func TestArchiveSearchEndpoint(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "1", Note: "Sunset in Kyoto", FileName: "kyoto.jpg", Kind: model.KindImage, Status: model.StatusModerated, Visibility: model.VisibilityPublic})
	if err := store.AppendPublic("1"); err != nil {
		t.Fatalf("append public: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/archive?q=KYOTO", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var results []model.Memory
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].ID != "1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestGatewayURLRefusedForPrivate(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "p1", Visibility: model.VisibilityPrivate, CID: "QmPriv", Status: model.StatusPinned})

	req := httptest.NewRequest(http.MethodGet, "/memories/p1/gateway-url", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("private gateway-url: status = %d, want 403", rr.Code)
	}
}

func TestGatewayURLForPublic(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "m1", Visibility: model.VisibilityPublic, CID: "QmPub", Status: model.StatusModerated})

	req := httptest.NewRequest(http.MethodGet, "/memories/m1/gateway-url", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["url"] != "https://gw/ipfs/QmPub" {
		t.Fatalf("url = %q", resp["url"])
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "s1", Visibility: model.VisibilityPrivate, CID: "QmS", Status: model.StatusPinned, FileName: "secret.jpg"})

	req := httptest.NewRequest(http.MethodGet, "/memories/s1/signed-url", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed-url: status = %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp["url"], "/download?") {
		t.Fatalf("unexpected url %q", resp["url"])
	}

	// A tampered signature must be refused.
	tampered := strings.Replace(resp["url"], "signature=", "signature=ff", 1)
	req = httptest.NewRequest(http.MethodGet, tampered, nil)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("tampered download: status = %d, want 401", rr.Code)
	}
}

func TestSignedURLParameterOrderDeterministic(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "s2", Visibility: model.VisibilityPrivate, CID: "QmS2", Status: model.StatusPinned})

	req := httptest.NewRequest(http.MethodGet, "/memories/s2/signed-url", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed-url: status = %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	parsed, err := url.Parse(resp["url"])
	if err != nil {
		t.Fatalf("parse url %q: %v", resp["url"], err)
	}
	// url.Values.Encode sorts keys, so the query must be byte-identical to a
	// re-encoding of its own parameters.
	if got := parsed.Query().Encode(); got != parsed.RawQuery {
		t.Fatalf("query %q is not canonically encoded (want %q)", parsed.RawQuery, got)
	}
	for _, key := range []string{"memory", "expires", "signature"} {
		if parsed.Query().Get(key) == "" {
			t.Fatalf("query is missing %q: %q", key, parsed.RawQuery)
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("empty profile: status = %d, want 404", rr.Code)
	}

	body := strings.NewReader(`{"id":"u1","username":"keeper"}`)
	req = httptest.NewRequest(http.MethodPut, "/profile", body)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put profile: status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/profile", nil)
	rr = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("get profile: status = %d", rr.Code)
	}
	var profile model.Profile
	if err := json.Unmarshal(rr.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if profile.Username != "keeper" {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestExportEndpoint(t *testing.T) {
	srv, store := newTestServer(t, nil, &stubModerator{verdict: &model.ModerationResult{Approved: true}})
	store.Put(&model.Memory{ID: "e1", Note: "keep me", CID: "QmE", Pinned: true, Status: model.StatusPinned})

	req := httptest.NewRequest(http.MethodGet, "/export", nil)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var export struct {
		Memories   []model.Memory `json:"memories"`
		PinnedCIDs []string       `json:"pinnedCids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(export.Memories) != 1 || len(export.PinnedCIDs) != 1 || export.PinnedCIDs[0] != "QmE" {
		t.Fatalf("unexpected export: %+v", export)
	}
}
