// Package server hosts the standalone Etherith node: the in-memory archive,
// the synchronous upload pipeline, and the HTTP surface in one process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/etherith-archive/etherith/internal/archive"
	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/pipeline"
	"github.com/etherith-archive/etherith/internal/signing"
)

// Server stitches together configuration, the archive store, the upload
// orchestrator, and signed private downloads.
type Server struct {
	cfg          *config.Config
	store        *archive.Store
	orchestrator *pipeline.Orchestrator
	signer       *signing.Signer
	blobs        *cas.BlobStore
}

// New creates a configured server. The blob store may be nil; private
// downloads then report the content as unavailable.
func New(cfg *config.Config, store *archive.Store, orchestrator *pipeline.Orchestrator, signer *signing.Signer, blobs *cas.BlobStore) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		signer:       signer,
		blobs:        blobs,
	}
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Address,
		Handler: corsMiddleware(loggingMiddleware(s.Routes())),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the ServeMux. Exported so tests can drive the handlers
// through httptest without opening a socket.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/memories", s.handleMemories)
	mux.HandleFunc("/memories/", s.handleMemoryRoute)
	mux.HandleFunc("/archive", s.handleArchive)
	mux.HandleFunc("/profile", s.handleProfile)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/sync-status", s.handleSyncStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"syncStatus": string(s.orchestrator.SyncStatus())})
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.store.SnapshotMemories())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize*4+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	req := pipeline.Request{
		UserID: s.userID(r),
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "note":
			value, err := readField(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.Note = strings.TrimSpace(value)
		case "visibility":
			value, err := readField(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.Visibility = model.Visibility(strings.TrimSpace(value))
		case "file":
			upload, err := s.readFilePart(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.Files = append(req.Files, *upload)
		default:
			part.Close()
		}
	}

	records, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoFiles) || errors.Is(err, pipeline.ErrEmptyNote) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, records)
}

func (s *Server) readFilePart(part *multipart.Part) (*pipeline.Upload, error) {
	defer part.Close()
	var sniff []byte
	buf := make([]byte, 32*1024)
	var content []byte
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			content = append(content, buf[:n]...)
			if int64(len(content)) > s.cfg.MaxFileSize {
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if len(content) == 0 {
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if !s.allowedType(contentType) {
		return nil, errors.New("file type not allowed")
	}
	name := part.FileName()
	if name == "" {
		name = "memory"
	}
	return &pipeline.Upload{
		FileName:    name,
		ContentType: contentType,
		Content:     content,
	}, nil
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func (s *Server) handleMemoryRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/memories/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleMemoryInfo(w, r, id)
		return
	}
	switch parts[1] {
	case "gateway-url":
		s.handleGatewayURL(w, r, id)
	case "signed-url":
		s.handleSignedURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMemoryInfo(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// handleGatewayURL builds the public IPFS gateway URL for a memory. Private
// memories are refused: their content is reachable only through signed URLs.
func (s *Server) handleGatewayURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	if record.Visibility != model.VisibilityPublic {
		http.Error(w, "memory is private", http.StatusForbidden)
		return
	}
	if record.CID == "" {
		http.Error(w, "memory has no cid", http.StatusConflict)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"url": s.cfg.PublicGatewayBase + "/" + record.CID,
	})
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	if record.CID == "" {
		http.Error(w, "memory has no content", http.StatusConflict)
		return
	}
	expiry := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	signature := s.signer.Sign(id, expiry)
	query := url.Values{}
	query.Set("memory", id)
	query.Set("expires", strconv.FormatInt(expiry, 10))
	query.Set("signature", signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     "/download?" + query.Encode(),
		"expires": strconv.FormatInt(expiry, 10),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("memory")
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if id == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.signer.Validate(id, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	if s.blobs == nil || record.CID == "" {
		http.Error(w, "content unavailable", http.StatusNotFound)
		return
	}
	data, err := s.blobs.GetBlob(r.Context(), record.CID)
	if err != nil {
		http.Error(w, "content unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+record.FileName+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	term := r.URL.Query().Get("q")
	respondJSON(w, http.StatusOK, s.store.Search(term))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profile := s.store.Profile()
		if profile == nil {
			http.Error(w, "no profile", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var profile model.Profile
		if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
			http.Error(w, "invalid profile", http.StatusBadRequest)
			return
		}
		if profile.ID == "" {
			http.Error(w, "profile id is required", http.StatusBadRequest)
			return
		}
		s.store.SetProfile(&profile)
		respondJSON(w, http.StatusOK, &profile)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleExport builds the portable archive manifest. With ?store=1 the
// manifest is also written to the export bucket and a presigned URL is
// returned instead of the document itself.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := cas.BuildExport(s.store.Profile(), s.store.SnapshotMemories(), s.store.SnapshotPublic())
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("store") == "1" {
		if s.blobs == nil {
			http.Error(w, "export storage unavailable", http.StatusServiceUnavailable)
			return
		}
		key := fmt.Sprintf("export-%d.json", time.Now().Unix())
		if err := s.blobs.PutExport(r.Context(), key, data); err != nil {
			http.Error(w, "export storage unavailable", http.StatusServiceUnavailable)
			return
		}
		url, err := s.blobs.PresignExportURL(r.Context(), key, s.cfg.SignedURLTTL)
		if err != nil {
			http.Error(w, "failed to generate url", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"key": key, "url": url})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=\"etherith-export.json\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// userID resolves the opaque caller identity: an explicit header wins,
// otherwise the stored profile is used.
func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get("X-Etherith-User"); id != "" {
		return id
	}
	if profile := s.store.Profile(); profile != nil {
		return profile.ID
	}
	return ""
}

func readField(part io.ReadCloser) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read field: %w", err)
	}
	return string(data), nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		log.Printf("encode json failed: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Etherith-User")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
