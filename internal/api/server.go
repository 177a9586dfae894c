// Package api exposes the hosted-mode HTTP surface: uploads land in the
// blob store and Postgres, and the preservation pipeline runs out of band on
// the worker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/queue"
	"github.com/etherith-archive/etherith/internal/repository"
)

// memoryStore is the slice of the repository the HTTP layer depends on.
type memoryStore interface {
	Create(ctx context.Context, m *model.Memory) error
	Get(ctx context.Context, id string) (*model.Memory, error)
	MarkError(ctx context.Context, id, msg string) error
	SearchPublic(ctx context.Context, term string) ([]model.Memory, error)
}

// blobWriter stores content-addressed blobs.
type blobWriter interface {
	PutBlob(ctx context.Context, cid string, reader io.Reader, size int64, contentType string) error
}

// Server exposes HTTP endpoints for uploads and the public archive.
type Server struct {
	cfg     *config.Config
	repo    memoryStore
	blobs   blobWriter
	enqueue func(ctx context.Context, payload queue.PreservePayload) error
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo *repository.MemoryRepository, blobs *cas.BlobStore, queueClient *asynq.Client) *Server {
	return &Server{
		cfg:   cfg,
		repo:  repo,
		blobs: blobs,
		enqueue: func(ctx context.Context, payload queue.PreservePayload) error {
			return queue.EnqueuePreserve(ctx, queueClient, payload)
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(loggingMiddleware(s.routes())),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/memories", s.handleMemories)
	mux.HandleFunc("/memories/", s.handleMemoryRoute)
	mux.HandleFunc("/archive", s.handleArchive)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
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
		s.handleMemory(w, r, id)
		return
	}
	switch parts[1] {
	case "gateway-url":
		s.handleGatewayURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleGatewayURL returns the public IPFS gateway URL. Private memories are
// refused even though their CID exists on public infrastructure.
func (s *Server) handleGatewayURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "memory not found", http.StatusNotFound)
		return
	}
	if rec.Visibility != model.VisibilityPublic {
		http.Error(w, "memory is private", http.StatusForbidden)
		return
	}
	if rec.CID == "" {
		http.Error(w, "memory has no cid", http.StatusConflict)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"url": s.cfg.PublicGatewayBase + "/" + rec.CID,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	results, err := s.repo.SearchPublic(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []model.Memory{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize*4+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	note := ""
	visibility := model.VisibilityPrivate
	userID := r.Header.Get("X-Etherith-User")
	var files []*tempUpload
	defer func() {
		for _, tmp := range files {
			tmp.f.Close()
			os.Remove(tmp.path)
		}
	}()

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
			data, err := io.ReadAll(io.LimitReader(part, 64*1024))
			part.Close()
			if err != nil {
				http.Error(w, "failed to read note", http.StatusBadRequest)
				return
			}
			note = strings.TrimSpace(string(data))
		case "visibility":
			data, err := io.ReadAll(io.LimitReader(part, 64))
			part.Close()
			if err != nil {
				http.Error(w, "failed to read visibility", http.StatusBadRequest)
				return
			}
			if model.Visibility(strings.TrimSpace(string(data))) == model.VisibilityPublic {
				visibility = model.VisibilityPublic
			}
		case "file":
			tmp, err := s.persistTemp(part)
			part.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			files = append(files, tmp)
		default:
			part.Close()
		}
	}

	if len(files) == 0 {
		http.Error(w, "at least one file is required", http.StatusBadRequest)
		return
	}
	if note == "" {
		http.Error(w, "a memory note is required", http.StatusBadRequest)
		return
	}

	type accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	var out []accepted
	// Files are handled one at a time; each gets its own record and job.
	for _, tmp := range files {
		id := uuid.NewString()
		localCID, err := s.storeBlob(ctx, tmp)
		if err != nil {
			log.Printf("store blob failed: %v", err)
			http.Error(w, "failed to store file", http.StatusInternalServerError)
			return
		}
		rec := &model.Memory{
			ID:         id,
			UserID:     userID,
			Note:       note,
			Kind:       model.KindFromContentType(tmp.contentType),
			Visibility: visibility,
			FileName:   tmp.filename,
			FileSize:   tmp.size,
		}
		if err := s.repo.Create(ctx, rec); err != nil {
			http.Error(w, "failed to store metadata", http.StatusInternalServerError)
			return
		}
		payload := queue.PreservePayload{
			MemoryID:    id,
			LocalCID:    localCID,
			FileName:    tmp.filename,
			ContentType: tmp.contentType,
			Note:        note,
			Visibility:  string(visibility),
			UserID:      userID,
		}
		if err := s.enqueue(ctx, payload); err != nil {
			// The record exists but no job will ever process it. Mark it
			// terminal so it cannot sit at status=uploading forever.
			log.Printf("enqueue preserve for %s failed: %v", id, err)
			if markErr := s.repo.MarkError(ctx, id, "failed to queue preservation job"); markErr != nil {
				log.Printf("mark error for %s failed: %v", id, markErr)
			}
			http.Error(w, "failed to queue job", http.StatusInternalServerError)
			return
		}
		out = append(out, accepted{ID: id, Status: string(model.StatusUploading)})
	}
	respondJSON(w, http.StatusAccepted, out)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "etherith-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if !s.allowedType(contentType) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("file type not allowed")
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "memory"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

// storeBlob computes the local CID and writes the blob under it. The CID
// doubles as the storage key, so retried uploads of identical content are
// deduplicated for free.
func (s *Server) storeBlob(ctx context.Context, tmp *tempUpload) (string, error) {
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return "", err
	}
	cid, _, err := cas.ComputeCIDFromReader(tmp.f)
	if err != nil {
		return "", err
	}
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return "", err
	}
	if err := s.blobs.PutBlob(ctx, cid, tmp.f, tmp.size, tmp.contentType); err != nil {
		return "", err
	}
	return cid, nil
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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
