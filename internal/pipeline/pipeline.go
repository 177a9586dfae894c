// Package pipeline implements the upload orchestrator: the state machine
// that carries a memory from file selection through CID computation, remote
// pinning, moderation, and public-archive placement.
//
// Files are processed strictly sequentially. Every failure is terminal for
// the attempt; there is no retry path. A failed upload keeps its record with
// status=error so the user can see what happened and re-submit.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/etherith-archive/etherith/internal/archive"
	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/moderation"
	"github.com/etherith-archive/etherith/internal/pinning"
)

var (
	// ErrNoFiles and ErrEmptyNote are validation failures raised before any
	// record is created.
	ErrNoFiles   = errors.New("at least one file is required")
	ErrEmptyNote = errors.New("a memory note is required")
)

// Upload is one file selected for preservation.
type Upload struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Request is a single submission: one or more files sharing a note and
// visibility.
type Request struct {
	Files      []Upload
	Note       string
	Visibility model.Visibility
	UserID     string
}

// Orchestrator drives the preservation state machine against the shared
// archive. The pinner may be nil (development without a gateway); the
// moderator must not be.
type Orchestrator struct {
	store     *archive.Store
	pinner    pinning.Pinner
	moderator moderation.Moderator
	blobs     *cas.BlobStore

	mu        sync.RWMutex
	syncState model.SyncStatus
}

// New constructs an Orchestrator.
func New(store *archive.Store, pinner pinning.Pinner, moderator moderation.Moderator, blobs *cas.BlobStore) *Orchestrator {
	return &Orchestrator{
		store:     store,
		pinner:    pinner,
		moderator: moderator,
		blobs:     blobs,
		syncState: model.SyncSynced,
	}
}

// SyncStatus reports the informational indicator: synced, uploading, or
// error. It gates nothing.
func (o *Orchestrator) SyncStatus() model.SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.syncState
}

func (o *Orchestrator) setSync(s model.SyncStatus) {
	o.mu.Lock()
	o.syncState = s
	o.mu.Unlock()
}

// Submit runs the full pipeline for every file in the request, one file at a
// time, and returns the terminal records. Validation failures return an
// error before any record exists.
func (o *Orchestrator) Submit(ctx context.Context, req Request) ([]model.Memory, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	if req.Note == "" {
		return nil, ErrEmptyNote
	}
	if req.Visibility != model.VisibilityPublic {
		req.Visibility = model.VisibilityPrivate
	}

	o.setSync(model.SyncUploading)

	out := make([]model.Memory, 0, len(req.Files))
	for _, file := range req.Files {
		id := o.processFile(ctx, req, file)
		rec, err := o.store.Get(id)
		if err != nil {
			// The record was created by processFile, so this only happens if
			// a peer removed it mid-flight.
			o.setSync(model.SyncError)
			return out, fmt.Errorf("record %s vanished during upload: %w", id, err)
		}
		out = append(out, *rec)
	}
	o.setSync(model.SyncSynced)
	return out, nil
}

// processFile runs one file through the state machine and returns the record
// id. Every stage writes its outcome back through UpdateByID so concurrent
// readers always observe a coherent record.
func (o *Orchestrator) processFile(ctx context.Context, req Request, file Upload) string {
	rec := &model.Memory{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Note:       req.Note,
		Kind:       model.KindFromContentType(file.ContentType),
		Visibility: req.Visibility,
		FileName:   file.FileName,
		FileSize:   int64(len(file.Content)),
		Status:     model.StatusUploading,
	}
	// Optimistic insert: the record is visible immediately with
	// status=uploading.
	o.store.Put(rec)

	// Local CID is best effort. The gateway's cid is authoritative; this one
	// only lets a dev node without a gateway still address its content.
	localCID := cas.ComputeCID(file.Content)
	if o.blobs != nil {
		if err := o.blobs.PutBlob(ctx, localCID, bytes.NewReader(file.Content), int64(len(file.Content)), file.ContentType); err != nil {
			log.Printf("local blob store unavailable for %s: %v", rec.ID, err)
		}
	}

	cid, pinned, proof, err := o.pin(ctx, req, file, localCID)
	if err != nil {
		// Terminal: no cid, no moderation, no archive placement.
		_ = o.store.UpdateByID(rec.ID, func(m *model.Memory) {
			m.Status = model.StatusError
			m.Error = err.Error()
			m.CID = ""
			m.Pinned = false
		})
		return rec.ID
	}

	status := model.StatusUploaded
	if pinned {
		status = model.StatusPinned
	}
	_ = o.store.UpdateByID(rec.ID, func(m *model.Memory) {
		m.Status = status
		m.CID = cid
		m.Pinned = pinned
		m.Proof = proof
	})

	if req.Visibility == model.VisibilityPublic {
		o.moderate(ctx, rec.ID, req, file, cid)
	}
	return rec.ID
}

// pin calls the remote gateway, or falls back to the local CID when no
// gateway is configured.
func (o *Orchestrator) pin(ctx context.Context, req Request, file Upload, localCID string) (cid string, pinned bool, proof *model.PinProof, err error) {
	if o.pinner == nil {
		return localCID, false, nil, nil
	}
	res, err := o.pinner.Pin(ctx, file.FileName, bytes.NewReader(file.Content), pinning.Metadata{
		Name:       file.FileName,
		Note:       req.Note,
		Type:       string(model.KindFromContentType(file.ContentType)),
		Visibility: string(req.Visibility),
		UserID:     req.UserID,
	})
	if err != nil {
		return "", false, nil, fmt.Errorf("pin failed: %w", err)
	}
	p := res.Proof
	return res.CID, res.Pinned, &p, nil
}

// moderate runs the public-archive gate. A rejection demotes the memory to
// private; a gateway failure fails closed, leaving the pin status untouched
// but keeping the memory out of the archive.
func (o *Orchestrator) moderate(ctx context.Context, id string, req Request, file Upload, cid string) {
	verdict, err := o.moderator.Moderate(ctx, moderation.Request{
		MemoryNote: req.Note,
		FileName:   file.FileName,
		FileType:   string(model.KindFromContentType(file.ContentType)),
		CID:        cid,
	})
	if err != nil {
		log.Printf("moderation unavailable for %s, keeping private: %v", id, err)
		_ = o.store.UpdateByID(id, func(m *model.Memory) {
			m.Visibility = model.VisibilityPrivate
			m.ModerationError = err.Error()
		})
		return
	}
	if verdict.Approved {
		_ = o.store.UpdateByID(id, func(m *model.Memory) {
			m.Status = model.StatusModerated
			m.Moderation = verdict
		})
		if err := o.store.AppendPublic(id); err != nil {
			log.Printf("archive placement failed for %s: %v", id, err)
		}
		return
	}
	_ = o.store.UpdateByID(id, func(m *model.Memory) {
		m.Status = model.StatusRejected
		m.Visibility = model.VisibilityPrivate
		m.Moderation = verdict
	})
}
