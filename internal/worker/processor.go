package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/model"
	"github.com/etherith-archive/etherith/internal/moderation"
	"github.com/etherith-archive/etherith/internal/pinning"
	"github.com/etherith-archive/etherith/internal/queue"
	"github.com/etherith-archive/etherith/internal/repository"
	"github.com/etherith-archive/etherith/internal/textextract"
)

// Processor is plugged into the asynq worker loop. It runs the preservation
// pipeline for records the API has already stored with status=uploading.
type Processor struct {
	repo      *repository.MemoryRepository
	blobs     *cas.BlobStore
	pinner    pinning.Pinner
	moderator moderation.Moderator
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo *repository.MemoryRepository, blobs *cas.BlobStore, pinner pinning.Pinner, moderator moderation.Moderator) *Processor {
	return &Processor{repo: repo, blobs: blobs, pinner: pinner, moderator: moderator}
}

// Handler registers the preserve job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.PreserveMemoryTask, p.handlePreserve)
	return mux
}

// handlePreserve runs pin → moderate → archive for one memory. Pipeline
// failures are terminal for the record: the error is written to the row and
// nil is returned so asynq does not retry a record that already reached a
// terminal status.
func (p *Processor) handlePreserve(ctx context.Context, task *asynq.Task) error {
	var payload queue.PreservePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	failure := func(err error) error {
		log.Printf("preserve failed for %s: %v", payload.MemoryID, err)
		_ = p.repo.MarkError(ctx, payload.MemoryID, err.Error())
		return nil
	}

	data, err := p.blobs.GetBlob(ctx, payload.LocalCID)
	if err != nil {
		return failure(err)
	}

	cid := payload.LocalCID
	pinned := false
	var proof *model.PinProof
	if p.pinner != nil {
		res, err := p.pinner.Pin(ctx, payload.FileName, bytes.NewReader(data), pinning.Metadata{
			Name:       payload.FileName,
			Note:       payload.Note,
			Type:       string(model.KindFromContentType(payload.ContentType)),
			Visibility: payload.Visibility,
			UserID:     payload.UserID,
		})
		if err != nil {
			return failure(fmt.Errorf("pin failed: %w", err))
		}
		cid = res.CID
		pinned = res.Pinned
		pr := res.Proof
		proof = &pr
	}
	if err := p.repo.MarkPinResult(ctx, payload.MemoryID, cid, pinned, proof); err != nil {
		return failure(err)
	}

	// Best effort: document memories get searchable text.
	if model.KindFromContentType(payload.ContentType) == model.KindDocument {
		if text, err := textextract.Extract(data, payload.ContentType); err != nil {
			log.Printf("text extraction failed for %s: %v", payload.MemoryID, err)
		} else if text != "" {
			if err := p.repo.SetExtractedText(ctx, payload.MemoryID, text); err != nil {
				log.Printf("store extracted text for %s: %v", payload.MemoryID, err)
			}
		}
	}

	if model.Visibility(payload.Visibility) == model.VisibilityPublic {
		p.moderate(ctx, payload, cid)
	}
	log.Printf("memory %s preserved (cid %s)", payload.MemoryID, cid)
	return nil
}

// moderate applies the public-archive gate; a gateway failure fails closed.
func (p *Processor) moderate(ctx context.Context, payload queue.PreservePayload, cid string) {
	verdict, err := p.moderator.Moderate(ctx, moderation.Request{
		MemoryNote: payload.Note,
		FileName:   payload.FileName,
		FileType:   string(model.KindFromContentType(payload.ContentType)),
		CID:        cid,
	})
	if err != nil {
		log.Printf("moderation unavailable for %s, keeping private: %v", payload.MemoryID, err)
		_ = p.repo.MarkModerationError(ctx, payload.MemoryID, err.Error())
		return
	}
	if verdict.Approved {
		if err := p.repo.MarkModerated(ctx, payload.MemoryID, verdict); err != nil {
			log.Printf("mark moderated %s: %v", payload.MemoryID, err)
		}
		return
	}
	if err := p.repo.MarkRejected(ctx, payload.MemoryID, verdict); err != nil {
		log.Printf("mark rejected %s: %v", payload.MemoryID, err)
	}
}
