// Package repository wraps all SQL used by the hosted API and worker.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/etherith-archive/etherith/internal/model"
)

// ErrNotFound signals a missing memory id.
var ErrNotFound = errors.New("memory not found")

// MemoryRepository persists memory records in Postgres.
type MemoryRepository struct {
	pool *pgxpool.Pool
}

// NewMemoryRepository constructs a repository.
func NewMemoryRepository(pool *pgxpool.Pool) *MemoryRepository {
	return &MemoryRepository{pool: pool}
}

// Create inserts a new record with status=uploading before the pipeline
// starts.
func (r *MemoryRepository) Create(ctx context.Context, m *model.Memory) error {
	now := time.Now().UTC()
	m.Status = model.StatusUploading
	m.Timestamp = now
	m.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, note, kind, visibility, file_name, file_size, status, cid, pinned, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.UserID, m.Note, m.Kind, m.Visibility, m.FileName, m.FileSize, m.Status, nil, false, m.Timestamp, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get returns a memory by id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(user_id,''), note, kind, visibility, file_name, file_size, status,
		       COALESCE(cid,''), pinned, proof, moderation,
		       COALESCE(moderation_error,''), COALESCE(error_message,''), COALESCE(extracted_text,''),
		       created_at, updated_at
		FROM memories WHERE id=$1
	`, id)
	return scanMemory(row)
}

// MarkPinResult records a successful gateway pin: status pinned or uploaded,
// the cid, and the proof.
func (r *MemoryRepository) MarkPinResult(ctx context.Context, id, cid string, pinned bool, proof *model.PinProof) error {
	status := model.StatusUploaded
	if pinned {
		status = model.StatusPinned
	}
	proofJSON, err := marshalNullable(proof)
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE memories SET status=$1, cid=$2, pinned=$3, proof=$4, updated_at=$5 WHERE id=$6
	`, status, cid, pinned, proofJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update pin result: %w", err)
	}
	return nil
}

// MarkError records a terminal pipeline failure. The cid is cleared to keep
// the error-implies-no-cid invariant.
func (r *MemoryRepository) MarkError(ctx context.Context, id, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memories SET status=$1, cid=NULL, pinned=FALSE, error_message=$2, updated_at=$3 WHERE id=$4
	`, model.StatusError, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}

// MarkModerated stores an approving verdict and promotes the record into the
// public archive listing.
func (r *MemoryRepository) MarkModerated(ctx context.Context, id string, verdict *model.ModerationResult) error {
	verdictJSON, err := marshalNullable(verdict)
	if err != nil {
		return fmt.Errorf("marshal moderation: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE memories SET status=$1, moderation=$2, updated_at=$3 WHERE id=$4
	`, model.StatusModerated, verdictJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update moderated: %w", err)
	}
	return nil
}

// MarkRejected stores a rejecting verdict and forces the record private.
func (r *MemoryRepository) MarkRejected(ctx context.Context, id string, verdict *model.ModerationResult) error {
	verdictJSON, err := marshalNullable(verdict)
	if err != nil {
		return fmt.Errorf("marshal moderation: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE memories SET status=$1, visibility=$2, moderation=$3, updated_at=$4 WHERE id=$5
	`, model.StatusRejected, model.VisibilityPrivate, verdictJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update rejected: %w", err)
	}
	return nil
}

// MarkModerationError fails closed: visibility drops to private, the error
// is recorded, and the pin status is left untouched.
func (r *MemoryRepository) MarkModerationError(ctx context.Context, id, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memories SET visibility=$1, moderation_error=$2, updated_at=$3 WHERE id=$4
	`, model.VisibilityPrivate, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update moderation error: %w", err)
	}
	return nil
}

// SetExtractedText stores searchable plain text for document memories.
func (r *MemoryRepository) SetExtractedText(ctx context.Context, id, text string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memories SET extracted_text=$1, updated_at=$2 WHERE id=$3
	`, text, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update extracted text: %w", err)
	}
	return nil
}

// ListPublic returns the public archive: moderated, public records in
// creation order.
func (r *MemoryRepository) ListPublic(ctx context.Context) ([]model.Memory, error) {
	return r.queryMemories(ctx, `
		SELECT id, COALESCE(user_id,''), note, kind, visibility, file_name, file_size, status,
		       COALESCE(cid,''), pinned, proof, moderation,
		       COALESCE(moderation_error,''), COALESCE(error_message,''), COALESCE(extracted_text,''),
		       created_at, updated_at
		FROM memories
		WHERE visibility='public' AND status='moderated'
		ORDER BY created_at
	`)
}

// SearchPublic filters the public archive with the same case-insensitive
// substring semantics as archive.Search.
func (r *MemoryRepository) SearchPublic(ctx context.Context, term string) ([]model.Memory, error) {
	if term == "" {
		return r.ListPublic(ctx)
	}
	return r.queryMemories(ctx, `
		SELECT id, COALESCE(user_id,''), note, kind, visibility, file_name, file_size, status,
		       COALESCE(cid,''), pinned, proof, moderation,
		       COALESCE(moderation_error,''), COALESCE(error_message,''), COALESCE(extracted_text,''),
		       created_at, updated_at
		FROM memories
		WHERE visibility='public' AND status='moderated'
		  AND (note ILIKE $1 OR file_name ILIKE $1 OR kind ILIKE $1 OR COALESCE(extracted_text,'') ILIKE $1)
		ORDER BY created_at
	`, searchPattern(term))
}

// searchPattern turns a search term into an ILIKE pattern that matches the
// term as a literal substring. Pattern metacharacters in the term are
// escaped so "50%" matches only "50%", not everything containing "50".
func searchPattern(term string) string {
	return "%" + escapeLike(term) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

func (r *MemoryRepository) queryMemories(ctx context.Context, query string, args ...any) ([]model.Memory, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var (
		m              model.Memory
		proofJSON      []byte
		moderationJSON []byte
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Note, &m.Kind, &m.Visibility, &m.FileName, &m.FileSize, &m.Status,
		&m.CID, &m.Pinned, &proofJSON, &moderationJSON,
		&m.ModerationError, &m.Error, &m.ExtractedText,
		&m.Timestamp, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	if len(proofJSON) > 0 {
		var proof model.PinProof
		if err := json.Unmarshal(proofJSON, &proof); err != nil {
			return nil, fmt.Errorf("decode proof: %w", err)
		}
		m.Proof = &proof
	}
	if len(moderationJSON) > 0 {
		var verdict model.ModerationResult
		if err := json.Unmarshal(moderationJSON, &verdict); err != nil {
			return nil, fmt.Errorf("decode moderation: %w", err)
		}
		m.Moderation = &verdict
	}
	return &m, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
