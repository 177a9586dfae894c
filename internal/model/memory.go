// Package model contains simple struct definitions shared across packages.
package model

import (
	"strings"
	"time"
)

// MemoryStatus describes the preservation lifecycle of a memory. Every upload
// attempt ends in exactly one terminal status; there is no retry path.
type MemoryStatus string

const (
	StatusUploading MemoryStatus = "uploading"
	StatusUploaded  MemoryStatus = "uploaded"
	StatusPinned    MemoryStatus = "pinned"
	StatusModerated MemoryStatus = "moderated"
	StatusRejected  MemoryStatus = "rejected"
	StatusError     MemoryStatus = "error"
)

// Visibility controls whether a memory may appear in the public archive.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// MemoryKind is the coarse file category derived from the MIME type.
type MemoryKind string

const (
	KindImage    MemoryKind = "image"
	KindVideo    MemoryKind = "video"
	KindAudio    MemoryKind = "audio"
	KindDocument MemoryKind = "document"
)

// KindFromContentType maps a MIME type onto a MemoryKind. Anything that is
// not image/video/audio counts as a document.
func KindFromContentType(contentType string) MemoryKind {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage
	case strings.HasPrefix(mediaType, "video/"):
		return KindVideo
	case strings.HasPrefix(mediaType, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// PinProof is the opaque evidence returned by the pinning gateway.
type PinProof struct {
	GatewayURL string    `json:"gatewayUrl,omitempty"`
	Pinned     bool      `json:"pinned"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// ModerationResult is the verdict returned by the moderation gateway.
type ModerationResult struct {
	Approved       bool               `json:"approved"`
	Confidence     float64            `json:"confidence,omitempty"`
	Categories     []string           `json:"categories,omitempty"`
	CategoryScores map[string]float64 `json:"categoryScores,omitempty"`
	Violations     []string           `json:"violations,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// Memory holds the metadata for one preserved file. The shared archive is the
// sole owner; handlers work on copies.
type Memory struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId,omitempty"`
	Note       string       `json:"note"`
	Kind       MemoryKind   `json:"type"`
	Visibility Visibility   `json:"visibility"`
	FileName   string       `json:"fileName"`
	FileSize   int64        `json:"fileSize"`
	Status     MemoryStatus `json:"status"`
	// CID stays empty until the pinning gateway confirms the upload. A memory
	// in the error status never carries a CID.
	CID             string            `json:"cid,omitempty"`
	Pinned          bool              `json:"pinned"`
	Proof           *PinProof         `json:"proof,omitempty"`
	Moderation      *ModerationResult `json:"moderation,omitempty"`
	ModerationError string            `json:"moderationError,omitempty"`
	Error           string            `json:"error,omitempty"`
	// ExtractedText holds searchable plain text pulled out of document
	// memories by the worker; it is never returned to clients.
	ExtractedText string    `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Terminal reports whether the memory has reached the end of its upload
// attempt.
func (m *Memory) Terminal() bool {
	switch m.Status {
	case StatusUploaded, StatusPinned, StatusModerated, StatusRejected, StatusError:
		return true
	}
	return false
}

// Profile is the opaque identity attached to new memories. It comes from an
// external auth layer (wallet address or a stored Discord profile); the
// service never performs OAuth itself.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarURL,omitempty"`
}

// SyncStatus is the informational indicator driven by the upload pipeline.
type SyncStatus string

const (
	SyncSynced    SyncStatus = "synced"
	SyncUploading SyncStatus = "uploading"
	SyncError     SyncStatus = "error"
)
