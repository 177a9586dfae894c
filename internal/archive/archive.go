// Package archive contains the in-memory shared store that owns all memory
// records, the user profile, and the public archive. It is the single source
// of truth; callers receive copies and never hold references into the store.
package archive

import (
	"errors"
	"sync"
	"time"

	"github.com/etherith-archive/etherith/internal/model"
)

var (
	// ErrNotFound is exported so callers can compare errors using errors.Is.
	ErrNotFound = errors.New("memory not found")
)

// Store keeps memories addressed by id while preserving insertion order.
// Records are updated by id under the write lock, so a concurrent insert or
// removal can never redirect an update to the wrong record.
type Store struct {
	mu       sync.RWMutex
	memories map[string]*model.Memory
	order    []string
	public   []string
	profile  *model.Profile
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		memories: make(map[string]*model.Memory),
	}
}

// Put inserts or replaces a record. New ids are appended to the insertion
// order; existing ids keep their position.
func (s *Store) Put(m *model.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.UpdatedAt = now
	if _, ok := s.memories[m.ID]; !ok {
		s.order = append(s.order, m.ID)
	}
	stored := *m
	s.memories[m.ID] = &stored
}

// UpdateByID applies fn to the record under the write lock. The mutation is
// atomic with respect to concurrent structural changes to the collection.
func (s *Store) UpdateByID(id string, fn func(*model.Memory)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.memories[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// SnapshotMemories returns copies of every record in insertion order.
func (s *Store) SnapshotMemories() []model.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Memory, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.memories[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// AppendPublic adds a record to the public archive. Duplicate appends are
// ignored so replaying a pipeline stage cannot double-list a memory.
func (s *Store) AppendPublic(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.public {
		if existing == id {
			return nil
		}
	}
	s.public = append(s.public, id)
	return nil
}

// SnapshotPublic returns copies of the public archive in append order.
func (s *Store) SnapshotPublic() []model.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Memory, 0, len(s.public))
	for _, id := range s.public {
		if rec, ok := s.memories[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// SetProfile stores the opaque identity used to stamp new memories.
func (s *Store) SetProfile(p *model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		s.profile = nil
		return
	}
	cp := *p
	s.profile = &cp
}

// Profile returns a copy of the stored profile, or nil when none is set.
func (s *Store) Profile() *model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}
