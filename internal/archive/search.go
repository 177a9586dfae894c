package archive

import (
	"strings"

	"github.com/etherith-archive/etherith/internal/model"
)

// Search returns the public-archive records whose note, file name, or type
// contains term as a case-insensitive substring, preserving archive order.
// Document memories also match on their extracted text when present. An
// empty term returns the full archive unchanged.
func (s *Store) Search(term string) []model.Memory {
	snapshot := s.SnapshotPublic()
	if term == "" {
		return snapshot
	}
	needle := strings.ToLower(term)
	out := make([]model.Memory, 0, len(snapshot))
	for _, m := range snapshot {
		if memoryMatches(&m, needle) {
			out = append(out, m)
		}
	}
	return out
}

func memoryMatches(m *model.Memory, needle string) bool {
	if strings.Contains(strings.ToLower(m.Note), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(m.FileName), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(string(m.Kind)), needle) {
		return true
	}
	if m.ExtractedText != "" && strings.Contains(strings.ToLower(m.ExtractedText), needle) {
		return true
	}
	return false
}
