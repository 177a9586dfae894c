package cas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/etherith-archive/etherith/internal/model"
)

// Export is the portable archive manifest: every record the node holds plus
// the pinned CIDs needed to re-fetch content from any IPFS gateway.
type Export struct {
	ExportedAt    time.Time      `json:"exportedAt"`
	Profile       *model.Profile `json:"profile,omitempty"`
	Memories      []model.Memory `json:"memories"`
	PublicArchive []model.Memory `json:"publicArchive"`
	PinnedCIDs    []string       `json:"pinnedCids"`
}

// BuildExport assembles the manifest and serializes it as indented JSON so
// the export stays readable outside the application.
func BuildExport(profile *model.Profile, memories, public []model.Memory) ([]byte, error) {
	exp := Export{
		ExportedAt:    time.Now().UTC(),
		Profile:       profile,
		Memories:      memories,
		PublicArchive: public,
	}
	for _, m := range memories {
		if m.Pinned && m.CID != "" {
			exp.PinnedCIDs = append(exp.PinnedCIDs, m.CID)
		}
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}
