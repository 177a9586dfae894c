package archive

import (
	"errors"
	"sync"
	"testing"

	"github.com/etherith-archive/etherith/internal/model"
)

func TestPutAndGetReturnsCopy(t *testing.T) {
	s := New()
	s.Put(&model.Memory{ID: "a", Note: "first", Status: model.StatusUploading})
	rec, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec.Note = "mutated"
	again, _ := s.Get("a")
	if again.Note != "first" {
		t.Fatalf("store leaked internal reference: note = %q", again.Note)
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateByID(t *testing.T) {
	s := New()
	s.Put(&model.Memory{ID: "a", Status: model.StatusUploading})
	err := s.UpdateByID("a", func(m *model.Memory) {
		m.Status = model.StatusPinned
		m.CID = "QmTest"
		m.Pinned = true
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := s.Get("a")
	if rec.Status != model.StatusPinned || rec.CID != "QmTest" {
		t.Fatalf("update not applied: %+v", rec)
	}
	if err := s.UpdateByID("missing", func(m *model.Memory) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	s := New()
	for _, id := range []string{"c", "a", "b"} {
		s.Put(&model.Memory{ID: id})
	}
	snap := s.SnapshotMemories()
	if len(snap) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snap))
	}
	for i, want := range []string{"c", "a", "b"} {
		if snap[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, snap[i].ID, want)
		}
	}
}

func TestUpdateKeepsPosition(t *testing.T) {
	s := New()
	s.Put(&model.Memory{ID: "a"})
	s.Put(&model.Memory{ID: "b"})
	s.Put(&model.Memory{ID: "a", Note: "updated"})
	snap := s.SnapshotMemories()
	if snap[0].ID != "a" || snap[0].Note != "updated" {
		t.Fatalf("replaced record lost its position: %+v", snap)
	}
}

func TestAppendPublicDeduplicates(t *testing.T) {
	s := New()
	s.Put(&model.Memory{ID: "a"})
	if err := s.AppendPublic("a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendPublic("a"); err != nil {
		t.Fatalf("duplicate append should be a no-op, got %v", err)
	}
	if got := len(s.SnapshotPublic()); got != 1 {
		t.Fatalf("expected 1 public record, got %d", got)
	}
	if err := s.AppendPublic("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUpdatesStayAddressed(t *testing.T) {
	// Updates are keyed by id, so concurrent inserts must never redirect an
	// update onto a different record.
	s := New()
	s.Put(&model.Memory{ID: "target", Note: "keep"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Put(&model.Memory{ID: string(rune('A' + n%26))})
			_ = s.UpdateByID("target", func(m *model.Memory) {
				m.Status = model.StatusPinned
			})
		}(i)
	}
	wg.Wait()
	rec, err := s.Get("target")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Note != "keep" || rec.Status != model.StatusPinned {
		t.Fatalf("update landed on wrong record: %+v", rec)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := New()
	if s.Profile() != nil {
		t.Fatalf("expected nil profile")
	}
	s.SetProfile(&model.Profile{ID: "u1", Username: "keeper"})
	p := s.Profile()
	if p == nil || p.Username != "keeper" {
		t.Fatalf("profile round trip failed: %+v", p)
	}
}
