package knowledge

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

func setupSink(t *testing.T) (*Sink, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSink(st, log.New(io.Discard)), st
}

func TestRecordAppendsNote(t *testing.T) {
	s, st := setupSink(t)

	if err := st.CreateItem(&models.Item{ID: "task", Title: "task"}, "test"); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	s.Record("task", "agent-1", "tried the cache path first")

	events, err := st.ListEvents("task")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != models.EventNoteAdded {
		t.Errorf("last event kind = %s, want note_added", last.Kind)
	}
	if last.Rationale != "tried the cache path first" {
		t.Errorf("rationale = %q", last.Rationale)
	}
}

func TestRecordEmptyTextDropped(t *testing.T) {
	s, st := setupSink(t)

	if err := st.CreateItem(&models.Item{ID: "task", Title: "task"}, "test"); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	s.Record("task", "agent-1", "")

	events, _ := st.ListEvents("task")
	if len(events) != 1 {
		t.Errorf("got %d events, want only the created event", len(events))
	}
}

func TestAttachAddsArtifact(t *testing.T) {
	s, st := setupSink(t)

	if err := st.CreateItem(&models.Item{ID: "task", Title: "task"}, "test"); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	s.Attach("task", "agent-1", "file", "internal/fetch/retry.go")

	it, err := st.GetItem("task")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if len(it.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(it.Artifacts))
	}
	if it.Artifacts[0].Path != "internal/fetch/retry.go" {
		t.Errorf("artifact path = %q", it.Artifacts[0].Path)
	}
	if it.Artifacts[0].AddedBy != "agent-1" {
		t.Errorf("artifact added_by = %q", it.Artifacts[0].AddedBy)
	}

	events, _ := st.ListEvents("task")
	last := events[len(events)-1]
	if last.Kind != models.EventArtifactAttached {
		t.Errorf("last event kind = %s, want artifact_attached", last.Kind)
	}
}

func TestAttachUnknownItemSwallowed(t *testing.T) {
	s, _ := setupSink(t)

	// Must not panic or propagate; the sink logs and moves on.
	s.Attach("ghost", "agent-1", "file", "somewhere.go")
	s.Record("ghost", "agent-1", "orphan note")
}

func TestAttachDoneItemSwallowed(t *testing.T) {
	s, st := setupSink(t)

	if err := st.CreateItem(&models.Item{ID: "task", Title: "task"}, "test"); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	err := st.Mutate("task", func(it *models.Item) (*models.Event, error) {
		it.State = models.StateDone
		return &models.Event{Kind: models.EventStateChanged, Actor: "test", NewState: models.StateDone}, nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	s.Attach("task", "agent-1", "file", "late.go")

	it, _ := st.GetItem("task")
	if len(it.Artifacts) != 0 {
		t.Errorf("done item gained artifacts: %v", it.Artifacts)
	}
}
