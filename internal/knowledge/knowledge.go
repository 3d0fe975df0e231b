// Package knowledge records notes and artifacts produced alongside
// item execution. Calls are fire-and-forget: the engine does not
// depend on their success, so failures are logged and swallowed.
package knowledge

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

// Sink writes notes and artifacts through the store.
type Sink struct {
	store  store.ChecklistStore
	logger *log.Logger
	now    func() time.Time
}

// NewSink creates a knowledge sink over the given store.
func NewSink(st store.ChecklistStore, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{
		store:  st,
		logger: logger.With("component", "knowledge"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends a free-form note to an item's event log.
func (s *Sink) Record(itemID, actor, text string) {
	if text == "" {
		return
	}
	err := s.store.AppendEvent(&models.Event{
		ItemID:    itemID,
		Kind:      models.EventNoteAdded,
		Actor:     actor,
		Rationale: text,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Warn("dropping note", "item_id", itemID, "actor", actor, "err", err)
	}
}

// Attach adds an artifact to an item and records the attachment event.
// Attachments to done items are dropped; done is immutable.
func (s *Sink) Attach(itemID, actor, artifactType, path string) {
	now := s.now()
	err := s.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		it.Artifacts = append(it.Artifacts, models.Artifact{
			Type:    artifactType,
			Path:    path,
			AddedBy: actor,
			AddedAt: now,
		})
		return &models.Event{
			Kind:  models.EventArtifactAttached,
			Actor: actor,
			Payload: map[string]string{
				"type": artifactType,
				"path": path,
			},
			Timestamp: now,
		}, nil
	})
	if err != nil {
		s.logger.Warn("dropping artifact", "item_id", itemID, "path", path, "err", err)
	}
}
