package store

import (
	"io"
	"time"

	"github.com/driftline/warden/pkg/models"
)

// ItemStore handles checklist item persistence.
type ItemStore interface {
	CreateItem(it *models.Item, actor string) error
	GetItem(id string) (*models.Item, error)
	ListItems(state *models.ItemState) ([]*models.Item, error)
	ListReady(limit int) ([]*models.Item, error)
	ListLeased() ([]*models.Item, error)
	ListCompletedSince(cutoff time.Time) ([]*models.Item, error)
	Mutate(id string, fn func(*models.Item) (*models.Event, error)) error
}

// EventStore handles the append-only event log.
type EventStore interface {
	AppendEvent(ev *models.Event) error
	ListEvents(itemID string) ([]*models.Event, error)
}

// OrchestratorStore handles orchestrator liveness state.
type OrchestratorStore interface {
	GetOrchestrator(id string) (*models.OrchestratorState, error)
	ListOrchestrators() ([]*models.OrchestratorState, error)
	TouchOrchestrator(id string, now time.Time) error
	UpdateOrchestrator(o *models.OrchestratorState) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// ChecklistStore is the full persistence contract the engine depends on.
// Components accept this interface so any backend satisfying the
// transactional contract can stand in for SQLite.
type ChecklistStore interface {
	io.Closer
	Migrator
	ItemStore
	EventStore
	OrchestratorStore
}

// Compile-time verification that Store implements all interfaces.
var (
	_ ChecklistStore    = (*Store)(nil)
	_ ItemStore         = (*Store)(nil)
	_ EventStore        = (*Store)(nil)
	_ OrchestratorStore = (*Store)(nil)
)
