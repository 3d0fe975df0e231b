package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/driftline/warden/pkg/models"
)

// GetOrchestrator retrieves orchestrator liveness state by ID.
// Returns ErrNotFound if the orchestrator has never reported activity.
func (s *Store) GetOrchestrator(id string) (*models.OrchestratorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`
		SELECT id, last_activity, revival_count, status
		FROM orchestrator_state WHERE id = ?
	`, id)

	var o models.OrchestratorState
	var lastActivity string
	err := row.Scan(&o.ID, &lastActivity, &o.RevivalCount, &o.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("orchestrator %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get orchestrator", err)
	}
	o.LastActivity, _ = parseTime(lastActivity)
	return &o, nil
}

// ListOrchestrators lists all known orchestrators.
func (s *Store) ListOrchestrators() ([]*models.OrchestratorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT id, last_activity, revival_count, status
		FROM orchestrator_state ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("list orchestrators", err)
	}
	defer rows.Close()

	var out []*models.OrchestratorState
	for rows.Next() {
		var o models.OrchestratorState
		var lastActivity string
		if err := rows.Scan(&o.ID, &lastActivity, &o.RevivalCount, &o.Status); err != nil {
			return nil, storageErr("scan orchestrator", err)
		}
		o.LastActivity, _ = parseTime(lastActivity)
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan orchestrators", err)
	}
	return out, nil
}

// TouchOrchestrator records a heartbeat, creating the row on first activity.
func (s *Store) TouchOrchestrator(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO orchestrator_state (id, last_activity, revival_count, status)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity
	`, id, formatTime(now), string(models.OrchestratorActive))
	if err != nil {
		return storageErr("touch orchestrator", err)
	}
	return nil
}

// UpdateOrchestrator rewrites orchestrator state, creating the row if
// the orchestrator was never seen before.
func (s *Store) UpdateOrchestrator(o *models.OrchestratorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO orchestrator_state (id, last_activity, revival_count, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = excluded.last_activity,
			revival_count = excluded.revival_count,
			status = excluded.status
	`, o.ID, formatTime(o.LastActivity), o.RevivalCount, string(o.Status))
	if err != nil {
		return storageErr("update orchestrator", err)
	}
	return nil
}
