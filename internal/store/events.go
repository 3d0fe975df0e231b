package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/warden/pkg/models"
)

const eventColumns = `id, item_id, kind, actor, old_state, new_state, payload, rationale, timestamp`

// AppendEvent appends an event to the log. Missing id and timestamp are
// filled in. Events are immutable once written.
func (s *Store) AppendEvent(ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return storageErr("append event", err)
	}
	if err := insertEventTx(tx, ev); err != nil {
		tx.Rollback()
		return storageErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("append event", err)
	}
	return nil
}

// ListEvents lists the events for an item ordered by append time. An
// empty item id lists orchestrator-level meta-events.
func (s *Store) ListEvents(itemID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE item_id = ? ORDER BY timestamp, rowid
	`, itemID)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// insertEventTx inserts one event row inside a transaction.
func insertEventTx(tx *sql.Tx, ev *models.Event) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload, _ = json.Marshal(ev.Payload)
	}

	_, err := tx.Exec(`
		INSERT INTO events (id, item_id, kind, actor, old_state, new_state, payload, rationale, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ItemID, string(ev.Kind), ev.Actor, string(ev.OldState),
		string(ev.NewState), string(payload), ev.Rationale, formatTime(ev.Timestamp))
	return err
}

// scanEvents scans all event rows into a slice.
func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		var itemID, oldState, newState, payload, rationale sql.NullString
		var timestamp string
		if err := rows.Scan(&ev.ID, &itemID, &ev.Kind, &ev.Actor, &oldState,
			&newState, &payload, &rationale, &timestamp); err != nil {
			return nil, storageErr("scan event", err)
		}
		if itemID.Valid {
			ev.ItemID = itemID.String
		}
		if oldState.Valid {
			ev.OldState = models.ItemState(oldState.String)
		}
		if newState.Valid {
			ev.NewState = models.ItemState(newState.String)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		if rationale.Valid {
			ev.Rationale = rationale.String
		}
		ev.Timestamp, _ = parseTime(timestamp)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan events", err)
	}
	return events, nil
}
