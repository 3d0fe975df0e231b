package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/warden/pkg/models"
)

const itemColumns = `id, parent_id, title, description, criteria, state, lease_holder,
	lease_expires_at, priority, class, depends_on, steward, artifacts,
	blocked_reason, needs, created_at, updated_at, completed_at`

// CreateItem inserts a new checklist item and appends its created event in
// one transaction. Missing identity, state, priority, and timestamps are
// filled in. The actor is recorded on the created event.
func (s *Store) CreateItem(it *models.Item, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.State == "" {
		it.State = models.StateTodo
	}
	if it.Priority == 0 {
		it.Priority = models.PriorityDefault
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = it.CreatedAt

	tx, err := s.conn.Begin()
	if err != nil {
		return storageErr("create item", err)
	}

	if err := insertItemTx(tx, it); err != nil {
		tx.Rollback()
		return storageErr("create item", err)
	}

	created := &models.Event{
		ID:        uuid.New().String(),
		ItemID:    it.ID,
		Kind:      models.EventCreated,
		Actor:     actor,
		NewState:  it.State,
		Timestamp: it.CreatedAt,
	}
	if err := insertEventTx(tx, created); err != nil {
		tx.Rollback()
		return storageErr("create item event", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("create item", err)
	}
	return nil
}

// GetItem retrieves an item by ID. Returns ErrNotFound for unknown ids.
func (s *Store) GetItem(id string) (*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return it, nil
}

// ListItems lists all items, optionally filtered by state, ordered by
// priority then creation time.
func (s *Store) ListItems(state *models.ItemState) ([]*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if state != nil {
		rows, err = s.conn.Query(`
			SELECT `+itemColumns+` FROM items WHERE state = ?
			ORDER BY priority, created_at
		`, string(*state))
	} else {
		rows, err = s.conn.Query(`
			SELECT ` + itemColumns + ` FROM items ORDER BY priority, created_at
		`)
	}
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListReady lists items in state todo whose dependencies are all done,
// ordered by priority then creation time, capped at limit (0 for no cap).
func (s *Store) ListReady(limit int) ([]*models.Item, error) {
	todo := models.StateTodo
	items, err := s.ListItems(&todo)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool)
	var ready []*models.Item
	for _, it := range items {
		ok := true
		for _, depID := range it.DependsOn {
			satisfied, seen := done[depID]
			if !seen {
				dep, err := s.GetItem(depID)
				switch {
				case errors.Is(err, ErrNotFound):
					// A dangling dependency keeps the item unready
					// rather than failing the whole listing.
					satisfied = false
				case err != nil:
					return nil, err
				default:
					satisfied = dep.State == models.StateDone
				}
				done[depID] = satisfied
			}
			if !satisfied {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, it)
			if limit > 0 && len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

// ListLeased lists items that currently have a lease holder recorded,
// regardless of whether the lease has lapsed.
func (s *Store) ListLeased() ([]*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT ` + itemColumns + ` FROM items
		WHERE lease_holder IS NOT NULL AND lease_holder != ''
		ORDER BY lease_expires_at
	`)
	if err != nil {
		return nil, storageErr("list leased", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListCompletedSince lists done items completed at or after the cutoff,
// most recent first.
func (s *Store) ListCompletedSince(cutoff time.Time) ([]*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE state = ? AND completed_at IS NOT NULL AND completed_at >= ?
		ORDER BY completed_at DESC
	`, string(models.StateDone), formatTime(cutoff))
	if err != nil {
		return nil, storageErr("list completed", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Mutate applies a transactional read-modify-write to one item. The
// function receives a fresh copy of the current row, mutates it, and
// returns the single event recording the mutation. No two mutations of
// the same item interleave: the store serializes writers. If fn returns
// an error the transaction is rolled back and the error is returned
// unwrapped, so domain errors pass through intact. Done items are
// terminal and the store rejects any mutation of them.
func (s *Store) Mutate(id string, fn func(*models.Item) (*models.Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return storageErr("mutate", err)
	}

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		tx.Rollback()
		return storageErr("mutate read", err)
	}

	if it.State.Terminal() {
		tx.Rollback()
		return fmt.Errorf("item %s is done and immutable", id)
	}

	ev, err := fn(it)
	if err != nil {
		tx.Rollback()
		return err
	}

	it.UpdatedAt = time.Now().UTC()
	if it.State == models.StateDone && it.CompletedAt == nil {
		t := it.UpdatedAt
		it.CompletedAt = &t
	}

	if err := updateItemTx(tx, it); err != nil {
		tx.Rollback()
		return storageErr("mutate write", err)
	}

	if ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.ItemID == "" {
			ev.ItemID = it.ID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = it.UpdatedAt
		}
		if err := insertEventTx(tx, ev); err != nil {
			tx.Rollback()
			return storageErr("mutate event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("mutate", err)
	}
	return nil
}

// insertItemTx inserts an item row inside a transaction.
func insertItemTx(tx *sql.Tx, it *models.Item) error {
	criteria, _ := json.Marshal(it.AcceptanceCriteria)
	dependsOn, _ := json.Marshal(it.DependsOn)
	artifacts, _ := json.Marshal(it.Artifacts)
	needs, _ := json.Marshal(it.Needs)

	_, err := tx.Exec(`
		INSERT INTO items (id, parent_id, title, description, criteria, state,
			lease_holder, lease_expires_at, priority, class, depends_on, steward,
			artifacts, blocked_reason, needs, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.ParentID, it.Title, it.Description, string(criteria), string(it.State),
		it.LeaseHolder, nullableTime(it.LeaseExpiresAt), it.Priority, string(it.Class),
		string(dependsOn), boolToInt(it.Steward), string(artifacts), it.BlockedReason,
		string(needs), formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
		nullableTime(it.CompletedAt))
	return err
}

// updateItemTx rewrites every mutable column of an item inside a transaction.
func updateItemTx(tx *sql.Tx, it *models.Item) error {
	criteria, _ := json.Marshal(it.AcceptanceCriteria)
	dependsOn, _ := json.Marshal(it.DependsOn)
	artifacts, _ := json.Marshal(it.Artifacts)
	needs, _ := json.Marshal(it.Needs)

	_, err := tx.Exec(`
		UPDATE items SET parent_id = ?, title = ?, description = ?, criteria = ?,
			state = ?, lease_holder = ?, lease_expires_at = ?, priority = ?,
			class = ?, depends_on = ?, steward = ?, artifacts = ?,
			blocked_reason = ?, needs = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, it.ParentID, it.Title, it.Description, string(criteria), string(it.State),
		it.LeaseHolder, nullableTime(it.LeaseExpiresAt), it.Priority, string(it.Class),
		string(dependsOn), boolToInt(it.Steward), string(artifacts), it.BlockedReason,
		string(needs), formatTime(it.UpdatedAt), nullableTime(it.CompletedAt), it.ID)
	return err
}

// scanItem scans one item row via the given scan function.
func scanItem(scan func(dest ...any) error) (*models.Item, error) {
	var it models.Item
	var parentID, description, criteria, leaseHolder sql.NullString
	var leaseExpires, class, dependsOn, artifacts sql.NullString
	var blockedReason, needs, completedAt sql.NullString
	var steward int
	var createdAt, updatedAt string

	err := scan(&it.ID, &parentID, &it.Title, &description, &criteria, &it.State,
		&leaseHolder, &leaseExpires, &it.Priority, &class, &dependsOn, &steward,
		&artifacts, &blockedReason, &needs, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		it.ParentID = parentID.String
	}
	if description.Valid {
		it.Description = description.String
	}
	if criteria.Valid {
		json.Unmarshal([]byte(criteria.String), &it.AcceptanceCriteria)
	}
	if leaseHolder.Valid {
		it.LeaseHolder = leaseHolder.String
	}
	it.LeaseExpiresAt = parseNullableTime(leaseExpires)
	if class.Valid {
		it.Class = models.TaskClass(class.String)
	}
	if dependsOn.Valid {
		json.Unmarshal([]byte(dependsOn.String), &it.DependsOn)
	}
	it.Steward = steward != 0
	if artifacts.Valid {
		json.Unmarshal([]byte(artifacts.String), &it.Artifacts)
	}
	if blockedReason.Valid {
		it.BlockedReason = blockedReason.String
	}
	if needs.Valid {
		json.Unmarshal([]byte(needs.String), &it.Needs)
	}
	it.CreatedAt, _ = parseTime(createdAt)
	it.UpdatedAt, _ = parseTime(updatedAt)
	it.CompletedAt = parseNullableTime(completedAt)
	return &it, nil
}

// scanItems scans all rows into a slice.
func scanItems(rows *sql.Rows) ([]*models.Item, error) {
	var items []*models.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan items", err)
	}
	return items, nil
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
