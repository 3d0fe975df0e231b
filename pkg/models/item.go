package models

import "time"

// ItemState represents the current state of a checklist item.
type ItemState string

const (
	// StateTodo indicates the item has not been claimed.
	StateTodo ItemState = "todo"
	// StateInProgress indicates an agent holds a lease and is working.
	StateInProgress ItemState = "in_progress"
	// StateBlocked indicates the item cannot proceed.
	StateBlocked ItemState = "blocked"
	// StateWaitingReview indicates work is submitted and awaiting verification.
	StateWaitingReview ItemState = "waiting_review"
	// StateDone indicates the item passed verification. Done is terminal.
	StateDone ItemState = "done"
)

// Valid returns true if the state is a known value.
func (s ItemState) Valid() bool {
	switch s {
	case StateTodo, StateInProgress, StateBlocked, StateWaitingReview, StateDone:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this state.
func (s ItemState) Terminal() bool {
	return s == StateDone
}

// TaskClass categorizes an item for wave priority scoring.
type TaskClass string

const (
	// ClassCritical covers security and correctness-critical work.
	ClassCritical TaskClass = "critical"
	// ClassArchitecture covers design and structural work.
	ClassArchitecture TaskClass = "architecture"
	// ClassImplementation covers ordinary feature work.
	ClassImplementation TaskClass = "implementation"
	// ClassTesting covers test and verification work.
	ClassTesting TaskClass = "testing"
)

// Priority bounds. 1 is the most urgent, 5 the least.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// Artifact records a work product attached to an item.
type Artifact struct {
	// Type describes the artifact kind (file, patch, report, ...).
	Type string `json:"type"`
	// Path locates the artifact.
	Path string `json:"path"`
	// AddedBy is the actor that attached the artifact.
	AddedBy string `json:"added_by"`
	// AddedAt is when the artifact was attached.
	AddedAt time.Time `json:"added_at"`
}

// Item represents a single checklist item: a durable unit of work that
// agents claim under a lease and drive to done.
type Item struct {
	// ID is the unique identifier for this item.
	ID string `json:"id"`
	// ParentID is the ID of the parent item, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Title is the short description of the item.
	Title string `json:"title"`
	// Description provides detailed information about the item.
	Description string `json:"description,omitempty"`
	// AcceptanceCriteria lists the conditions verification checks.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// State is the current state of the item.
	State ItemState `json:"state"`
	// LeaseHolder is the actor currently holding the lease, if any.
	LeaseHolder string `json:"lease_holder,omitempty"`
	// LeaseExpiresAt is when the current lease lapses.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	// Priority orders ready items, 1 (highest) through 5 (lowest).
	Priority int `json:"priority"`
	// Class is the wave-priority category of the item.
	Class TaskClass `json:"class,omitempty"`
	// DependsOn lists item IDs that must be done before this item.
	DependsOn []string `json:"depends_on,omitempty"`
	// Steward marks a long-lived task that occupies a reserved wave slot.
	Steward bool `json:"steward,omitempty"`
	// Artifacts lists work products attached to this item.
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// BlockedReason explains why the item is blocked, if it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// Needs lists what a blocked item is waiting on.
	Needs []string `json:"needs,omitempty"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the item was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the item reached done, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LeaseActive returns true if the item has a holder whose lease has not
// lapsed as of now.
func (it *Item) LeaseActive(now time.Time) bool {
	return it.LeaseHolder != "" && it.LeaseExpiresAt != nil && it.LeaseExpiresAt.After(now)
}

// LeaseExpired returns true if the item has a holder but the lease has lapsed.
func (it *Item) LeaseExpired(now time.Time) bool {
	return it.LeaseHolder != "" && it.LeaseExpiresAt != nil && !it.LeaseExpiresAt.After(now)
}

// ClassScore returns the wave-priority score for the item's class.
// Higher scores are scheduled first.
func (it *Item) ClassScore() int {
	switch it.Class {
	case ClassCritical:
		return 4
	case ClassArchitecture:
		return 3
	case ClassImplementation:
		return 2
	case ClassTesting:
		return 1
	default:
		return 2
	}
}
