package models

import "time"

// EventKind identifies the type of a checklist event.
type EventKind string

const (
	// EventCreated records item creation.
	EventCreated EventKind = "created"
	// EventClaimed records a successful lease claim.
	EventClaimed EventKind = "claimed"
	// EventLeaseRenewed records a lease renewal by the current holder.
	EventLeaseRenewed EventKind = "lease_renewed"
	// EventLeaseExpired records a lease ending: voluntary release,
	// revocation, or reclaim of a lapsed lease.
	EventLeaseExpired EventKind = "lease_expired"
	// EventStateChanged records a state transition.
	EventStateChanged EventKind = "state_changed"
	// EventNoteAdded records a free-form note from a collaborator.
	EventNoteAdded EventKind = "note_added"
	// EventArtifactAttached records an artifact attachment.
	EventArtifactAttached EventKind = "artifact_attached"
	// EventBlocked records an item becoming blocked.
	EventBlocked EventKind = "blocked"
	// EventUnblocked records an item leaving the blocked state.
	EventUnblocked EventKind = "unblocked"
	// EventVerified records a verification pass.
	EventVerified EventKind = "verified"
	// EventRevived records an orchestrator revival. Meta-event: ItemID is empty.
	EventRevived EventKind = "revived"
)

// Valid returns true if the kind is a known value.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventClaimed, EventLeaseRenewed, EventLeaseExpired,
		EventStateChanged, EventNoteAdded, EventArtifactAttached,
		EventBlocked, EventUnblocked, EventVerified, EventRevived:
		return true
	default:
		return false
	}
}

// Event is one entry in the append-only checklist event log.
// Events are immutable once written: never updated, never deleted.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// ItemID is the item this event belongs to. Empty for
	// orchestrator-level meta-events such as revivals.
	ItemID string `json:"item_id,omitempty"`
	// Kind is the event type.
	Kind EventKind `json:"kind"`
	// Actor is the identity that caused the event.
	Actor string `json:"actor"`
	// OldState is the state before the event, if it changed state.
	OldState ItemState `json:"old_state,omitempty"`
	// NewState is the state after the event, if it changed state.
	NewState ItemState `json:"new_state,omitempty"`
	// Payload carries structured event-specific details.
	Payload map[string]string `json:"payload,omitempty"`
	// Rationale is a free-form explanation for the event.
	Rationale string `json:"rationale,omitempty"`
	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`
}
