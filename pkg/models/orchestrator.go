package models

import "time"

// OrchestratorStatus represents the liveness status of an orchestrator.
type OrchestratorStatus string

const (
	// OrchestratorActive indicates the orchestrator is heartbeating normally.
	OrchestratorActive OrchestratorStatus = "active"
	// OrchestratorRevived indicates the orchestrator was revived by the sentinel.
	OrchestratorRevived OrchestratorStatus = "revived"
)

// OrchestratorState tracks the liveness of one orchestrator process.
// Created on first activity, updated on every heartbeat and revival.
type OrchestratorState struct {
	// ID is the orchestrator identifier.
	ID string `json:"id"`
	// LastActivity is the most recent heartbeat time.
	LastActivity time.Time `json:"last_activity"`
	// RevivalCount is how many times the sentinel has revived this orchestrator.
	RevivalCount int `json:"revival_count"`
	// Status is the current liveness status.
	Status OrchestratorStatus `json:"status"`
}

// Stalled returns true if the orchestrator's last activity is older than
// the given timeout as of now.
func (o *OrchestratorState) Stalled(now time.Time, timeout time.Duration) bool {
	return now.Sub(o.LastActivity) > timeout
}
