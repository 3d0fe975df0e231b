// Package agent runs checklist items through an external executor.
// The engine only sees the narrow Executor contract; the Claude
// implementation lives behind it.
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftline/warden/pkg/models"
)

// Result is the outcome of one execution attempt. Either the work
// completed and Artifacts/Notes describe what was produced, or it
// blocked and BlockedReason/Needs explain what is missing.
type Result struct {
	Artifacts     []models.Artifact
	Notes         []string
	BlockedReason string
	Needs         []string
}

// Blocked reports whether the attempt ended blocked rather than done.
func (r *Result) Blocked() bool {
	return r.BlockedReason != ""
}

// Executor runs one checklist item to completion or a blocked state.
// The context carries the lease deadline; implementations must stop
// work and must not report results once it is exceeded.
type Executor interface {
	Run(ctx context.Context, item *models.Item, plan string) (*Result, error)
}

// NewActorID returns a fresh opaque actor identity. The engine performs
// no authentication; identities only scope leases and event attribution.
func NewActorID(role string) string {
	return fmt.Sprintf("%s-%s", role, uuid.New().String()[:8])
}
