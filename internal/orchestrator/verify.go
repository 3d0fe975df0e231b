package orchestrator

import (
	"context"
	"errors"

	"github.com/driftline/warden/pkg/models"
)

// ErrVerificationFailed is returned by Verify when a submitted item
// does not satisfy its acceptance criteria.
var ErrVerificationFailed = errors.New("verification failed")

// Verifier decides whether a waiting_review item's artifacts satisfy
// its acceptance criteria. On failure it names the failing criteria.
type Verifier interface {
	Verify(ctx context.Context, it *models.Item) (ok bool, failing []string, err error)
}

// ArtifactVerifier is the default rule-based verifier: an item with
// acceptance criteria must have produced at least one artifact. Items
// without criteria pass unconditionally. Richer checks plug in behind
// the Verifier interface.
type ArtifactVerifier struct{}

func (ArtifactVerifier) Verify(_ context.Context, it *models.Item) (bool, []string, error) {
	if len(it.AcceptanceCriteria) == 0 {
		return true, nil, nil
	}
	if len(it.Artifacts) > 0 {
		return true, nil, nil
	}
	failing := make([]string, len(it.AcceptanceCriteria))
	copy(failing, it.AcceptanceCriteria)
	return false, failing, nil
}
