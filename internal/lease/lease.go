// Package lease implements time-bounded exclusive claims on checklist
// items. A lease is the (holder, expiry) pair on the item itself; it
// grants the holder sole write access until it expires or is released.
// There is no preemption: a runaway holder simply stops being renewed
// and the sweep reclaims the item after expiry.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

// ErrConflict is returned when a lease operation is attempted by an
// actor that does not hold a live lease on the item.
var ErrConflict = errors.New("lease held by another actor")

// ErrDependencyUnsatisfied is returned when claiming an item whose
// dependencies are not all done.
var ErrDependencyUnsatisfied = errors.New("dependency not satisfied")

// DefaultDuration is the lease window granted on claim.
const DefaultDuration = 600 * time.Second

// Manager mediates claim, renew, release, and reclaim on top of the
// store. Every successful operation appends exactly one event inside
// the same transaction as the item update.
type Manager struct {
	items    store.ItemStore
	duration time.Duration
	now      func() time.Time
}

// NewManager creates a lease manager. A non-positive duration falls
// back to DefaultDuration.
func NewManager(items store.ItemStore, duration time.Duration) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{
		items:    items,
		duration: duration,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test use only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Duration reports the lease window granted on claim.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Claim takes a lease on an item for the given holder. The plan, if
// any, is the holder's stated approach and is recorded on the Claimed
// event. It fails with ErrDependencyUnsatisfied if any dependency is
// not done, and with ErrConflict if another actor holds a live lease.
// On success the item moves to in_progress and the returned expiry is
// now plus the lease duration.
func (m *Manager) Claim(itemID, holder, plan string) (time.Time, error) {
	it, err := m.items.GetItem(itemID)
	if err != nil {
		return time.Time{}, err
	}

	// Dependencies only move toward done and done is terminal, so a
	// gate that passed here cannot be invalidated before the write.
	for _, depID := range it.DependsOn {
		dep, err := m.items.GetItem(depID)
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, fmt.Errorf("claim %s: dependency %s missing: %w", itemID, depID, ErrDependencyUnsatisfied)
		}
		if err != nil {
			return time.Time{}, err
		}
		if dep.State != models.StateDone {
			return time.Time{}, fmt.Errorf("claim %s: dependency %s is %s: %w", itemID, depID, dep.State, ErrDependencyUnsatisfied)
		}
	}

	var expiry time.Time
	err = m.items.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		now := m.now()
		if it.LeaseActive(now) && it.LeaseHolder != holder {
			return nil, fmt.Errorf("claim %s: held by %s: %w", itemID, it.LeaseHolder, ErrConflict)
		}

		expiry = now.Add(m.duration)
		old := it.State
		it.LeaseHolder = holder
		it.LeaseExpiresAt = &expiry
		it.State = models.StateInProgress

		payload := map[string]string{
			"expires_at": expiry.Format(time.RFC3339Nano),
		}
		if plan != "" {
			payload["plan"] = plan
		}
		return &models.Event{
			Kind:      models.EventClaimed,
			Actor:     holder,
			OldState:  old,
			NewState:  models.StateInProgress,
			Payload:   payload,
			Timestamp: now,
		}, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Renew extends the lease for its current holder. An expired lease
// cannot be renewed, even by the original holder; the item must be
// claimed afresh after a reclaim.
func (m *Manager) Renew(itemID, holder string) (time.Time, error) {
	var expiry time.Time
	err := m.items.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		now := m.now()
		if it.LeaseHolder != holder || !it.LeaseActive(now) {
			return nil, fmt.Errorf("renew %s by %s: %w", itemID, holder, ErrConflict)
		}

		expiry = now.Add(m.duration)
		it.LeaseExpiresAt = &expiry

		return &models.Event{
			Kind:  models.EventLeaseRenewed,
			Actor: holder,
			Payload: map[string]string{
				"expires_at": expiry.Format(time.RFC3339Nano),
			},
			Timestamp: now,
		}, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Release clears the lease if the holder matches. The reason is
// recorded on the event; it covers both voluntary release and
// revocation by an operator. The item state is left untouched.
func (m *Manager) Release(itemID, holder, reason string) error {
	return m.items.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		if it.LeaseHolder != holder {
			return nil, fmt.Errorf("release %s by %s: %w", itemID, holder, ErrConflict)
		}

		it.LeaseHolder = ""
		it.LeaseExpiresAt = nil

		return &models.Event{
			Kind:      models.EventLeaseExpired,
			Actor:     holder,
			Rationale: reason,
			Timestamp: m.now(),
		}, nil
	})
}

// ReclaimExpired sweeps every item whose lease has lapsed, clears the
// lease, and returns the item to todo. It reports the reclaimed item
// ids. Running it twice in a row with no intervening claims changes
// nothing on the second run.
func (m *Manager) ReclaimExpired() ([]string, error) {
	leased, err := m.items.ListLeased()
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, it := range leased {
		if it.State.Terminal() || !it.LeaseExpired(m.now()) {
			continue
		}
		err := m.items.Mutate(it.ID, func(it *models.Item) (*models.Event, error) {
			now := m.now()
			// Re-check under the write lock: the holder may have
			// renewed between the listing and this mutation.
			if !it.LeaseExpired(now) {
				return nil, errSkipReclaim
			}

			previous := it.LeaseHolder
			old := it.State
			it.LeaseHolder = ""
			it.LeaseExpiresAt = nil
			it.State = models.StateTodo
			it.BlockedReason = ""

			return &models.Event{
				Kind:      models.EventLeaseExpired,
				Actor:     "sentinel",
				OldState:  old,
				NewState:  models.StateTodo,
				Rationale: "lease expired without renewal",
				Payload: map[string]string{
					"previous_holder": previous,
				},
				Timestamp: now,
			}, nil
		})
		if errors.Is(err, errSkipReclaim) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, it.ID)
	}
	return reclaimed, nil
}

// errSkipReclaim aborts a reclaim mutation without surfacing an error.
var errSkipReclaim = errors.New("lease no longer expired")

// RenewInterval derives a renewal cadence strictly shorter than the
// given lease window. Holders renew on this interval so a healthy
// agent never lets its lease lapse.
func RenewInterval(leaseDuration time.Duration) time.Duration {
	interval := leaseDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
