package lease

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createItem(t *testing.T, st *store.Store, id string, deps ...string) {
	t.Helper()
	it := &models.Item{ID: id, Title: id, DependsOn: deps}
	if err := st.CreateItem(it, "test"); err != nil {
		t.Fatalf("CreateItem(%s) failed: %v", id, err)
	}
}

func markDone(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.Mutate(id, func(it *models.Item) (*models.Event, error) {
		it.State = models.StateDone
		return &models.Event{Kind: models.EventStateChanged, Actor: "test", NewState: models.StateDone}, nil
	})
	if err != nil {
		t.Fatalf("marking %s done failed: %v", id, err)
	}
}

// testClock returns a controllable time source starting ahead of wall
// time, so events stamped with it sort after the created events the
// store stamps itself.
func testClock() (func() time.Time, func(time.Duration)) {
	current := time.Now().UTC().Add(time.Hour)
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestClaimSetsLeaseAndState(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task-1")

	m := NewManager(st, 600*time.Second)
	now, _ := testClock()
	m.SetClock(now)

	expiry, err := m.Claim("task-1", "agent-1", "")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	want := now().Add(600 * time.Second)
	if !expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", expiry, want)
	}

	it, err := st.GetItem("task-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if it.State != models.StateInProgress {
		t.Errorf("state = %s, want in_progress", it.State)
	}
	if it.LeaseHolder != "agent-1" {
		t.Errorf("lease holder = %q, want agent-1", it.LeaseHolder)
	}
	if it.LeaseExpiresAt == nil || !it.LeaseExpiresAt.Equal(want) {
		t.Errorf("lease expiry = %v, want %v", it.LeaseExpiresAt, want)
	}

	events, err := st.ListEvents("task-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want created + claimed", len(events))
	}
	if events[1].Kind != models.EventClaimed {
		t.Errorf("second event kind = %s, want claimed", events[1].Kind)
	}
	if events[1].Actor != "agent-1" {
		t.Errorf("claimed actor = %q, want agent-1", events[1].Actor)
	}
}

func TestClaimDependencyGate(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "dep")
	createItem(t, st, "task", "dep")

	m := NewManager(st, 600*time.Second)

	_, err := m.Claim("task", "agent-1", "")
	if !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("expected ErrDependencyUnsatisfied, got %v", err)
	}

	markDone(t, st, "dep")

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim after dependency completion failed: %v", err)
	}
}

func TestClaimDanglingDependency(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task", "ghost")

	m := NewManager(st, 600*time.Second)

	_, err := m.Claim("task", "agent-1", "")
	if !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("expected ErrDependencyUnsatisfied for missing dependency, got %v", err)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("first Claim failed: %v", err)
	}

	_, err := m.Claim("task", "agent-2", "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for live foreign lease, got %v", err)
	}

	// After expiry the item is claimable again, even without a sweep.
	advance(601 * time.Second)
	if _, err := m.Claim("task", "agent-2", ""); err != nil {
		t.Fatalf("Claim after expiry failed: %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	first, err := m.Claim("task", "agent-1", "")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	advance(180 * time.Second)
	second, err := m.Renew("task", "agent-1")
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !second.After(first) {
		t.Errorf("renewed expiry %v not after original %v", second, first)
	}

	events, _ := st.ListEvents("task")
	last := events[len(events)-1]
	if last.Kind != models.EventLeaseRenewed {
		t.Errorf("last event kind = %s, want lease_renewed", last.Kind)
	}
}

func TestRenewWrongHolder(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	_, err := m.Renew("task", "agent-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRenewAfterExpiryRejected(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Once the lease lapses the original holder must re-claim.
	advance(601 * time.Second)
	_, err := m.Renew("task", "agent-1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for post-expiry renew, got %v", err)
	}
}

func TestReleaseClearsLease(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := m.Release("task", "agent-1", "work submitted"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	it, _ := st.GetItem("task")
	if it.LeaseHolder != "" || it.LeaseExpiresAt != nil {
		t.Errorf("lease not cleared: holder=%q expiry=%v", it.LeaseHolder, it.LeaseExpiresAt)
	}
	if it.State != models.StateInProgress {
		t.Errorf("release changed state to %s", it.State)
	}

	events, _ := st.ListEvents("task")
	last := events[len(events)-1]
	if last.Kind != models.EventLeaseExpired {
		t.Errorf("last event kind = %s, want lease_expired", last.Kind)
	}
	if last.Rationale != "work submitted" {
		t.Errorf("rationale = %q, want the supplied reason", last.Rationale)
	}
}

func TestReleaseWrongHolder(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	err := m.Release("task", "agent-2", "takeover attempt")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "expired")
	createItem(t, st, "healthy")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	if _, err := m.Claim("expired", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	advance(300 * time.Second)
	if _, err := m.Claim("healthy", "agent-2", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	advance(301 * time.Second)
	reclaimed, err := m.ReclaimExpired()
	if err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "expired" {
		t.Fatalf("reclaimed = %v, want [expired]", reclaimed)
	}

	it, _ := st.GetItem("expired")
	if it.State != models.StateTodo {
		t.Errorf("state = %s, want todo", it.State)
	}
	if it.LeaseHolder != "" || it.LeaseExpiresAt != nil {
		t.Errorf("lease not cleared: holder=%q expiry=%v", it.LeaseHolder, it.LeaseExpiresAt)
	}

	events, _ := st.ListEvents("expired")
	last := events[len(events)-1]
	if last.Kind != models.EventLeaseExpired {
		t.Errorf("last event kind = %s, want lease_expired", last.Kind)
	}
	if last.Payload["previous_holder"] != "agent-1" {
		t.Errorf("previous_holder = %q, want agent-1", last.Payload["previous_holder"])
	}

	other, _ := st.GetItem("healthy")
	if other.LeaseHolder != "agent-2" {
		t.Errorf("healthy lease disturbed: holder = %q", other.LeaseHolder)
	}
}

func TestReclaimExpiredIdempotent(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	advance(601 * time.Second)

	first, err := m.ReclaimExpired()
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first sweep reclaimed %v, want one item", first)
	}

	eventsBefore, _ := st.ListEvents("task")

	second, err := m.ReclaimExpired()
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second sweep reclaimed %v, want nothing", second)
	}

	eventsAfter, _ := st.ListEvents("task")
	if len(eventsAfter) != len(eventsBefore) {
		t.Errorf("second sweep appended events: %d -> %d", len(eventsBefore), len(eventsAfter))
	}
}

func TestExpiryThenReclaimThenReclaim(t *testing.T) {
	st := setupTestStore(t)
	createItem(t, st, "task")

	m := NewManager(st, 600*time.Second)
	now, advance := testClock()
	m.SetClock(now)

	if _, err := m.Claim("task", "agent-1", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	advance(601 * time.Second)

	if _, err := m.ReclaimExpired(); err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if _, err := m.Claim("task", "agent-2", ""); err != nil {
		t.Fatalf("Claim by second agent failed: %v", err)
	}

	it, _ := st.GetItem("task")
	if it.LeaseHolder != "agent-2" {
		t.Errorf("holder = %q, want agent-2", it.LeaseHolder)
	}
}

func TestRenewInterval(t *testing.T) {
	if got := RenewInterval(600 * time.Second); got != 200*time.Second {
		t.Errorf("RenewInterval(600s) = %v, want 200s", got)
	}
	if got := RenewInterval(time.Second); got != time.Second {
		t.Errorf("RenewInterval(1s) = %v, want floor of 1s", got)
	}
}
