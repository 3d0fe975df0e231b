package sentinel

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

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

func setupSentinel(t *testing.T, st *store.Store) (*Sentinel, func(time.Duration)) {
	t.Helper()
	s := New(st, log.New(io.Discard), 10*time.Minute, 300*time.Second)
	current := time.Now().UTC()
	s.SetClock(func() time.Time { return current })
	return s, func(d time.Duration) { current = current.Add(d) }
}

func createItem(t *testing.T, st *store.Store, it *models.Item) {
	t.Helper()
	if it.Title == "" {
		it.Title = it.ID
	}
	if err := st.CreateItem(it, "test"); err != nil {
		t.Fatalf("CreateItem(%s) failed: %v", it.ID, err)
	}
}

func setState(t *testing.T, st *store.Store, id string, state models.ItemState, mutate func(*models.Item)) {
	t.Helper()
	err := st.Mutate(id, func(it *models.Item) (*models.Event, error) {
		it.State = state
		if mutate != nil {
			mutate(it)
		}
		return &models.Event{Kind: models.EventStateChanged, Actor: "test", NewState: state}, nil
	})
	if err != nil {
		t.Fatalf("mutating %s failed: %v", id, err)
	}
}

func TestDetectStallsExpiredLease(t *testing.T) {
	st := setupTestStore(t)
	s, _ := setupSentinel(t, st)

	createItem(t, st, &models.Item{ID: "expired"})
	createItem(t, st, &models.Item{ID: "healthy"})

	now := s.now()
	past := now.Add(-time.Minute)
	future := now.Add(10 * time.Minute)
	setState(t, st, "expired", models.StateInProgress, func(it *models.Item) {
		it.LeaseHolder = "agent-1"
		it.LeaseExpiresAt = &past
	})
	setState(t, st, "healthy", models.StateInProgress, func(it *models.Item) {
		it.LeaseHolder = "agent-2"
		it.LeaseExpiresAt = &future
	})

	stalled, err := s.DetectStalls()
	if err != nil {
		t.Fatalf("DetectStalls failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "expired" {
		t.Fatalf("stalled = %v, want just the expired item", itemIDs(stalled))
	}
}

func TestDetectStallsBlockedWithoutNeeds(t *testing.T) {
	st := setupTestStore(t)
	s, advance := setupSentinel(t, st)

	createItem(t, st, &models.Item{ID: "silent"})
	createItem(t, st, &models.Item{ID: "waiting"})

	setState(t, st, "silent", models.StateBlocked, func(it *models.Item) {
		it.BlockedReason = "stuck"
	})
	setState(t, st, "waiting", models.StateBlocked, func(it *models.Item) {
		it.BlockedReason = "needs credentials"
		it.Needs = []string{"api credentials"}
	})

	// Under the threshold neither is stalled yet.
	stalled, err := s.DetectStalls()
	if err != nil {
		t.Fatalf("DetectStalls failed: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("stalled = %v before the threshold, want none", itemIDs(stalled))
	}

	advance(2 * time.Hour)

	// Past it, only the item that never stated its needs counts.
	stalled, err = s.DetectStalls()
	if err != nil {
		t.Fatalf("DetectStalls failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "silent" {
		t.Fatalf("stalled = %v, want just the silent item", itemIDs(stalled))
	}
}

func TestGenerateBriefing(t *testing.T) {
	st := setupTestStore(t)
	s, _ := setupSentinel(t, st)
	now := s.now()

	// Two ready items, a blocked-with-needs item, a recent completion,
	// and a base item three others depend on.
	createItem(t, st, &models.Item{ID: "base", Priority: 2})
	createItem(t, st, &models.Item{ID: "ready-late", Priority: 3})
	createItem(t, st, &models.Item{ID: "dep-1", DependsOn: []string{"base"}})
	createItem(t, st, &models.Item{ID: "dep-2", DependsOn: []string{"base"}})
	createItem(t, st, &models.Item{ID: "dep-3", DependsOn: []string{"base"}})
	createItem(t, st, &models.Item{ID: "parked"})
	createItem(t, st, &models.Item{ID: "finished"})

	setState(t, st, "parked", models.StateBlocked, func(it *models.Item) {
		it.Needs = []string{"design approval"}
	})
	setState(t, st, "finished", models.StateDone, func(it *models.Item) {
		it.CompletedAt = &now
	})

	b, err := s.GenerateBriefing("orch-1")
	if err != nil {
		t.Fatalf("GenerateBriefing failed: %v", err)
	}

	if b.OrchestratorID != "orch-1" {
		t.Errorf("orchestrator id = %q", b.OrchestratorID)
	}
	if len(b.Ready) != 2 {
		t.Errorf("ready = %v, want base and ready-late", itemIDs(b.Ready))
	}
	if len(b.Ready) == 2 && b.Ready[0].ID != "base" {
		t.Errorf("ready[0] = %s, want the higher-priority base", b.Ready[0].ID)
	}
	if len(b.Blocked) != 1 || b.Blocked[0].ID != "parked" {
		t.Errorf("blocked = %v, want [parked]", itemIDs(b.Blocked))
	}
	if len(b.RecentlyDone) != 1 || b.RecentlyDone[0].ID != "finished" {
		t.Errorf("recently done = %v, want [finished]", itemIDs(b.RecentlyDone))
	}
	if len(b.CriticalPath) == 0 || b.CriticalPath[0].ID != "base" {
		t.Fatalf("critical path = %v, want base first", b.CriticalPath)
	}
	if b.CriticalPath[0].Dependents != 3 {
		t.Errorf("base dependents = %d, want 3", b.CriticalPath[0].Dependents)
	}
}

func TestBriefingCapsRecentDone(t *testing.T) {
	st := setupTestStore(t)
	s, _ := setupSentinel(t, st)
	now := s.now()

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("done-%d", i)
		createItem(t, st, &models.Item{ID: id})
		done := now.Add(-time.Duration(i) * time.Minute)
		setState(t, st, id, models.StateDone, func(it *models.Item) {
			it.CompletedAt = &done
		})
	}

	b, err := s.GenerateBriefing("orch-1")
	if err != nil {
		t.Fatalf("GenerateBriefing failed: %v", err)
	}
	if len(b.RecentlyDone) != 5 {
		t.Errorf("recently done = %d items, want cap of 5", len(b.RecentlyDone))
	}
}

func TestReviveProducesPlan(t *testing.T) {
	st := setupTestStore(t)
	s, _ := setupSentinel(t, st)

	for i := 0; i < 5; i++ {
		createItem(t, st, &models.Item{ID: fmt.Sprintf("ready-%d", i)})
	}
	createItem(t, st, &models.Item{ID: "blocked-1"})
	createItem(t, st, &models.Item{ID: "blocked-2"})
	setState(t, st, "blocked-1", models.StateBlocked, func(it *models.Item) {
		it.Needs = []string{"review"}
	})
	setState(t, st, "blocked-2", models.StateBlocked, func(it *models.Item) {
		it.Needs = []string{"access"}
	})

	plan, err := s.Revive("orch-1")
	if err != nil {
		t.Fatalf("Revive failed: %v", err)
	}

	if len(plan.Assignments) != 3 {
		t.Errorf("assignments = %v, want cap of 3", plan.Assignments)
	}
	if plan.Blocker == nil {
		t.Fatal("plan has no blocker, want exactly one")
	}

	o, err := st.GetOrchestrator("orch-1")
	if err != nil {
		t.Fatalf("GetOrchestrator failed: %v", err)
	}
	if o.RevivalCount != 1 {
		t.Errorf("revival count = %d, want 1", o.RevivalCount)
	}
	if o.Status != models.OrchestratorRevived {
		t.Errorf("status = %s, want revived", o.Status)
	}

	meta, err := st.ListEvents("")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(meta) != 1 || meta[0].Kind != models.EventRevived {
		t.Fatalf("meta events = %d, want one revived event", len(meta))
	}
	if meta[0].ItemID != "" {
		t.Errorf("revived event item id = %q, want empty", meta[0].ItemID)
	}
	if meta[0].Payload["orchestrator_id"] != "orch-1" {
		t.Errorf("payload orchestrator_id = %q", meta[0].Payload["orchestrator_id"])
	}
}

func TestReviveIncrementsCounter(t *testing.T) {
	st := setupTestStore(t)
	s, _ := setupSentinel(t, st)

	if _, err := s.Revive("orch-1"); err != nil {
		t.Fatalf("first Revive failed: %v", err)
	}
	if _, err := s.Revive("orch-1"); err != nil {
		t.Fatalf("second Revive failed: %v", err)
	}

	o, _ := st.GetOrchestrator("orch-1")
	if o.RevivalCount != 2 {
		t.Errorf("revival count = %d, want 2", o.RevivalCount)
	}
}

func TestReviveTimedOut(t *testing.T) {
	st := setupTestStore(t)
	s, advance := setupSentinel(t, st)

	if err := st.TouchOrchestrator("stale", s.now()); err != nil {
		t.Fatalf("TouchOrchestrator failed: %v", err)
	}

	advance(200 * time.Second)
	if err := st.TouchOrchestrator("fresh", s.now()); err != nil {
		t.Fatalf("TouchOrchestrator failed: %v", err)
	}

	// stale is now 400s old, fresh 200s; timeout is 300s.
	advance(200 * time.Second)
	plans, err := s.ReviveTimedOut()
	if err != nil {
		t.Fatalf("ReviveTimedOut failed: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("revived %d orchestrators, want 1", len(plans))
	}
	if _, ok := plans["stale"]; !ok {
		t.Fatal("expected the stale orchestrator to be revived")
	}

	// Revival bumps last_activity, so an immediate second sweep is quiet.
	plans, err = s.ReviveTimedOut()
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(plans) != 0 {
		t.Errorf("second sweep revived %d orchestrators, want none", len(plans))
	}
}

func itemIDs(items []*models.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
