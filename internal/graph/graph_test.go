package graph

import (
	"errors"
	"testing"

	"github.com/driftline/warden/pkg/models"
)

func item(id string, deps ...string) *models.Item {
	return &models.Item{ID: id, Title: id, State: models.StateTodo, Priority: models.PriorityDefault, DependsOn: deps}
}

func TestBuildAndGetReady(t *testing.T) {
	g := New()
	items := []*models.Item{
		item("a"),
		item("b", "a"),
		item("c", "a", "b"),
	}
	if err := g.Build(items); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.GetReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected only a ready, got %v", ready)
	}

	g.MarkComplete("a")
	ready = g.GetReady()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected only b ready after a, got %v", ready)
	}

	g.MarkComplete("b")
	ready = g.GetReady()
	if len(ready) != 1 || ready[0] != "c" {
		t.Errorf("expected only c ready after a and b, got %v", ready)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	g := New()
	items := []*models.Item{
		item("a", "b"),
		item("b", "a"),
	}
	err := g.Build(items)
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Remaining) != 2 || cycleErr.Remaining[0] != "a" || cycleErr.Remaining[1] != "b" {
		t.Errorf("expected cycle to name [a b], got %v", cycleErr.Remaining)
	}
}

func TestHasCycleOnAcyclicGraph(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Item{item("a"), item("b", "a")}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.HasCycle() {
		t.Error("acyclic graph reported a cycle")
	}
}

func TestDoneItemsCountAsCompleted(t *testing.T) {
	g := New()
	done := item("a")
	done.State = models.StateDone
	if err := g.Build([]*models.Item{done, item("b", "a")}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.GetReady()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected b ready behind a done dependency, got %v", ready)
	}
}

func TestOutOfSetDependenciesAreSatisfied(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Item{item("a", "elsewhere")}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.GetReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("dependency outside the graph should not block, got %v", ready)
	}
}

func TestGetDependents(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Item{item("a"), item("b", "a"), item("c", "a")}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	deps := g.GetDependents("a")
	if len(deps) != 2 || deps[0] != "b" || deps[1] != "c" {
		t.Errorf("expected [b c], got %v", deps)
	}
	if got := g.GetDependents("c"); len(got) != 0 {
		t.Errorf("expected no dependents for c, got %v", got)
	}
}

func TestIncompleteDependentCounts(t *testing.T) {
	g := New()
	doneChild := item("d", "a")
	doneChild.State = models.StateDone
	items := []*models.Item{
		item("a"),
		item("b", "a"),
		item("c", "a", "b"),
		doneChild,
	}
	if err := g.Build(items); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	counts := g.IncompleteDependentCounts()
	// a is depended on by b and c (d is done, so it doesn't count).
	if counts["a"] != 2 {
		t.Errorf("count[a] = %d, want 2", counts["a"])
	}
	if counts["b"] != 1 {
		t.Errorf("count[b] = %d, want 1", counts["b"])
	}
	if counts["c"] != 0 {
		t.Errorf("count[c] = %d, want 0", counts["c"])
	}
}

func TestSizeAndGetItem(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Item{item("a"), item("b")}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Size() != 2 {
		t.Errorf("Size = %d, want 2", g.Size())
	}
	if g.GetItem("a") == nil {
		t.Error("expected to find item a")
	}
	if g.GetItem("zz") != nil {
		t.Error("expected nil for unknown item")
	}
}
