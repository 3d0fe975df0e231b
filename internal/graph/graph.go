// Package graph provides the dependency graph and wave scheduler for
// checklist items.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/driftline/warden/pkg/models"
)

// CycleError indicates a circular dependency. It names the items that
// could not be scheduled so the defect is visible instead of silently
// degrading into an arbitrary partial schedule.
type CycleError struct {
	// Remaining lists the item ids trapped in the cycle, sorted.
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency among items %v", e.Remaining)
}

// DependencyGraph represents a directed acyclic graph of item dependencies.
// Items are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps item ID to the item itself.
	nodes map[string]*models.Item
	// edges maps item ID to IDs of items it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which items have been marked complete.
	completed map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Item),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs the dependency graph from a slice of items. Done
// items count as completed from the start; edges to items outside the
// slice count as satisfied, since the store already gated readiness on
// them. Returns a CycleError if the graph contains a circular dependency.
func (g *DependencyGraph) Build(items []*models.Item) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, it := range items {
		g.nodes[it.ID] = it
		g.edges[it.ID] = nil
	}

	for _, it := range items {
		g.edges[it.ID] = append(g.edges[it.ID], it.DependsOn...)
		if it.State == models.StateDone {
			g.completed[it.ID] = true
		}
	}

	if remaining := g.cycleLocked(); len(remaining) > 0 {
		return &CycleError{Remaining: remaining}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cycleLocked()) > 0
}

// cycleLocked detects cycles with depth-first coloring and returns the
// sorted ids of the nodes still on the gray path when a back edge is
// found. Caller must hold g.mu.
func (g *DependencyGraph) cycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			if _, known := g.nodes[depID]; !known {
				continue
			}
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	// Deterministic visit order so the reported cycle set is stable.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if colors[id] == 0 && visit(id) {
			var cyclic []string
			for nid, c := range colors {
				if c == 1 {
					cyclic = append(cyclic, nid)
				}
			}
			sort.Strings(cyclic)
			return cyclic
		}
	}
	return nil
}

// GetReady returns ids of items whose dependencies are all satisfied and
// that are not themselves completed, sorted for determinism.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.completed[id] {
			continue
		}
		if g.satisfiedLocked(id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// satisfiedLocked reports whether every in-graph dependency of id is
// completed. Caller must hold g.mu.
func (g *DependencyGraph) satisfiedLocked(id string) bool {
	for _, depID := range g.edges[id] {
		if g.completed[depID] {
			continue
		}
		dep, ok := g.nodes[depID]
		if !ok {
			// Unknown to the graph: the store already gated on it.
			continue
		}
		if dep.State != models.StateDone {
			return false
		}
	}
	return true
}

// MarkComplete marks an item as completed in the graph, unblocking its
// dependents for subsequent GetReady calls.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// GetItem returns the item for a given ID, or nil if not found.
func (g *DependencyGraph) GetItem(id string) *models.Item {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of items in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependents returns the IDs of items that depend on the given item.
func (g *DependencyGraph) GetDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for nid, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, nid)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// IncompleteDependentCounts returns, for every non-done item, the number
// of non-done items directly depending on it. Critical-path ranking
// schedules the highest counts first.
func (g *DependencyGraph) IncompleteDependentCounts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[string]int)
	for nid, deps := range g.edges {
		node := g.nodes[nid]
		if node == nil || node.State == models.StateDone {
			continue
		}
		for _, depID := range deps {
			dep, ok := g.nodes[depID]
			if !ok || dep.State == models.StateDone {
				continue
			}
			counts[depID]++
		}
	}
	return counts
}
