package graph

import (
	"sort"

	"github.com/driftline/warden/pkg/models"
)

// ComputeWaves partitions the given items into dependency-respecting
// execution batches of at most maxConcurrent items each.
//
// Each round extracts the ready frontier (items whose in-set dependencies
// were all planned in earlier waves; dependencies outside the set count as
// satisfied), orders it by priority score with a deterministic tie-break,
// and takes the top maxConcurrent. A steward item does not compete on
// priority: it is pinned into every wave it is eligible for, occupying one
// reserved slot.
//
// If the frontier is empty while unplanned items remain and no eligible
// steward is left to plan, the remaining set is cyclic and a CycleError
// naming it is returned. There is no silent fallback.
func ComputeWaves(items []*models.Item, maxConcurrent int) ([][]string, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	byID := make(map[string]*models.Item, len(items))
	var stewards []*models.Item
	pending := make(map[string]bool)
	for _, it := range items {
		byID[it.ID] = it
		if it.Steward {
			stewards = append(stewards, it)
			continue
		}
		pending[it.ID] = true
	}
	sort.Slice(stewards, func(i, j int) bool { return stewards[i].ID < stewards[j].ID })

	// planned tracks items completed for planning purposes. A steward is
	// added after its first appearance so items depending on it are not
	// deadlocked by its long-lived nature.
	planned := make(map[string]bool)

	satisfied := func(it *models.Item) bool {
		for _, depID := range it.DependsOn {
			if _, inSet := byID[depID]; !inSet {
				continue
			}
			if !planned[depID] {
				return false
			}
		}
		return true
	}

	var waves [][]string
	for len(pending) > 0 {
		var frontier []*models.Item
		for id := range pending {
			if satisfied(byID[id]) {
				frontier = append(frontier, byID[id])
			}
		}

		if len(frontier) == 0 {
			// An item waiting only on a steward is not a cycle. Emit a
			// steward-only wave so its dependents become ready next round.
			var stewardWave []string
			for _, st := range stewards {
				if satisfied(st) && !planned[st.ID] {
					stewardWave = append(stewardWave, st.ID)
					planned[st.ID] = true
				}
			}
			if len(stewardWave) > 0 {
				waves = append(waves, stewardWave)
				continue
			}

			remaining := make([]string, 0, len(pending))
			for id := range pending {
				remaining = append(remaining, id)
			}
			sort.Strings(remaining)
			return nil, &CycleError{Remaining: remaining}
		}

		sortByPriority(frontier)

		slots := maxConcurrent
		var wave []string
		for _, st := range stewards {
			// Keep at least one slot free for the frontier so a wave
			// always makes progress.
			if satisfied(st) && slots > 1 {
				wave = append(wave, st.ID)
				planned[st.ID] = true
				slots--
			}
		}
		for _, it := range frontier {
			if slots == 0 {
				break
			}
			wave = append(wave, it.ID)
			planned[it.ID] = true
			delete(pending, it.ID)
			slots--
		}
		waves = append(waves, wave)
	}

	// Only stewards were supplied: they form a single wave of their own.
	if len(waves) == 0 && len(stewards) > 0 {
		var wave []string
		for _, st := range stewards {
			if satisfied(st) {
				wave = append(wave, st.ID)
			}
		}
		if len(wave) > 0 {
			waves = append(waves, wave)
		}
	}

	return waves, nil
}

// sortByPriority orders items for wave selection: class score descending
// (critical and security work first, testing last), then priority
// ascending, then title, then id. The full ordering makes the partition
// deterministic for identical inputs.
func sortByPriority(items []*models.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ClassScore() != b.ClassScore() {
			return a.ClassScore() > b.ClassScore()
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}
