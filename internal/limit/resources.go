package limit

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCapacityExceeded indicates an allocation was denied even after the
// reduced-profile retry. Callers queue the task for a later tick rather
// than failing it permanently.
var ErrCapacityExceeded = errors.New("resource capacity exceeded")

// Profile maps resource dimension names (memory units, CPU threads, I/O
// slots, ...) to requested or allocated amounts.
type Profile map[string]int64

// Clone returns a copy of the profile.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// reduced returns the profile scaled to the given fraction, keeping at
// least one unit per dimension.
func (p Profile) reduced(fraction float64) Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		r := int64(float64(v) * fraction)
		if r < 1 {
			r = 1
		}
		out[k] = r
	}
	return out
}

// ResourceAllocator tracks named capacity pools and per-agent
// allocations. An allocation is owned by the allocating agent until
// explicitly released. All mutation happens under one lock.
type ResourceAllocator struct {
	mu          sync.Mutex
	capacity    Profile
	allocations map[string]Profile
}

// NewResourceAllocator creates an allocator over the given pool capacities.
func NewResourceAllocator(capacity Profile) *ResourceAllocator {
	return &ResourceAllocator{
		capacity:    capacity.Clone(),
		allocations: make(map[string]Profile),
	}
}

// Allocate grants the agent the requested profile if every dimension
// fits within the remaining pool capacity. If the full profile does not
// fit, one retry is made at 75% of the request. Returns the granted
// profile, or ErrCapacityExceeded when even the reduced profile is
// denied. An agent holds at most one allocation at a time.
func (a *ResourceAllocator) Allocate(agent string, req Profile) (Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.allocations[agent]; held {
		return nil, fmt.Errorf("agent %s already holds an allocation", agent)
	}

	if a.fitsLocked(req) {
		granted := req.Clone()
		a.allocations[agent] = granted
		return granted, nil
	}

	reduced := req.reduced(0.75)
	if a.fitsLocked(reduced) {
		a.allocations[agent] = reduced
		return reduced, nil
	}

	return nil, fmt.Errorf("allocate for %s: %w", agent, ErrCapacityExceeded)
}

// Release frees every dimension held by the agent atomically. Releasing
// an agent with no allocation is a no-op.
func (a *ResourceAllocator) Release(agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocations, agent)
}

// Allocated returns the profile currently held by the agent, or nil.
func (a *ResourceAllocator) Allocated(agent string) Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.allocations[agent]; ok {
		return p.Clone()
	}
	return nil
}

// Available returns the unallocated remainder of every dimension.
func (a *ResourceAllocator) Available() Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.capacity.Clone()
	for _, alloc := range a.allocations {
		for dim, amount := range alloc {
			out[dim] -= amount
		}
	}
	return out
}

// fitsLocked reports whether the request fits in the remaining capacity
// on every dimension. Unknown dimensions have zero capacity. Caller
// must hold a.mu.
func (a *ResourceAllocator) fitsLocked(req Profile) bool {
	for dim, amount := range req {
		used := int64(0)
		for _, alloc := range a.allocations {
			used += alloc[dim]
		}
		if used+amount > a.capacity[dim] {
			return false
		}
	}
	return true
}
