// Package sentinel watches for stalled work and produces revival
// briefings. It never fixes anything itself beyond the lease sweep:
// it surfaces what stopped moving and hands a recovery plan to the
// orchestrator being revived.
package sentinel

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/driftline/warden/internal/graph"
	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

// DefaultStallThreshold is how long a blocked item may sit with an
// empty needs list before it counts as stalled.
const DefaultStallThreshold = 10 * time.Minute

// DefaultOrchestratorTimeout is how long an orchestrator may go
// without a heartbeat before the sweep revives it.
const DefaultOrchestratorTimeout = 300 * time.Second

// defaultReadyLimit caps the ready items listed in a briefing.
const defaultReadyLimit = 10

// maxRecentDone caps the recently completed items in a briefing.
const maxRecentDone = 5

// maxCriticalPath caps the critical path entries in a briefing.
const maxCriticalPath = 5

// maxAssignments caps the next items a revival plan hands out. It
// matches the orchestrator's default concurrency ceiling.
const maxAssignments = 3

// CriticalItem is a non-done item ranked by how many incomplete items
// depend on it.
type CriticalItem struct {
	ID         string
	Title      string
	Dependents int
}

// Briefing aggregates everything a revived orchestrator needs to pick
// the work back up.
type Briefing struct {
	OrchestratorID string
	GeneratedAt    time.Time
	Stalled        []*models.Item
	Blocked        []*models.Item
	Ready          []*models.Item
	RecentlyDone   []*models.Item
	CriticalPath   []CriticalItem
}

// Plan is a briefing distilled into immediate actions: the next items
// to assign and at most one blocker to address.
type Plan struct {
	Briefing    *Briefing
	Assignments []string
	Blocker     *models.Item
}

// Sentinel detects stalls across items and orchestrators.
type Sentinel struct {
	store          store.ChecklistStore
	logger         *log.Logger
	stallThreshold time.Duration
	orchTimeout    time.Duration
	readyLimit     int
	now            func() time.Time
}

// New creates a sentinel over the given store. Non-positive durations
// fall back to the defaults.
func New(st store.ChecklistStore, logger *log.Logger, stallThreshold, orchTimeout time.Duration) *Sentinel {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	if orchTimeout <= 0 {
		orchTimeout = DefaultOrchestratorTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sentinel{
		store:          st,
		logger:         logger.With("component", "sentinel"),
		stallThreshold: stallThreshold,
		orchTimeout:    orchTimeout,
		readyLimit:     defaultReadyLimit,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test use only.
func (s *Sentinel) SetClock(now func() time.Time) {
	s.now = now
}

// DetectStalls reports a snapshot of stalled items without touching
// them: in_progress items whose lease has lapsed, plus blocked items
// that have sat with an empty needs list past the stall threshold.
// The latter is an agent failing to say what it is waiting on, which
// is surfaced as a defect rather than auto-resolved.
func (s *Sentinel) DetectStalls() ([]*models.Item, error) {
	now := s.now()

	inProgress := models.StateInProgress
	running, err := s.store.ListItems(&inProgress)
	if err != nil {
		return nil, err
	}

	var stalled []*models.Item
	for _, it := range running {
		if it.LeaseExpired(now) {
			stalled = append(stalled, it)
		}
	}

	blocked := models.StateBlocked
	parked, err := s.store.ListItems(&blocked)
	if err != nil {
		return nil, err
	}
	for _, it := range parked {
		if len(it.Needs) == 0 && now.Sub(it.UpdatedAt) > s.stallThreshold {
			stalled = append(stalled, it)
		}
	}
	return stalled, nil
}

// GenerateBriefing assembles the recovery picture for one
// orchestrator: stalled items, blocked items that stated their needs,
// the top ready items, recent completions, and the critical path.
func (s *Sentinel) GenerateBriefing(orchestratorID string) (*Briefing, error) {
	now := s.now()

	stalled, err := s.DetectStalls()
	if err != nil {
		return nil, err
	}

	blockedState := models.StateBlocked
	parked, err := s.store.ListItems(&blockedState)
	if err != nil {
		return nil, err
	}
	var blocked []*models.Item
	for _, it := range parked {
		if len(it.Needs) > 0 {
			blocked = append(blocked, it)
		}
	}

	ready, err := s.store.ListReady(s.readyLimit)
	if err != nil {
		return nil, err
	}

	recent, err := s.store.ListCompletedSince(now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if len(recent) > maxRecentDone {
		recent = recent[:maxRecentDone]
	}

	critical, err := s.criticalPath()
	if err != nil {
		return nil, err
	}

	return &Briefing{
		OrchestratorID: orchestratorID,
		GeneratedAt:    now,
		Stalled:        stalled,
		Blocked:        blocked,
		Ready:          ready,
		RecentlyDone:   recent,
		CriticalPath:   critical,
	}, nil
}

// criticalPath ranks non-done items by how many incomplete items
// depend on them, most depended-on first.
func (s *Sentinel) criticalPath() ([]CriticalItem, error) {
	items, err := s.store.ListItems(nil)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(items); err != nil {
		// A cycle does not stop a briefing; the dependent counts are
		// still meaningful for the acyclic portion.
		var cerr *graph.CycleError
		if !errors.As(err, &cerr) {
			return nil, err
		}
	}

	counts := g.IncompleteDependentCounts()
	byID := make(map[string]*models.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var critical []CriticalItem
	for id, n := range counts {
		if n == 0 {
			continue
		}
		ci := CriticalItem{ID: id, Dependents: n}
		if it := byID[id]; it != nil {
			ci.Title = it.Title
		}
		critical = append(critical, ci)
	}
	sort.Slice(critical, func(i, j int) bool {
		if critical[i].Dependents != critical[j].Dependents {
			return critical[i].Dependents > critical[j].Dependents
		}
		return critical[i].ID < critical[j].ID
	})
	if len(critical) > maxCriticalPath {
		critical = critical[:maxCriticalPath]
	}
	return critical, nil
}

// Revive marks an orchestrator revived, records the meta-event, and
// returns its briefing distilled into an actionable plan: up to three
// items to assign next and at most one blocker to address.
func (s *Sentinel) Revive(orchestratorID string) (*Plan, error) {
	now := s.now()

	o, err := s.store.GetOrchestrator(orchestratorID)
	if errors.Is(err, store.ErrNotFound) {
		o = &models.OrchestratorState{ID: orchestratorID}
	} else if err != nil {
		return nil, err
	}

	o.RevivalCount++
	o.Status = models.OrchestratorRevived
	o.LastActivity = now
	if err := s.store.UpdateOrchestrator(o); err != nil {
		return nil, err
	}

	ev := &models.Event{
		Kind:  models.EventRevived,
		Actor: "sentinel",
		Payload: map[string]string{
			"orchestrator_id": orchestratorID,
			"revival_count":   strconv.Itoa(o.RevivalCount),
		},
		Timestamp: now,
	}
	if err := s.store.AppendEvent(ev); err != nil {
		return nil, err
	}

	briefing, err := s.GenerateBriefing(orchestratorID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Briefing: briefing}
	for _, it := range briefing.Ready {
		if len(plan.Assignments) >= maxAssignments {
			break
		}
		plan.Assignments = append(plan.Assignments, it.ID)
	}
	if len(briefing.Blocked) > 0 {
		plan.Blocker = briefing.Blocked[0]
	}

	s.logger.Info("orchestrator revived",
		"orchestrator_id", orchestratorID,
		"revival_count", o.RevivalCount,
		"assignments", len(plan.Assignments))
	return plan, nil
}

// ReviveTimedOut revives every orchestrator whose last activity is
// older than the timeout. It returns the plans keyed by orchestrator
// id so the caller can act on them.
func (s *Sentinel) ReviveTimedOut() (map[string]*Plan, error) {
	now := s.now()

	orchs, err := s.store.ListOrchestrators()
	if err != nil {
		return nil, err
	}

	plans := make(map[string]*Plan)
	for _, o := range orchs {
		if !o.Stalled(now, s.orchTimeout) {
			continue
		}
		s.logger.Warn("orchestrator stalled",
			"orchestrator_id", o.ID,
			"last_activity", o.LastActivity.Format(time.RFC3339))
		plan, err := s.Revive(o.ID)
		if err != nil {
			return plans, err
		}
		plans[o.ID] = plan
	}
	return plans, nil
}
