package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/driftline/warden/internal/agent"
	"github.com/driftline/warden/internal/config"
	"github.com/driftline/warden/internal/graph"
	"github.com/driftline/warden/internal/knowledge"
	"github.com/driftline/warden/internal/lease"
	"github.com/driftline/warden/internal/limit"
	"github.com/driftline/warden/internal/sentinel"
	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

// defaultTickInterval is the delay between scheduling ticks.
const defaultTickInterval = 5 * time.Second

// Orchestrator composes the store, lease manager, scheduler, and
// admission controls into the main work loop. It holds no global lock:
// every component it calls is synchronized on its own.
type Orchestrator struct {
	id       string
	store    store.ChecklistStore
	executor agent.Executor
	leases   *lease.Manager
	watchdog *sentinel.Sentinel
	notes    *knowledge.Sink
	verifier Verifier
	rate     *limit.RateLimiter
	alloc    *limit.ResourceAllocator
	logger   *log.Logger

	engine       config.EngineConfig
	taskProfile  limit.Profile
	tickInterval time.Duration
	now          func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]string
}

// New creates an Orchestrator from required configuration and options.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if req.Executor == nil {
		return nil, fmt.Errorf("orchestrator requires an executor")
	}

	defaults := config.Default()
	o := &options{
		engine:       defaults.Engine,
		rateLimit:    defaults.RateLimit,
		resources:    limit.Profile(defaults.Resources),
		tickInterval: defaultTickInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.id == "" {
		o.id = agent.NewActorID("orchestrator")
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	logger := o.logger.With("component", "orchestrator", "orchestrator_id", o.id)

	if o.leases == nil {
		o.leases = lease.NewManager(req.Store, o.engine.LeaseDuration)
	}
	if o.watchdog == nil {
		o.watchdog = sentinel.New(req.Store, o.logger, o.engine.StallThreshold, o.engine.OrchestratorTimeout)
	}
	if o.notes == nil {
		o.notes = knowledge.NewSink(req.Store, o.logger)
	}
	if o.verifier == nil {
		o.verifier = ArtifactVerifier{}
	}
	if o.taskProfile == nil {
		o.taskProfile = defaultTaskProfile(o.resources, o.engine.MaxConcurrent)
	}

	return &Orchestrator{
		id:           o.id,
		store:        req.Store,
		executor:     req.Executor,
		leases:       o.leases,
		watchdog:     o.watchdog,
		notes:        o.notes,
		verifier:     o.verifier,
		rate:         limit.NewRateLimiter(o.rateLimit.Capacity, o.rateLimit.Refill, o.rateLimit.Period),
		alloc:        limit.NewResourceAllocator(o.resources),
		logger:       logger,
		engine:       o.engine,
		taskProfile:  o.taskProfile,
		tickInterval: o.tickInterval,
		now:          o.now,
		inflight:     make(map[string]string),
	}, nil
}

// defaultTaskProfile splits the pool evenly across the concurrency cap.
func defaultTaskProfile(capacity limit.Profile, maxConcurrent int) limit.Profile {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	profile := make(limit.Profile, len(capacity))
	for dim, total := range capacity {
		share := total / int64(maxConcurrent)
		if share < 1 {
			share = 1
		}
		profile[dim] = share
	}
	return profile
}

// ID returns the orchestrator's actor identity.
func (o *Orchestrator) ID() string {
	return o.id
}

// Run executes the main loop until all work is exhausted or the
// context is cancelled. A background sweep reclaims lapsed leases and
// revives stalled peers on its own interval, independent of ticks.
func (o *Orchestrator) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go o.sweepLoop(sweepCtx)

	for {
		done, err := o.tick(ctx)
		if err != nil {
			var cycleErr *graph.CycleError
			if errors.As(err, &cycleErr) {
				// Unresolvable without operator intervention.
				return err
			}
			// Storage and transient failures end the tick early; the
			// next tick retries from a fresh snapshot.
			o.logger.Error("tick aborted", "err", err)
		}
		if done {
			o.wg.Wait()
			o.logger.Info("all work exhausted, terminating")
			return nil
		}

		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		case <-time.After(o.tickInterval):
		}
	}
}

// sweepLoop runs the reclaim/stall/revival sweep on a fixed interval.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	interval := o.engine.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed, err := o.leases.ReclaimExpired(); err != nil {
				o.logger.Error("sweep reclaim failed", "err", err)
			} else if len(reclaimed) > 0 {
				o.logger.Info("reclaimed lapsed leases", "items", reclaimed)
			}

			stalled, err := o.watchdog.DetectStalls()
			if err != nil {
				o.logger.Error("stall detection failed", "err", err)
			} else if len(stalled) > 0 {
				o.logger.Warn("stalled items detected", "count", len(stalled))
			}

			if _, err := o.watchdog.ReviveTimedOut(); err != nil {
				o.logger.Error("revival sweep failed", "err", err)
			}
		}
	}
}

// tick runs one scheduling pass. It reports done=true when nothing is
// ready and nothing is in flight.
func (o *Orchestrator) tick(ctx context.Context) (bool, error) {
	if _, err := o.leases.ReclaimExpired(); err != nil {
		return false, err
	}
	if _, err := o.watchdog.ReviveTimedOut(); err != nil {
		return false, err
	}
	if err := o.store.TouchOrchestrator(o.id, o.now()); err != nil {
		return false, err
	}

	if err := o.verifyPending(ctx); err != nil {
		return false, err
	}

	candidates, err := o.dispatchable()
	if err != nil {
		return false, err
	}

	if len(candidates) == 0 {
		return o.inflightCount() == 0, nil
	}

	waves, err := graph.ComputeWaves(candidates, o.engine.MaxConcurrent)
	if err != nil {
		return false, err
	}

	slots := o.engine.MaxConcurrent - o.inflightCount()
	for _, id := range waves[0] {
		if slots <= 0 {
			break
		}
		it := findItem(candidates, id)
		if it == nil {
			continue
		}
		if o.dispatch(ctx, it) {
			slots--
		}
	}
	return false, nil
}

// dispatchable lists the items eligible for this tick's wave: ready
// todo items plus in_progress items left unheld by a failed
// verification or aborted execution. In-flight items are excluded.
func (o *Orchestrator) dispatchable() ([]*models.Item, error) {
	ready, err := o.store.ListReady(0)
	if err != nil {
		return nil, err
	}

	inProgress := models.StateInProgress
	running, err := o.store.ListItems(&inProgress)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*models.Item
	for _, it := range ready {
		if _, busy := o.inflight[it.ID]; !busy {
			out = append(out, it)
		}
	}
	for _, it := range running {
		if it.LeaseHolder != "" {
			continue
		}
		if _, busy := o.inflight[it.ID]; !busy {
			out = append(out, it)
		}
	}
	return out, nil
}

func findItem(items []*models.Item, id string) *models.Item {
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (o *Orchestrator) inflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// dispatch admits one item through the rate and resource gates, claims
// it, and hands it to the executor. Denied items stay queued for the
// next tick. Returns true if the item was dispatched.
func (o *Orchestrator) dispatch(ctx context.Context, it *models.Item) bool {
	if err := o.rate.Admit(1); err != nil {
		o.logger.Debug("admission denied, item stays queued", "item_id", it.ID, "err", err)
		return false
	}

	actor := agent.NewActorID("agent")
	if _, err := o.alloc.Allocate(actor, o.taskProfile); err != nil {
		o.logger.Debug("resources exhausted, item stays queued", "item_id", it.ID, "err", err)
		return false
	}

	expiry, err := o.leases.Claim(it.ID, actor, "")
	if err != nil {
		o.alloc.Release(actor)
		o.logger.Warn("claim failed", "item_id", it.ID, "err", err)
		return false
	}

	o.mu.Lock()
	o.inflight[it.ID] = actor
	o.mu.Unlock()

	o.logger.Info("dispatching", "item_id", it.ID, "actor", actor, "title", it.Title)

	o.wg.Add(1)
	go o.runTask(ctx, it, actor, expiry)
	return true
}

// runTask executes one claimed item, renewing the lease on a fixed
// interval strictly inside the lease window. Losing the lease is the
// only cancellation signal: a failed renewal aborts the attempt.
func (o *Orchestrator) runTask(ctx context.Context, it *models.Item, actor string, expiry time.Time) {
	defer o.wg.Done()
	defer o.alloc.Release(actor)
	defer func() {
		o.mu.Lock()
		delete(o.inflight, it.ID)
		o.mu.Unlock()
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	expireTimer := time.AfterFunc(time.Until(expiry), cancel)
	defer expireTimer.Stop()

	renewDone := make(chan struct{})
	defer close(renewDone)
	go func() {
		ticker := time.NewTicker(o.engine.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewDone:
				return
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				next, err := o.leases.Renew(it.ID, actor)
				if err != nil {
					o.logger.Warn("renew failed, abandoning attempt", "item_id", it.ID, "actor", actor, "err", err)
					cancel()
					return
				}
				expireTimer.Reset(time.Until(next))
			}
		}
	}()

	result, err := o.executor.Run(taskCtx, it, "")
	if err != nil {
		o.logger.Error("execution failed", "item_id", it.ID, "actor", actor, "err", err)
		// Best effort: if the lease is still ours, give it back so the
		// item reschedules without waiting out the expiry.
		if relErr := o.leases.Release(it.ID, actor, fmt.Sprintf("execution failed: %v", err)); relErr != nil && !errors.Is(relErr, lease.ErrConflict) {
			o.logger.Error("release failed", "item_id", it.ID, "err", relErr)
		}
		return
	}

	if result.Blocked() {
		if err := o.MarkBlocked(it.ID, actor, result.BlockedReason, result.Needs); err != nil {
			o.logger.Error("mark blocked failed", "item_id", it.ID, "err", err)
		}
		return
	}

	if err := o.SubmitForReview(it.ID, actor, result); err != nil {
		o.logger.Error("submit failed", "item_id", it.ID, "err", err)
		return
	}
	for _, note := range result.Notes {
		o.notes.Record(it.ID, actor, note)
	}
}

// SubmitForReview moves an item to waiting_review, attaching the
// result's artifacts and clearing the lease in the same mutation.
// A holder whose lease was reclaimed in the meantime is rejected.
func (o *Orchestrator) SubmitForReview(itemID, holder string, result *agent.Result) error {
	return o.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		if it.LeaseHolder != holder {
			return nil, fmt.Errorf("submit %s by %s: %w", itemID, holder, lease.ErrConflict)
		}

		old := it.State
		it.State = models.StateWaitingReview
		it.LeaseHolder = ""
		it.LeaseExpiresAt = nil
		if result != nil {
			it.Artifacts = append(it.Artifacts, result.Artifacts...)
		}

		return &models.Event{
			Kind:      models.EventStateChanged,
			Actor:     holder,
			OldState:  old,
			NewState:  models.StateWaitingReview,
			Timestamp: o.now(),
		}, nil
	})
}

// MarkBlocked moves an item to blocked with the stated reason and
// needs, releasing the lease. A stale holder is rejected.
func (o *Orchestrator) MarkBlocked(itemID, holder, reason string, needs []string) error {
	return o.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		if it.LeaseHolder != holder {
			return nil, fmt.Errorf("block %s by %s: %w", itemID, holder, lease.ErrConflict)
		}

		old := it.State
		it.State = models.StateBlocked
		it.BlockedReason = reason
		it.Needs = needs
		it.LeaseHolder = ""
		it.LeaseExpiresAt = nil

		return &models.Event{
			Kind:      models.EventBlocked,
			Actor:     holder,
			OldState:  old,
			NewState:  models.StateBlocked,
			Rationale: reason,
			Payload:   map[string]string{"needs": strings.Join(needs, "; ")},
			Timestamp: o.now(),
		}, nil
	})
}

// Unblock returns a blocked item to todo once its needs are met.
func (o *Orchestrator) Unblock(itemID, actor, note string) error {
	return o.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		if it.State != models.StateBlocked {
			return nil, fmt.Errorf("unblock %s: state is %s", itemID, it.State)
		}

		it.State = models.StateTodo
		it.BlockedReason = ""
		it.Needs = nil

		return &models.Event{
			Kind:      models.EventUnblocked,
			Actor:     actor,
			OldState:  models.StateBlocked,
			NewState:  models.StateTodo,
			Rationale: note,
			Timestamp: o.now(),
		}, nil
	})
}

// verifyPending verifies every waiting_review item. Verification
// failures are expected outcomes and only logged; storage errors
// propagate.
func (o *Orchestrator) verifyPending(ctx context.Context) error {
	waiting := models.StateWaitingReview
	items, err := o.store.ListItems(&waiting)
	if err != nil {
		return err
	}

	for _, it := range items {
		err := o.Verify(ctx, it.ID)
		switch {
		case err == nil:
			o.logger.Info("verified", "item_id", it.ID, "title", it.Title)
		case errors.Is(err, ErrVerificationFailed):
			o.logger.Warn("verification failed", "item_id", it.ID, "err", err)
		default:
			return err
		}
	}
	return nil
}

// Verify checks a waiting_review item against its acceptance criteria.
// Success transitions it to done; failure returns it to in_progress
// with the failing criteria recorded as the rationale, and reports
// ErrVerificationFailed.
func (o *Orchestrator) Verify(ctx context.Context, itemID string) error {
	it, err := o.store.GetItem(itemID)
	if err != nil {
		return err
	}
	if it.State != models.StateWaitingReview {
		return fmt.Errorf("verify %s: state is %s, not waiting_review", itemID, it.State)
	}

	ok, failing, err := o.verifier.Verify(ctx, it)
	if err != nil {
		return fmt.Errorf("verify %s: %w", itemID, err)
	}

	if ok {
		return o.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
			if it.State != models.StateWaitingReview {
				return nil, fmt.Errorf("verify %s: state changed to %s", itemID, it.State)
			}
			it.State = models.StateDone
			return &models.Event{
				Kind:      models.EventVerified,
				Actor:     o.id,
				OldState:  models.StateWaitingReview,
				NewState:  models.StateDone,
				Timestamp: o.now(),
			}, nil
		})
	}

	rationale := strings.Join(failing, "; ")
	err = o.store.Mutate(itemID, func(it *models.Item) (*models.Event, error) {
		if it.State != models.StateWaitingReview {
			return nil, fmt.Errorf("verify %s: state changed to %s", itemID, it.State)
		}
		it.State = models.StateInProgress
		return &models.Event{
			Kind:      models.EventStateChanged,
			Actor:     o.id,
			OldState:  models.StateWaitingReview,
			NewState:  models.StateInProgress,
			Rationale: rationale,
			Timestamp: o.now(),
		}, nil
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("verify %s: %s: %w", itemID, rationale, ErrVerificationFailed)
}
