// Package orchestrator drives checklist items from todo to done:
// it claims ready work under leases, dispatches it to an executor,
// and verifies what comes back.
package orchestrator

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/driftline/warden/internal/agent"
	"github.com/driftline/warden/internal/config"
	"github.com/driftline/warden/internal/knowledge"
	"github.com/driftline/warden/internal/lease"
	"github.com/driftline/warden/internal/limit"
	"github.com/driftline/warden/internal/sentinel"
	"github.com/driftline/warden/internal/store"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store is the checklist persistence layer.
	Store store.ChecklistStore
	// Executor runs claimed items.
	Executor agent.Executor
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*options)

type options struct {
	id           string
	engine       config.EngineConfig
	rateLimit    config.RateLimitConfig
	resources    limit.Profile
	taskProfile  limit.Profile
	tickInterval time.Duration
	logger       *log.Logger
	leases       *lease.Manager
	watchdog     *sentinel.Sentinel
	notes        *knowledge.Sink
	verifier     Verifier
	now          func() time.Time
}

// WithID sets the orchestrator identity used for heartbeats and events.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithEngineConfig sets the scheduling and lease knobs.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(o *options) { o.engine = cfg }
}

// WithRateLimit sets the admission token bucket knobs.
func WithRateLimit(cfg config.RateLimitConfig) Option {
	return func(o *options) { o.rateLimit = cfg }
}

// WithResources sets the pool capacities tasks allocate from.
func WithResources(capacity limit.Profile) Option {
	return func(o *options) { o.resources = capacity }
}

// WithTaskProfile sets the resource profile requested per dispatched task.
func WithTaskProfile(profile limit.Profile) Option {
	return func(o *options) { o.taskProfile = profile }
}

// WithTickInterval sets the delay between scheduling ticks.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) { o.tickInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLeaseManager sets a custom lease manager (mainly for testing).
func WithLeaseManager(m *lease.Manager) Option {
	return func(o *options) { o.leases = m }
}

// WithSentinel sets a custom sentinel (mainly for testing).
func WithSentinel(s *sentinel.Sentinel) Option {
	return func(o *options) { o.watchdog = s }
}

// WithKnowledgeSink sets a custom knowledge sink.
func WithKnowledgeSink(k *knowledge.Sink) Option {
	return func(o *options) { o.notes = k }
}

// WithVerifier sets a custom verifier.
func WithVerifier(v Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
