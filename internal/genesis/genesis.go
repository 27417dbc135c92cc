// Package genesis is the kernel's control loop. It drives the lifecycle
// state machine, turns pending blueprints into deployed units through the
// generation pipeline, supervises assimilation, and owns the shutdown
// sequence.
//
// The loop's own logic is single-threaded; the one mutex exists because
// unit-failure callbacks arrive from unit-worker goroutines and mutate the
// same genome aggregate the loop works on.
package genesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"morphogen/internal/bus"
	"morphogen/internal/genealogy"
	"morphogen/internal/genome"
	"morphogen/internal/pipeline"
)

// =============================================================================
// LIFECYCLE STATES
// =============================================================================

// State is a lifecycle phase of the orchestrator.
type State int32

const (
	StateInitializing State = iota
	StateEvolving
	StateAssimilating
	StateLive
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateEvolving:
		return "evolving"
	case StateAssimilating:
		return "assimilating"
	case StateLive:
		return "live"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Materializer writes validated artifacts into the deployment root.
type Materializer interface {
	Materialize(name, artifact string) (string, error)
}

// Activator loads deployed units into the runtime. Activate must be
// idempotent against an already-running unit.
type Activator interface {
	Activate(name string) error
	Running() []string
	IsRunning(name string) bool
}

// Healer decides whether a missing dependency can be recovered.
type Healer interface {
	ResolveMissingDependency(name string) bool
}

// Proposal is a blueprint suggested by the reflection delegate.
type Proposal struct {
	Name         string
	Description  string
	Dependencies []string
}

// Reflector is asked each cycle whether the goal set implies blueprints
// the catalog does not yet have.
type Reflector interface {
	Reflect(g *genome.Genome) []Proposal
}

// ReflectorFunc adapts a function to the Reflector contract.
type ReflectorFunc func(g *genome.Genome) []Proposal

func (f ReflectorFunc) Reflect(g *genome.Genome) []Proposal { return f(g) }

// kindedError is implemented by activation errors that carry a failure
// classification.
type kindedError interface {
	FailureKind() genome.FailureKind
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options tune the orchestrator's pacing and caps. Zero values select
// defaults.
type Options struct {
	CycleInterval       time.Duration
	MaxUnitsPerCycle    int
	MaxConcurrentUnits  int
	MaxTotalUnits       int
	MaxEvolveIterations int
	MaxAttempts         int
	Cooldown            time.Duration
}

func (o *Options) applyDefaults() {
	if o.CycleInterval <= 0 {
		o.CycleInterval = 30 * time.Second
	}
	if o.MaxUnitsPerCycle <= 0 {
		o.MaxUnitsPerCycle = 3
	}
	if o.MaxConcurrentUnits <= 0 {
		o.MaxConcurrentUnits = 8
	}
	if o.MaxTotalUnits <= 0 {
		o.MaxTotalUnits = 64
	}
	if o.MaxEvolveIterations <= 0 {
		o.MaxEvolveIterations = 20
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Minute
	}
}

// Orchestrator ties the store, bus, pipeline, genealogy, and runtime
// collaborators into one lifecycle.
type Orchestrator struct {
	store     *genome.Store
	bus       *bus.Bus
	pipe      *pipeline.Pipeline
	genealogy *genealogy.Genealogy
	mat       Materializer
	act       Activator
	healer    Healer
	reflector Reflector
	opts      Options
	log       *zap.Logger

	state atomic.Int32
	sem   *semaphore.Weighted

	mu         sync.Mutex
	g          *genome.Genome
	deployedAt map[string]time.Time
	permits    map[string]bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	live     atomic.Bool
}

// New creates an orchestrator. reflector and healer may be nil.
func New(store *genome.Store, b *bus.Bus, pipe *pipeline.Pipeline, gene *genealogy.Genealogy,
	mat Materializer, act Activator, healer Healer, reflector Reflector,
	opts Options, log *zap.Logger) *Orchestrator {

	if log == nil {
		log = zap.NewNop()
	}
	opts.applyDefaults()
	if reflector == nil {
		reflector = ReflectorFunc(func(*genome.Genome) []Proposal { return nil })
	}
	return &Orchestrator{
		store:      store,
		bus:        b,
		pipe:       pipe,
		genealogy:  gene,
		mat:        mat,
		act:        act,
		healer:     healer,
		reflector:  reflector,
		opts:       opts,
		log:        log,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrentUnits)),
		deployedAt: make(map[string]time.Time),
		permits:    make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.log.Info("lifecycle transition", zap.String("state", s.String()))
}

// Genome runs fn with the genome under the orchestrator's lock.
func (o *Orchestrator) Genome(fn func(g *genome.Genome)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.g)
}

// Start brings the kernel up: loads state, starts the bus, prepares the
// snapshot store, runs one full evolve+assimilate pass, then enters the
// Live loop in a background goroutine. A state-integrity failure aborts
// startup; there is no degraded mode.
func (o *Orchestrator) Start(ctx context.Context, seedGoals []*genome.Goal) error {
	o.setState(StateInitializing)

	g, err := o.store.LoadOrCreate(seedGoals)
	if err != nil {
		return fmt.Errorf("loading genome: %w", err)
	}
	o.mu.Lock()
	o.g = g
	o.mu.Unlock()

	o.bus.Start()
	if err := o.genealogy.InitRepo(); err != nil {
		return fmt.Errorf("initializing genealogy: %w", err)
	}

	o.setState(StateEvolving)
	o.evolve(ctx)

	o.setState(StateAssimilating)
	o.assimilate()

	o.setState(StateLive)
	o.live.Store(true)
	go o.liveLoop(ctx)
	return nil
}

// =============================================================================
// EVOLUTION
// =============================================================================

// evolve runs bounded iterations of the evolution cycle until no
// buildable pending work remains (every pending blueprint is either
// blocked on dependencies or circuit-gated) or the iteration cap is hit.
func (o *Orchestrator) evolve(ctx context.Context) {
	for i := 0; i < o.opts.MaxEvolveIterations; i++ {
		if ctx.Err() != nil || o.stopping() {
			return
		}
		if o.evolveCycle(ctx) == 0 {
			return
		}
	}
	o.log.Warn("evolution iteration cap reached",
		zap.Int("iterations", o.opts.MaxEvolveIterations))
}

// evolveCycle reflects, selects buildable blueprints, and runs the
// pipeline for up to the per-cycle cap. Returns the number of build
// attempts made; failures count, so the Evolving phase keeps retrying
// until the circuit breaker gates the unit out.
func (o *Orchestrator) evolveCycle(ctx context.Context) int {
	o.mu.Lock()
	for _, p := range o.reflector.Reflect(o.g) {
		if _, ok := o.g.Blueprints[p.Name]; !ok {
			o.g.AddBlueprint(p.Name, p.Description, p.Dependencies)
			o.log.Info("reflection proposed blueprint", zap.String("unit", p.Name))
		}
	}

	var candidates []*genome.Blueprint
	for name, bp := range o.g.PendingBlueprints() {
		if !o.g.DependenciesSatisfied(bp) {
			continue
		}
		if !o.g.ShouldAttempt(name, o.opts.MaxAttempts, o.opts.Cooldown) {
			o.log.Debug("circuit open, skipping", zap.String("unit", name))
			continue
		}
		candidates = append(candidates, bp)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	active := append([]string(nil), o.g.ActiveSet...)
	o.mu.Unlock()

	attempted, built := 0, 0
	for _, bp := range candidates {
		if ctx.Err() != nil || o.stopping() {
			break
		}
		if attempted >= o.opts.MaxUnitsPerCycle {
			o.log.Debug("per-cycle cap reached, deferring remaining work")
			break
		}
		if len(active)+built >= o.opts.MaxTotalUnits {
			o.log.Warn("total unit cap reached, deferring remaining work",
				zap.Int("cap", o.opts.MaxTotalUnits))
			break
		}
		attempted++
		if o.buildUnit(ctx, bp, active) {
			built++
		}
	}
	return attempted
}

// buildUnit runs the pipeline for one blueprint and deploys the result.
func (o *Orchestrator) buildUnit(ctx context.Context, bp *genome.Blueprint, active []string) bool {
	res, err := o.pipe.Run(ctx, bp, active)
	if err != nil {
		// Exhausted retries are a generation failure regardless of why the
		// last candidate was rejected; the diagnostic survives in the
		// message.
		o.recordFailure(bp.Name, genome.FailureGeneration, err.Error())
		return false
	}

	if _, err := o.mat.Materialize(bp.Name, res.Artifact); err != nil {
		o.recordFailure(bp.Name, genome.FailureMaterialization, err.Error())
		return false
	}

	o.mu.Lock()
	o.g.MarkActive(bp.Name)
	o.g.ClearFailure(bp.Name)
	newly := o.g.CheckGoalSatisfaction()
	o.deployedAt[bp.Name] = time.Now()
	o.saveLocked()
	o.mu.Unlock()

	o.bus.PublishAsync(bus.NewEvent(bus.TopicUnitEvolved, "genesis", map[string]any{
		"unit":     bp.Name,
		"version":  res.Provenance.Version,
		"attempts": res.Provenance.Attempts,
	}))
	if committed, err := o.genealogy.Commit("evolved: " + bp.Name); err != nil {
		o.log.Warn("snapshot commit failed", zap.String("unit", bp.Name), zap.Error(err))
	} else if committed {
		o.log.Debug("snapshot committed", zap.String("unit", bp.Name))
	}
	if newly > 0 {
		o.log.Info("goals newly satisfied", zap.Int("count", newly))
	}
	o.log.Info("unit evolved", zap.String("unit", bp.Name),
		zap.Int("attempts", res.Provenance.Attempts))
	return true
}

// =============================================================================
// ASSIMILATION
// =============================================================================

// assimilate activates every active-but-not-running unit, bounded by the
// concurrency cap. Dependency failures are routed to the healer; all
// failures land in the ledger.
func (o *Orchestrator) assimilate() {
	o.mu.Lock()
	var dormant []string
	for _, name := range o.g.ActiveSet {
		if !o.act.IsRunning(name) {
			dormant = append(dormant, name)
		}
	}
	sort.Strings(dormant)
	o.mu.Unlock()

	for _, name := range dormant {
		if o.stopping() {
			return
		}
		if !o.sem.TryAcquire(1) {
			o.log.Debug("concurrency cap reached, deferring assimilation",
				zap.String("unit", name))
			return
		}
		o.mu.Lock()
		o.permits[name] = true
		o.mu.Unlock()
		if err := o.act.Activate(name); err != nil {
			o.releasePermit(name)
			kind := genome.FailureExecution
			var kerr kindedError
			if errors.As(err, &kerr) {
				kind = kerr.FailureKind()
			}
			o.handleDeploymentFailure(name, kind, err)
			continue
		}
		o.log.Info("unit assimilated", zap.String("unit", name))
		o.bus.PublishAsync(bus.NewEvent(bus.TopicUnitIntegrated, "genesis",
			map[string]any{"unit": name}))
	}
}

// handleDeploymentFailure records an activation failure, routes dependency
// failures to the healer, and applies the auto-rollback policy for fatal
// classes on freshly deployed units. The failure is always recorded before
// any revert so the ledger survives it.
func (o *Orchestrator) handleDeploymentFailure(name string, kind genome.FailureKind, cause error) {
	o.mu.Lock()
	o.g.RecordFailure(name, kind, cause.Error(), o.opts.MaxAttempts)
	o.g.MarkInactive(name)
	fresh := o.isFreshLocked(name)
	var unmet []string
	if kind == genome.FailureDependency {
		unmet = o.unmetDependenciesLocked(name)
	}
	o.saveLocked()
	o.mu.Unlock()

	o.log.Error("unit failed to deploy", zap.String("unit", name),
		zap.String("kind", string(kind)), zap.Error(cause))
	o.bus.PublishAsync(bus.NewEvent(bus.TopicUnitFailed, "genesis", map[string]any{
		"unit": name, "kind": string(kind), "message": cause.Error(),
	}))

	if o.healer != nil {
		for _, dep := range unmet {
			if o.healer.ResolveMissingDependency(dep) {
				o.log.Info("healing scheduled for missing dependency",
					zap.String("unit", name), zap.String("dependency", dep))
			}
		}
	}

	if fresh && (kind == genome.FailureDependency || kind == genome.FailureContract) {
		o.log.Warn("rolling back fresh deployment", zap.String("unit", name))
		if err := o.genealogy.RevertLast(); err != nil {
			o.log.Error("rollback failed", zap.String("unit", name), zap.Error(err))
		}
	}
}

// HandleUnitFailure is the callback invoked from unit-worker goroutines
// when a running unit crashes. It shares the genome with the control loop
// through the orchestrator's mutex.
func (o *Orchestrator) HandleUnitFailure(name string, kind genome.FailureKind, cause error) {
	o.releasePermit(name)

	o.mu.Lock()
	o.g.RecordFailure(name, kind, cause.Error(), o.opts.MaxAttempts)
	o.g.MarkInactive(name)
	o.saveLocked()
	o.mu.Unlock()

	o.log.Error("running unit failed", zap.String("unit", name),
		zap.String("kind", string(kind)), zap.Error(cause))
	o.bus.PublishAsync(bus.NewEvent(bus.TopicUnitFailed, "genesis", map[string]any{
		"unit": name, "kind": string(kind), "message": cause.Error(),
	}))
}

// releasePermit returns a unit's concurrency slot, tolerating units that
// never held one.
func (o *Orchestrator) releasePermit(name string) {
	o.mu.Lock()
	held := o.permits[name]
	delete(o.permits, name)
	o.mu.Unlock()
	if held {
		o.sem.Release(1)
	}
}

// isFreshLocked reports whether the unit was deployed recently enough
// that a fatal-class failure should trigger rollback.
func (o *Orchestrator) isFreshLocked(name string) bool {
	at, ok := o.deployedAt[name]
	return ok && time.Since(at) < 2*o.opts.CycleInterval
}

// unmetDependenciesLocked lists declared dependency patterns of the
// unit's blueprint that no active unit matches.
func (o *Orchestrator) unmetDependenciesLocked(name string) []string {
	bp, ok := o.g.Blueprints[name]
	if !ok {
		return nil
	}
	var unmet []string
	for _, dep := range bp.Dependencies {
		matched := false
		for _, active := range o.g.ActiveSet {
			if genome.MatchPattern(dep, active) {
				matched = true
				break
			}
		}
		if !matched {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// recordFailure writes a ledger entry and persists the genome.
func (o *Orchestrator) recordFailure(name string, kind genome.FailureKind, message string) {
	o.mu.Lock()
	o.g.RecordFailure(name, kind, message, o.opts.MaxAttempts)
	o.saveLocked()
	o.mu.Unlock()

	o.log.Warn("unit generation failed", zap.String("unit", name),
		zap.String("kind", string(kind)), zap.String("message", message))
	o.bus.PublishAsync(bus.NewEvent(bus.TopicUnitFailed, "genesis", map[string]any{
		"unit": name, "kind": string(kind), "message": message,
	}))
}

func (o *Orchestrator) saveLocked() {
	if err := o.store.Save(o.g); err != nil {
		o.log.Error("genome save failed", zap.Error(err))
	}
}

// =============================================================================
// LIVE LOOP
// =============================================================================

func (o *Orchestrator) liveLoop(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.cycle(ctx)
		}
	}
}

// cycle is one Live-phase beat: reflect and evolve newly pending work,
// assimilate dormant units, publish a heartbeat.
func (o *Orchestrator) cycle(ctx context.Context) {
	o.evolveCycle(ctx)
	o.assimilate()
	o.heartbeat()
}

func (o *Orchestrator) heartbeat() {
	o.mu.Lock()
	pending := len(o.g.PendingBlueprints())
	failures := len(o.g.Failures)
	o.mu.Unlock()

	o.bus.PublishAsync(bus.NewEvent(bus.TopicHeartbeat, "genesis", map[string]any{
		"state":    o.State().String(),
		"running":  len(o.act.Running()),
		"pending":  pending,
		"failures": failures,
	}))
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return State(o.state.Load()) >= StateShuttingDown
	}
}

// Stop shuts the kernel down: stops the Live loop, drains the bus up to
// the timeout, and persists final genome state. Idempotent. Unit workers
// are not cancelled; detachment makes process exit sufficient cleanup.
func (o *Orchestrator) Stop(timeout time.Duration) {
	o.stopOnce.Do(func() {
		o.setState(StateShuttingDown)
		close(o.stopCh)
		if o.live.Load() {
			select {
			case <-o.doneCh:
			case <-time.After(timeout):
				o.log.Warn("live loop did not stop within timeout")
			}
		}

		o.bus.Stop(true, timeout)

		o.mu.Lock()
		if o.g != nil {
			o.saveLocked()
		}
		o.mu.Unlock()

		o.setState(StateStopped)
		o.log.Info("kernel stopped")
	})
}
