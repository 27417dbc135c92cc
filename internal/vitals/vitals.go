// Package vitals exposes a read-only status surface over the genome so
// operators can ask "how is the system doing" without scraping logs. A
// short-TTL cache keeps repeated queries from hammering the store.
package vitals

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"morphogen/internal/genome"
)

// Health summarizes one unit's condition.
type Health string

const (
	// Healthy: deployed, running, no failures on record.
	Healthy Health = "healthy"
	// Degraded: deployed and running, but the failure ledger has
	// attempts against it.
	Degraded Health = "degraded"
	// Sick: circuit open; the kernel has given up on it for now.
	Sick Health = "sick"
	// Stopped: deployed but not currently running.
	Stopped Health = "stopped"
)

// UnitInfo is the per-unit slice of a vitals report.
type UnitInfo struct {
	Name     string `json:"name"`
	Health   Health `json:"health"`
	Version  int    `json:"version"`
	Attempts int    `json:"attempts,omitempty"`
}

// GoalInfo reports one goal with the active units matching its patterns.
type GoalInfo struct {
	Description   string   `json:"description"`
	Priority      int      `json:"priority"`
	Satisfied     bool     `json:"satisfied"`
	MatchingUnits []string `json:"matching_units,omitempty"`
}

// FailureInfo is a ledger entry projected for display.
type FailureInfo struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	CircuitOpen bool      `json:"circuit_open"`
	Timestamp   time.Time `json:"timestamp"`
}

// Vitals is a point-in-time snapshot of the whole system.
type Vitals struct {
	SystemName     string        `json:"system_name"`
	CollectedAt    time.Time     `json:"collected_at"`
	Units          []UnitInfo    `json:"units"`
	Goals          []GoalInfo    `json:"goals"`
	Failures       []FailureInfo `json:"failures,omitempty"`
	PendingUnits   []string      `json:"pending_units,omitempty"`
	SatisfiedGoals int           `json:"satisfied_goals"`
	TotalGoals     int           `json:"total_goals"`
}

// Loader yields the current genome; satisfied by the store.
type Loader interface {
	Load() (*genome.Genome, error)
}

// RunningFunc reports the names of units the runtime is supervising. Nil
// means running state is unknown and units are assumed running.
type RunningFunc func() []string

// DefaultTTL bounds how stale a cached report may be.
const DefaultTTL = time.Second

// Reader collects vitals reports with a short-TTL cache.
type Reader struct {
	loader  Loader
	running RunningFunc
	ttl     time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	cached   *Vitals
	cachedAt time.Time
}

// NewReader creates a reader. ttl <= 0 selects DefaultTTL.
func NewReader(loader Loader, running RunningFunc, ttl time.Duration, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reader{loader: loader, running: running, ttl: ttl, log: log}
}

// Collect returns the current vitals, reusing a cached report younger
// than the TTL.
func (r *Reader) Collect() (*Vitals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && time.Since(r.cachedAt) < r.ttl {
		return r.cached, nil
	}

	g, err := r.loader.Load()
	if err != nil {
		return nil, err
	}
	v := r.assemble(g)
	r.cached = v
	r.cachedAt = time.Now()
	return v, nil
}

// Invalidate drops the cache; the next Collect reloads.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

func (r *Reader) assemble(g *genome.Genome) *Vitals {
	var runningSet map[string]bool
	if r.running != nil {
		runningSet = make(map[string]bool)
		for _, name := range r.running() {
			runningSet[name] = true
		}
	}

	v := &Vitals{
		SystemName:  g.SystemName,
		CollectedAt: time.Now().UTC(),
		TotalGoals:  len(g.Goals),
	}

	for _, name := range g.ActiveSet {
		info := UnitInfo{Name: name, Health: Healthy}
		if bp, ok := g.Blueprints[name]; ok {
			info.Version = bp.Version
		}
		if f := g.FailureFor(name); f != nil {
			info.Attempts = f.AttemptCount
			if f.CircuitOpen {
				info.Health = Sick
			} else if f.AttemptCount > 0 {
				info.Health = Degraded
			}
		}
		if runningSet != nil && !runningSet[name] && info.Health == Healthy {
			info.Health = Stopped
		}
		v.Units = append(v.Units, info)
	}
	sort.Slice(v.Units, func(i, j int) bool { return v.Units[i].Name < v.Units[j].Name })

	for _, goal := range g.Goals {
		gi := GoalInfo{
			Description: goal.Description,
			Priority:    goal.Priority,
			Satisfied:   goal.Satisfied,
		}
		for _, pattern := range goal.Required {
			for _, active := range g.ActiveSet {
				if genome.MatchPattern(pattern, active) {
					gi.MatchingUnits = append(gi.MatchingUnits, active)
				}
			}
		}
		if gi.Satisfied {
			v.SatisfiedGoals++
		}
		v.Goals = append(v.Goals, gi)
	}

	for _, f := range g.Failures {
		v.Failures = append(v.Failures, FailureInfo{
			Name:        f.Name,
			Kind:        string(f.Kind),
			Message:     f.Message,
			Attempts:    f.AttemptCount,
			CircuitOpen: f.CircuitOpen,
			Timestamp:   f.Timestamp,
		})
	}

	for name := range g.PendingBlueprints() {
		v.PendingUnits = append(v.PendingUnits, name)
	}
	sort.Strings(v.PendingUnits)
	return v
}
