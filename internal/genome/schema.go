// Package genome holds the persistent aggregate state of a morphogen
// instance: its goals, the blueprint catalog, the set of deployed units,
// and the failure ledger that backs the circuit breaker.
//
// The genome is the single source of truth for the kernel. It is mutated
// only by the orchestrator and its delegates, and persisted atomically by
// the Store after every mutation.
package genome

import (
	"path"
	"time"
)

// SchemaVersion is bumped when the persisted layout changes shape.
const SchemaVersion = 2

// FailureKind classifies recorded failures for routing and recovery.
type FailureKind string

const (
	FailureGeneration      FailureKind = "generation"      // generator unavailable or retries exhausted
	FailureValidation      FailureKind = "validation"      // candidate rejected by the validator
	FailureMaterialization FailureKind = "materialization" // could not write the artifact
	FailureDependency      FailureKind = "dependency"      // activation failed resolving a dependency
	FailureContract        FailureKind = "contract"        // artifact does not satisfy the unit contract
	FailureExecution       FailureKind = "execution"       // unit crashed while running
)

// Blueprint describes a capability unit to be generated.
type Blueprint struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Dependencies []string  `json:"dependencies,omitempty"` // unit names or wildcard patterns
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Goal drives evolution. A goal with Required patterns is satisfied once
// every pattern matches at least one active unit; satisfaction is sticky
// and never reverts automatically.
type Goal struct {
	Description string    `json:"description"`
	Priority    int       `json:"priority"` // 1 = highest
	Satisfied   bool      `json:"satisfied"`
	Required    []string  `json:"required,omitempty"` // e.g. ["perception.*"]
	CreatedAt   time.Time `json:"created_at"`
}

// FailureRecord is one entry in the failure ledger. AttemptCount is
// monotonic until an explicit reset; CircuitOpen implies CircuitOpenedAt
// is set.
type FailureRecord struct {
	Name            string      `json:"name"`
	Kind            FailureKind `json:"kind"`
	Message         string      `json:"message"`
	Timestamp       time.Time   `json:"timestamp"`
	AttemptCount    int         `json:"attempt_count"`
	CircuitOpen     bool        `json:"circuit_open"`
	CircuitOpenedAt *time.Time  `json:"circuit_opened_at,omitempty"`
}

// Metadata carries aggregate counters about the genome itself.
type Metadata struct {
	LastModified       time.Time `json:"last_modified"`
	TotalGenerations   int       `json:"total_generations"`
	TotalFailures      int       `json:"total_failures"`
	LastSuccessfulUnit string    `json:"last_successful_unit,omitempty"`
}

// Genome is the root aggregate.
type Genome struct {
	Schema     int                   `json:"schema"`
	SystemName string                `json:"system_name"`
	Blueprints map[string]*Blueprint `json:"blueprints"`
	Goals      []*Goal               `json:"goals"`
	ActiveSet  []string              `json:"active_set"`
	Failures   []*FailureRecord      `json:"failures"`
	Metadata   Metadata              `json:"metadata"`
}

// New returns an empty genome with initialized collections.
func New() *Genome {
	return &Genome{
		Schema:     SchemaVersion,
		SystemName: "morphogen",
		Blueprints: make(map[string]*Blueprint),
		Metadata:   Metadata{LastModified: time.Now().UTC()},
	}
}

// TabulaRasa creates a fresh genome carrying the given seed goals.
func TabulaRasa(seedGoals []*Goal) *Genome {
	g := New()
	now := time.Now().UTC()
	for _, goal := range seedGoals {
		copied := *goal
		if copied.Priority == 0 {
			copied.Priority = 1
		}
		if copied.CreatedAt.IsZero() {
			copied.CreatedAt = now
		}
		g.Goals = append(g.Goals, &copied)
	}
	return g
}

// AddBlueprint inserts a blueprint or revises an existing one, bumping its
// version.
func (g *Genome) AddBlueprint(name, description string, dependencies []string) *Blueprint {
	now := time.Now().UTC()
	if bp, ok := g.Blueprints[name]; ok {
		bp.Description = description
		bp.Version++
		bp.UpdatedAt = now
		if len(dependencies) > 0 {
			bp.Dependencies = dependencies
		}
		return bp
	}
	bp := &Blueprint{
		Name:         name,
		Description:  description,
		Dependencies: dependencies,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.Blueprints[name] = bp
	return bp
}

// PendingBlueprints returns the blueprints whose units are not yet active.
func (g *Genome) PendingBlueprints() map[string]*Blueprint {
	pending := make(map[string]*Blueprint)
	for name, bp := range g.Blueprints {
		if !g.IsActive(name) {
			pending[name] = bp
		}
	}
	return pending
}

// IsActive reports whether a unit name is in the active set.
func (g *Genome) IsActive(name string) bool {
	for _, active := range g.ActiveSet {
		if active == name {
			return true
		}
	}
	return false
}

// MarkActive records a successful deployment. It must only be called after
// a deployment attempt succeeded.
func (g *Genome) MarkActive(name string) {
	if !g.IsActive(name) {
		g.ActiveSet = append(g.ActiveSet, name)
	}
	g.Metadata.TotalGenerations++
	g.Metadata.LastSuccessfulUnit = name
	g.Metadata.LastModified = time.Now().UTC()
}

// MarkInactive removes a unit from the active set after it failed.
func (g *Genome) MarkInactive(name string) {
	for i, active := range g.ActiveSet {
		if active == name {
			g.ActiveSet = append(g.ActiveSet[:i], g.ActiveSet[i+1:]...)
			return
		}
	}
}

// MatchPattern reports whether a unit name matches a dependency or goal
// pattern. Patterns use path.Match syntax over dotted names, so
// "perception.*" matches "perception.fswatch".
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// DependenciesSatisfied reports whether every dependency pattern of the
// blueprint matches at least one active unit.
func (g *Genome) DependenciesSatisfied(bp *Blueprint) bool {
	for _, dep := range bp.Dependencies {
		matched := false
		for _, active := range g.ActiveSet {
			if MatchPattern(dep, active) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// CheckGoalSatisfaction marks goals satisfied when every required pattern
// matches at least one active unit. Satisfaction is monotonic: already
// satisfied goals are never reverted. Returns the number of goals newly
// satisfied.
func (g *Genome) CheckGoalSatisfaction() int {
	newly := 0
	for _, goal := range g.Goals {
		if goal.Satisfied || len(goal.Required) == 0 {
			continue
		}
		all := true
		for _, pattern := range goal.Required {
			matched := false
			for _, active := range g.ActiveSet {
				if MatchPattern(pattern, active) {
					matched = true
					break
				}
			}
			if !matched {
				all = false
				break
			}
		}
		if all {
			goal.Satisfied = true
			newly++
		}
	}
	return newly
}

func (g *Genome) findFailure(name string) *FailureRecord {
	for _, f := range g.Failures {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FailureFor returns the ledger entry for a unit, or nil.
func (g *Genome) FailureFor(name string) *FailureRecord {
	return g.findFailure(name)
}
