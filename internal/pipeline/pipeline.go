// Package pipeline turns a blueprint into a validated candidate artifact.
//
// Generation is delegated to a pluggable Generator (typically an LLM
// client) and acceptance to a pluggable Validator. On rejection the
// validator's diagnostic is fed back into the next attempt, bounded by a
// retry cap. The pipeline never deploys; that is the orchestrator's job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"morphogen/internal/genome"
)

// ErrUnavailable is returned by a Generator when no provider can serve
// the request at all (as opposed to a provider serving it badly).
var ErrUnavailable = errors.New("generator unavailable")

// Context carries everything a Generator may use besides the blueprint.
type Context struct {
	// ActiveUnits lists currently deployed unit names, for import/reuse
	// awareness.
	ActiveUnits []string
	// Feedback accumulates validator diagnostics from earlier attempts,
	// oldest first.
	Feedback []string
}

// Generator produces a candidate artifact for a blueprint.
type Generator interface {
	Generate(ctx context.Context, bp *genome.Blueprint, gc Context) (string, error)
}

// Validator decides whether a candidate artifact is acceptable. The
// diagnostic explains a rejection and is fed back into the next attempt.
type Validator interface {
	Validate(artifact, name string) (ok bool, diagnostic string)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, bp *genome.Blueprint, gc Context) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, bp *genome.Blueprint, gc Context) (string, error) {
	return f(ctx, bp, gc)
}

// Provenance records where an artifact came from.
type Provenance struct {
	Name        string
	Version     int
	Attempts    int
	GeneratedAt time.Time
}

// Result is a successfully generated and validated artifact.
type Result struct {
	Artifact   string
	Provenance Provenance
}

// Error is the recorded outcome of an exhausted pipeline run. It maps to
// the generation failure kind in the ledger.
type Error struct {
	Name           string
	Attempts       int
	LastDiagnostic string
	Unavailable    bool
}

func (e *Error) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("generation failed for %s: generator unavailable", e.Name)
	}
	return fmt.Sprintf("generation failed for %s after %d attempts: %s", e.Name, e.Attempts, e.LastDiagnostic)
}

const (
	// DefaultMaxAttempts bounds generate/validate rounds per blueprint.
	DefaultMaxAttempts = 3
	// DefaultTimeout is the hard per-call budget for the network-bound
	// Generator.
	DefaultTimeout = 2 * time.Minute
)

// Pipeline runs the generate-validate-retry loop.
type Pipeline struct {
	gen         Generator
	val         Validator
	maxAttempts int
	timeout     time.Duration
	log         *zap.Logger
}

// New builds a pipeline. Zero maxAttempts or timeout select the defaults.
func New(gen Generator, val Validator, maxAttempts int, timeout time.Duration, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{gen: gen, val: val, maxAttempts: maxAttempts, timeout: timeout, log: log}
}

// Run generates an artifact for the blueprint, retrying with accumulated
// validator feedback. Every Generator call carries a hard timeout so a
// stalled provider cannot stall the caller indefinitely.
func (p *Pipeline) Run(ctx context.Context, bp *genome.Blueprint, activeUnits []string) (*Result, error) {
	gc := Context{ActiveUnits: activeUnits}
	var lastDiag string

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		p.log.Info("generating artifact",
			zap.String("unit", bp.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts))

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		artifact, err := p.gen.Generate(callCtx, bp, gc)
		cancel()

		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return nil, &Error{Name: bp.Name, Attempts: attempt, Unavailable: true}
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastDiag = err.Error()
			p.log.Warn("generator call failed",
				zap.String("unit", bp.Name),
				zap.Error(err))
			continue
		}

		ok, diag := p.val.Validate(artifact, bp.Name)
		if ok {
			return &Result{
				Artifact: artifact,
				Provenance: Provenance{
					Name:        bp.Name,
					Version:     bp.Version,
					Attempts:    attempt,
					GeneratedAt: time.Now().UTC(),
				},
			}, nil
		}

		lastDiag = diag
		gc.Feedback = append(gc.Feedback, diag)
		p.log.Warn("candidate rejected",
			zap.String("unit", bp.Name),
			zap.String("diagnostic", diag))
	}

	return nil, &Error{Name: bp.Name, Attempts: p.maxAttempts, LastDiagnostic: lastDiag}
}
