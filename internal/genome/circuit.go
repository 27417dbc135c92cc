package genome

import "time"

// =============================================================================
// CIRCUIT BREAKER / FAILURE LEDGER
// =============================================================================
// Per-unit failure state machine, stored inside the genome so it survives
// restarts:
//
//	Healthy --failure--> Degraded(1) --failure--> ... --failure--> CircuitOpen
//	CircuitOpen --cooldown elapsed--> Healthy (one fresh attempt)
//	any state --explicit success--> Healthy, attempts reset
//
// ShouldAttempt is the single gate the orchestrator consults. The
// CircuitOpen -> Healthy transition happens lazily inside it when the
// cooldown has elapsed; the orchestrator polls on a cycle, so no background
// timer is needed.

// RecordFailure records a failure for a unit, incrementing the attempt
// count of an existing entry or creating a fresh one. When the attempt
// count reaches maxAttempts the circuit opens.
func (g *Genome) RecordFailure(name string, kind FailureKind, message string, maxAttempts int) *FailureRecord {
	now := time.Now().UTC()
	f := g.findFailure(name)
	if f == nil {
		f = &FailureRecord{Name: name, AttemptCount: 0}
		g.Failures = append(g.Failures, f)
		g.Metadata.TotalFailures++
	}
	f.AttemptCount++
	f.Kind = kind
	f.Message = message
	f.Timestamp = now
	if maxAttempts > 0 && f.AttemptCount >= maxAttempts && !f.CircuitOpen {
		f.CircuitOpen = true
		f.CircuitOpenedAt = &now
	}
	g.Metadata.LastModified = now
	return f
}

// ClearFailure removes the ledger entry for a unit after an explicit
// success. This is the only path that resets the attempt count besides
// ResetCircuit.
func (g *Genome) ClearFailure(name string) {
	for i, f := range g.Failures {
		if f.Name == name {
			g.Failures = append(g.Failures[:i], g.Failures[i+1:]...)
			return
		}
	}
}

// ShouldAttempt reports whether the orchestrator may try to generate or
// deploy the unit. When the circuit is open and the cooldown has elapsed,
// the circuit is closed as a side effect and exactly one fresh attempt is
// permitted.
func (g *Genome) ShouldAttempt(name string, maxAttempts int, cooldown time.Duration) bool {
	f := g.findFailure(name)
	if f == nil {
		return true
	}
	if f.CircuitOpen {
		if f.CircuitOpenedAt != nil && time.Since(*f.CircuitOpenedAt) >= cooldown {
			f.CircuitOpen = false
			f.CircuitOpenedAt = nil
			return true
		}
		return false
	}
	if maxAttempts > 0 && f.AttemptCount >= maxAttempts {
		g.OpenCircuit(name)
		return false
	}
	return true
}

// OpenCircuit forces the circuit open for a unit with an existing ledger
// entry.
func (g *Genome) OpenCircuit(name string) {
	if f := g.findFailure(name); f != nil {
		now := time.Now().UTC()
		f.CircuitOpen = true
		f.CircuitOpenedAt = &now
	}
}

// IsCircuitOpen reports the current circuit state for a unit.
func (g *Genome) IsCircuitOpen(name string) bool {
	if f := g.findFailure(name); f != nil {
		return f.CircuitOpen
	}
	return false
}

// ResetCircuit is an administrative override: it closes the circuit and
// zeroes the attempt count without removing the ledger entry.
func (g *Genome) ResetCircuit(name string) {
	if f := g.findFailure(name); f != nil {
		f.CircuitOpen = false
		f.CircuitOpenedAt = nil
		f.AttemptCount = 0
	}
}
