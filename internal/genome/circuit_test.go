package genome

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	maxAttempts = 3
	cooldown    = 30 * time.Minute
)

func TestCircuitOpensAfterMaxAttempts(t *testing.T) {
	g := New()

	for i := 0; i < maxAttempts; i++ {
		assert.True(t, g.ShouldAttempt("x", maxAttempts, cooldown), "attempt %d should be allowed", i+1)
		g.RecordFailure("x", FailureExecution, "deployment failed", maxAttempts)
	}

	assert.False(t, g.ShouldAttempt("x", maxAttempts, cooldown))
	assert.True(t, g.IsCircuitOpen("x"))

	f := g.FailureFor("x")
	require.NotNil(t, f)
	assert.Equal(t, maxAttempts, f.AttemptCount)
	require.NotNil(t, f.CircuitOpenedAt, "circuit_open implies circuit_opened_at")
}

func TestCooldownClosesCircuitForOneAttempt(t *testing.T) {
	g := New()
	for i := 0; i < maxAttempts; i++ {
		g.RecordFailure("x", FailureGeneration, "boom", maxAttempts)
	}
	require.True(t, g.IsCircuitOpen("x"))

	// Backdate the opening past the cooldown.
	opened := time.Now().UTC().Add(-cooldown - time.Minute)
	g.FailureFor("x").CircuitOpenedAt = &opened

	assert.True(t, g.ShouldAttempt("x", maxAttempts, cooldown))
	assert.False(t, g.IsCircuitOpen("x"))

	// The fresh attempt failing re-opens immediately.
	g.RecordFailure("x", FailureGeneration, "boom again", maxAttempts)
	assert.False(t, g.ShouldAttempt("x", maxAttempts, cooldown))
	assert.True(t, g.IsCircuitOpen("x"))
}

func TestCooldownNotElapsedStaysOpen(t *testing.T) {
	g := New()
	for i := 0; i < maxAttempts; i++ {
		g.RecordFailure("x", FailureExecution, "boom", maxAttempts)
	}
	assert.False(t, g.ShouldAttempt("x", maxAttempts, cooldown))
	assert.True(t, g.IsCircuitOpen("x"))
}

func TestExplicitSuccessResetsLedger(t *testing.T) {
	g := New()
	g.RecordFailure("x", FailureValidation, "bad artifact", maxAttempts)
	g.RecordFailure("x", FailureValidation, "still bad", maxAttempts)

	g.ClearFailure("x")

	assert.Nil(t, g.FailureFor("x"))
	assert.True(t, g.ShouldAttempt("x", maxAttempts, cooldown))
	assert.False(t, g.IsCircuitOpen("x"))
}

func TestResetCircuitKeepsRecord(t *testing.T) {
	g := New()
	for i := 0; i < maxAttempts; i++ {
		g.RecordFailure("x", FailureExecution, "boom", maxAttempts)
	}
	g.ResetCircuit("x")

	f := g.FailureFor("x")
	require.NotNil(t, f)
	assert.Equal(t, 0, f.AttemptCount)
	assert.False(t, f.CircuitOpen)
	assert.Nil(t, f.CircuitOpenedAt)
	assert.True(t, g.ShouldAttempt("x", maxAttempts, cooldown))
}

func TestAttemptCountMonotonic(t *testing.T) {
	g := New()
	for i := 1; i <= 5; i++ {
		g.RecordFailure("x", FailureExecution, "boom", 0) // no cap: never opens
		assert.Equal(t, i, g.FailureFor("x").AttemptCount)
	}
	assert.False(t, g.IsCircuitOpen("x"))
}

func TestUnknownUnitAlwaysAttemptable(t *testing.T) {
	g := New()
	assert.True(t, g.ShouldAttempt("never-seen", maxAttempts, cooldown))
	assert.False(t, g.IsCircuitOpen("never-seen"))
}
