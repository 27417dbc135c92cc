package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ".morphogen", cfg.Paths.Root)
	assert.Equal(t, 30*time.Second, cfg.Metabolism.CycleInterval)
	assert.Equal(t, 3, cfg.CircuitBreaker.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.CircuitBreaker.Cooldown)
	assert.True(t, cfg.Genealogy.Enabled)
	assert.Equal(t, []string{"morphogen.", "kernel."}, cfg.Security.ProtectedPrefixes)
	assert.False(t, cfg.Security.AllowExternalInstall)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
metabolism:
  cycle_interval: 5s
  max_units_per_cycle: 1
genealogy:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Metabolism.CycleInterval)
	assert.Equal(t, 1, cfg.Metabolism.MaxUnitsPerCycle)
	assert.False(t, cfg.Genealogy.Enabled)
	// Untouched sections keep defaults.
	assert.Equal(t, 1000, cfg.Bus.QueueSize)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metabolism: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("MORPHOGEN_ROOT", "/srv/morphogen")
	t.Setenv("MORPHOGEN_LOG_LEVEL", "debug")
	t.Setenv("MORPHOGEN_CYCLE_INTERVAL", "90s")
	t.Setenv("MORPHOGEN_GENEALOGY", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.Generation.APIKey)
	assert.Equal(t, "/srv/morphogen", cfg.Paths.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 90*time.Second, cfg.Metabolism.CycleInterval)
	assert.False(t, cfg.Genealogy.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty root", func(c *Config) { c.Paths.Root = "" }},
		{"zero cycle interval", func(c *Config) { c.Metabolism.CycleInterval = 0 }},
		{"zero units per cycle", func(c *Config) { c.Metabolism.MaxUnitsPerCycle = 0 }},
		{"zero concurrent units", func(c *Config) { c.Metabolism.MaxConcurrentUnits = 0 }},
		{"negative max attempts", func(c *Config) { c.CircuitBreaker.MaxAttempts = -1 }},
		{"negative cooldown", func(c *Config) { c.CircuitBreaker.Cooldown = -time.Second }},
		{"zero retries", func(c *Config) { c.Generation.MaxRetries = 0 }},
		{"zero queue", func(c *Config) { c.Bus.QueueSize = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = "/srv/m"
	assert.Equal(t, filepath.Join("/srv/m", "genome.json"), cfg.GenomePath())
	assert.Equal(t, filepath.Join("/srv/m", "units"), cfg.DeployPath())
	assert.Equal(t, filepath.Join("/srv/m", "identity.json"), cfg.IdentityPath())

	cfg.Paths.Genome = "/elsewhere/genome.json"
	cfg.Paths.Deploy = "/elsewhere/units"
	assert.Equal(t, "/elsewhere/genome.json", cfg.GenomePath())
	assert.Equal(t, "/elsewhere/units", cfg.DeployPath())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Metabolism.CycleInterval = 7 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, loaded.Metabolism.CycleInterval)
}
