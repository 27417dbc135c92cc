// Package config loads and validates morphogen's configuration. A missing
// config file yields defaults; environment variables override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Paths          PathsConfig          `yaml:"paths"`
	Metabolism     MetabolismConfig     `yaml:"metabolism"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Generation     GenerationConfig     `yaml:"generation"`
	Genealogy      GenealogyConfig      `yaml:"genealogy"`
	Security       SecurityConfig       `yaml:"security"`
	Bus            BusConfig            `yaml:"bus"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// PathsConfig locates the instance's on-disk state.
type PathsConfig struct {
	// Root holds everything the instance owns.
	Root string `yaml:"root"`
	// Genome is the genome file path; empty derives <root>/genome.json.
	Genome string `yaml:"genome"`
	// Deploy is the unit deployment root; empty derives <root>/units.
	Deploy string `yaml:"deploy"`
}

// MetabolismConfig paces the evolution loop.
type MetabolismConfig struct {
	CycleInterval       time.Duration `yaml:"cycle_interval"`
	MaxUnitsPerCycle    int           `yaml:"max_units_per_cycle"`
	MaxConcurrentUnits  int           `yaml:"max_concurrent_units"`
	MaxTotalUnits       int           `yaml:"max_total_units"`
	MaxEvolveIterations int           `yaml:"max_evolve_iterations"`
}

// CircuitBreakerConfig tunes per-unit failure handling.
type CircuitBreakerConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// GenerationConfig configures the unit generator.
type GenerationConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key,omitempty"`
}

// GenealogyConfig configures git snapshots of the deployment root.
type GenealogyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// SecurityConfig gates what evolved units may do.
type SecurityConfig struct {
	ProtectedPrefixes    []string `yaml:"protected_prefixes"`
	AllowExternalInstall bool     `yaml:"allow_external_install"`
	AllowedPackages      []string `yaml:"allowed_packages"`
}

// BusConfig sizes the event bus.
type BusConfig struct {
	QueueSize     int `yaml:"queue_size"`
	RetentionSize int `yaml:"retention_size"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root: ".morphogen",
		},
		Metabolism: MetabolismConfig{
			CycleInterval:       30 * time.Second,
			MaxUnitsPerCycle:    3,
			MaxConcurrentUnits:  8,
			MaxTotalUnits:       64,
			MaxEvolveIterations: 20,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxAttempts: 3,
			Cooldown:    30 * time.Minute,
		},
		Generation: GenerationConfig{
			MaxRetries: 3,
			Timeout:    2 * time.Minute,
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
		},
		Genealogy: GenealogyConfig{
			Enabled:     true,
			AuthorName:  "morphogen",
			AuthorEmail: "morphogen@localhost",
		},
		Security: SecurityConfig{
			ProtectedPrefixes: []string{"morphogen.", "kernel."},
		},
		Bus: BusConfig{
			QueueSize:     1000,
			RetentionSize: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML config at path, falling back to defaults when the
// file is absent, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GenomePath resolves the effective genome file location.
func (c *Config) GenomePath() string {
	if c.Paths.Genome != "" {
		return c.Paths.Genome
	}
	return filepath.Join(c.Paths.Root, "genome.json")
}

// DeployPath resolves the effective unit deployment root.
func (c *Config) DeployPath() string {
	if c.Paths.Deploy != "" {
		return c.Paths.Deploy
	}
	return filepath.Join(c.Paths.Root, "units")
}

// IdentityPath resolves the identity file location.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.Paths.Root, "identity.json")
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Generation.APIKey = key
	}
	if root := os.Getenv("MORPHOGEN_ROOT"); root != "" {
		c.Paths.Root = root
	}
	if level := os.Getenv("MORPHOGEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("MORPHOGEN_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Metabolism.CycleInterval = d
		}
	}
	if v := os.Getenv("MORPHOGEN_GENEALOGY"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Genealogy.Enabled = enabled
		}
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root must not be empty")
	}
	if c.Metabolism.CycleInterval <= 0 {
		return fmt.Errorf("metabolism.cycle_interval must be positive, got %s", c.Metabolism.CycleInterval)
	}
	if c.Metabolism.MaxUnitsPerCycle <= 0 {
		return fmt.Errorf("metabolism.max_units_per_cycle must be positive")
	}
	if c.Metabolism.MaxConcurrentUnits <= 0 {
		return fmt.Errorf("metabolism.max_concurrent_units must be positive")
	}
	if c.CircuitBreaker.MaxAttempts < 0 {
		return fmt.Errorf("circuit_breaker.max_attempts must not be negative")
	}
	if c.CircuitBreaker.Cooldown < 0 {
		return fmt.Errorf("circuit_breaker.cooldown must not be negative")
	}
	if c.Generation.MaxRetries <= 0 {
		return fmt.Errorf("generation.max_retries must be positive")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}
