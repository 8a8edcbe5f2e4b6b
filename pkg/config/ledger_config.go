// Copyright 2025 Certen Protocol
//
// Ledger configuration loader.
//
// This file provides configuration loading for the VPB ledger from
// YAML files with environment variable substitution, for settings
// richer than the flat env-var Config covers (per-account overrides,
// structured validator stage policy).

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ==============================================================================
// Ledger Configuration Structures
// ==============================================================================

// LedgerConfig holds all ledger-specific configuration.
type LedgerConfig struct {
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	Lifecycle  LifecycleSettings  `yaml:"lifecycle"`
	Bloom      BloomSettings      `yaml:"bloom"`
	Checkpoint CheckpointSettings `yaml:"checkpoint"`
	Database   DatabaseSettings   `yaml:"database"`
	Server     ServerSettings     `yaml:"server"`
	Validator  ValidatorSettings  `yaml:"validator"`
}

// LifecycleSettings controls the Verified->Unspent sweep (spec.md §4.7).
type LifecycleSettings struct {
	VerifiedTTL    Duration `yaml:"verified_ttl"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	SweepBatchSize int      `yaml:"sweep_batch_size"`
}

// BloomSettings controls the Proof Manager's dedup filter sizing
// (spec.md §4.4).
type BloomSettings struct {
	ExpectedUnits    uint    `yaml:"expected_units"`
	FalsePositiveP   float64 `yaml:"false_positive_rate"`
	RebuildOnStartup bool    `yaml:"rebuild_on_startup"`
}

// CheckpointSettings controls the Checkpoint Store's in-memory cache
// (spec.md §4.5).
type CheckpointSettings struct {
	CacheSize  int      `yaml:"cache_size"`
	ExportPath string   `yaml:"export_path"`
	GCInterval Duration `yaml:"gc_interval"`
}

// DatabaseSettings contains Postgres connection pool configuration.
type DatabaseSettings struct {
	URL             string   `yaml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// ServerSettings contains the HTTP operation surface's listen
// addresses.
type ServerSettings struct {
	ListenAddr   string   `yaml:"listen_addr"`
	MetricsAddr  string   `yaml:"metrics_addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// ValidatorSettings holds per-stage toggles for the four-stage Validator
// Pipeline (spec.md §4.8). validator.Validate does not read them; every
// run executes all four stages.
type ValidatorSettings struct {
	EnableStructuralStage bool `yaml:"enable_structural_stage"`
	EnableSliceStage      bool `yaml:"enable_slice_stage"`
	EnableBloomStage      bool `yaml:"enable_bloom_stage"`
	EnableProofStage      bool `yaml:"enable_proof_stage"`
}

// ==============================================================================
// Duration Type for YAML Parsing
// ==============================================================================

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ==============================================================================
// Configuration Loading
// ==============================================================================

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LoadLedgerConfig loads ledger configuration from a YAML file.
// Environment variables in the format ${VAR_NAME} or ${VAR_NAME:-default}
// are substituted.
func LoadLedgerConfig(path string) (*LedgerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg LedgerConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLedgerConfigWithDefaults loads config with sensible defaults applied
// to any field left unset.
func LoadLedgerConfigWithDefaults(path string) (*LedgerConfig, error) {
	cfg, err := LoadLedgerConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func (c *LedgerConfig) applyDefaults() {
	if c.Lifecycle.VerifiedTTL == 0 {
		c.Lifecycle.VerifiedTTL = Duration(10 * time.Second)
	}
	if c.Lifecycle.SweepInterval == 0 {
		c.Lifecycle.SweepInterval = Duration(time.Second)
	}
	if c.Lifecycle.SweepBatchSize == 0 {
		c.Lifecycle.SweepBatchSize = 1000
	}

	if c.Bloom.ExpectedUnits == 0 {
		c.Bloom.ExpectedUnits = 100000
	}
	if c.Bloom.FalsePositiveP == 0 {
		c.Bloom.FalsePositiveP = 0.01
	}

	if c.Checkpoint.CacheSize == 0 {
		c.Checkpoint.CacheSize = 10000
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = Duration(time.Hour)
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "0.0.0.0:9090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(10 * time.Second)
	}

	if !c.Validator.EnableStructuralStage && !c.Validator.EnableSliceStage &&
		!c.Validator.EnableBloomStage && !c.Validator.EnableProofStage {
		c.Validator.EnableStructuralStage = true
		c.Validator.EnableSliceStage = true
		c.Validator.EnableBloomStage = true
		c.Validator.EnableProofStage = true
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} with
// environment variable values.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// ==============================================================================
// Configuration Validation
// ==============================================================================

// ValidateLedgerConfig validates the ledger configuration for production use.
func (c *LedgerConfig) ValidateLedgerConfig() error {
	var errs []string

	if c.Database.URL == "" || strings.HasPrefix(c.Database.URL, "${") {
		errs = append(errs, "database.url is required")
	}
	if c.Bloom.FalsePositiveP <= 0 || c.Bloom.FalsePositiveP >= 1 {
		errs = append(errs, "bloom.false_positive_rate must be in (0, 1)")
	}
	if c.Lifecycle.VerifiedTTL.Duration() <= 0 {
		errs = append(errs, "lifecycle.verified_ttl must be positive")
	}
	if c.Checkpoint.CacheSize < 0 {
		errs = append(errs, "checkpoint.cache_size must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("ledger config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsProduction reports whether this configuration targets production.
func (c *LedgerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
