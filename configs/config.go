// Package configs loads the engine's YAML strategy configuration and merges
// it with process environment overrides, following the teacher's
// ReadFile-then-yaml.Unmarshal pattern.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the entire configuration structure loaded from config.yml plus
// environment overrides.
type Config struct {
	DatabaseDSN string            `yaml:"database_dsn"`
	Pools       map[string]string `yaml:"pools"` // name -> pool address
	Strategy    StrategyYAMLData  `yaml:"strategy"`

	ScanInterval  time.Duration
	ReconcileOnly bool
	DevMode       bool
}

// StrategyYAMLData mirrors spec.md's tunable constants as parsed from the
// strategy block of config.yml. Only ScanIntervalMs is applied (to
// ScanInterval, by LoadConfig); the other fields are parsed and exposed on
// Config but nothing reads them, so the engine keeps its built-in values.
type StrategyYAMLData struct {
	ScanIntervalMs            int     `yaml:"scanIntervalMs"`
	ReserveRatio               float64 `yaml:"reserveRatio"`
	ProofFeeCostRatio          float64 `yaml:"proofFeeCostRatio"`
	SpikeODSThreshold          float64 `yaml:"spikeOdsThreshold"`
	DefenseMinCostToLossRatio  float64 `yaml:"defenseMinCostToLossRatio"`
	EscapeHatchTTLMinutes      int     `yaml:"escapeHatchTtlMinutes"`
}

// LoadConfig reads config.yml, then applies .env/process environment
// overrides following the teacher's godotenv usage pattern.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// .env is optional; ignore a missing file but not a malformed one.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config.ScanInterval = time.Duration(config.Strategy.ScanIntervalMs) * time.Millisecond
	if v := os.Getenv("SCAN_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCAN_INTERVAL_MS: %w", err)
		}
		config.ScanInterval = time.Duration(ms) * time.Millisecond
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 2 * time.Minute
	}

	config.ReconcileOnly = os.Getenv("RECONCILE_ONLY") == "true"
	config.DevMode = os.Getenv("DEV_MODE") == "true"

	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.DatabaseDSN = v
	}

	return &config, nil
}
