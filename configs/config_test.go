package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := writeTempConfig(t, `
database_dsn: "user:pass@tcp(localhost:3306)/dlmm"
pools:
  usdc_wavax: "0x0000000000000000000000000000000000000001"
strategy:
  scanIntervalMs: 120000
  reserveRatio: 0.30
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/dlmm", cfg.DatabaseDSN)
	assert.Equal(t, 2*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 0.30, cfg.Strategy.ReserveRatio)
}

func TestLoadConfigEnvOverridesScanInterval(t *testing.T) {
	path := writeTempConfig(t, `
strategy:
  scanIntervalMs: 120000
`)
	t.Setenv("SCAN_INTERVAL_MS", "5000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
}

func TestLoadConfigDefaultsScanIntervalWhenUnset(t *testing.T) {
	path := writeTempConfig(t, "strategy:\n  reserveRatio: 0.3\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ScanInterval)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadConfigReconcileOnlyFlag(t *testing.T) {
	path := writeTempConfig(t, "strategy:\n  scanIntervalMs: 60000\n")
	t.Setenv("RECONCILE_ONLY", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.ReconcileOnly)
}
