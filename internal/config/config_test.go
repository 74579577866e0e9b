package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orafinite_test")
	t.Setenv("ENCRYPTION_KEY", "enc")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_HOST", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("ML_SIDECAR_URL", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "localhost:50051", cfg.MLSidecarURL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.FrontendURLs)
}

func TestLoad_RequiredVars(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)

	setBaseEnv(t)
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_OriginList(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FRONTEND_URL", "https://app.example.com, https://staging.example.com ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"https://app.example.com", "https://staging.example.com"},
		cfg.FrontendURLs)
}

func TestLoad_TuningOverlay(t *testing.T) {
	setBaseEnv(t)

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	yaml := `
guard:
  batch_size: 250
  flush_interval_ms: 100
scan:
  max_concurrent_scans: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Tuning.Guard.BatchSize)
	assert.Equal(t, 100, cfg.Tuning.Guard.FlushIntervalMs)
	assert.Equal(t, 8, cfg.Tuning.Scan.MaxConcurrentScans)
	// Unset knobs stay zero so subsystems apply their defaults.
	assert.Zero(t, cfg.Tuning.Guard.BufferCapacity)
}

func TestLoad_BadTuningFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
