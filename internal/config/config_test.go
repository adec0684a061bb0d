package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 9090, cfg.HealthPort)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 30*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 120*time.Second, cfg.InstallTimeout)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.False(t, cfg.StorageEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	// the _MS variable is a bare integer, the way deployment manifests set it
	t.Setenv("JOB_TIMEOUT_MS", "60000")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("OBJECT_STORE_ENDPOINT", "http://minio:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, time.Minute, cfg.JobTimeout)
	// fan-out is capped at 4
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.True(t, cfg.StorageEnabled())
}

func TestSlogLevel(t *testing.T) {
	cfg := Config{AppEnv: "prod", LogLevel: "warn"}
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())

	cfg.LogLevel = "error"
	assert.Equal(t, slog.LevelError, cfg.SlogLevel())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())

	// dev forces debug regardless of LOG_LEVEL
	cfg = Config{AppEnv: "dev", LogLevel: "error"}
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "TEST"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}
