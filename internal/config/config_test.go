package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"quantforge/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	// Set env var directly to test envconfig logic
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, config.QueueBackendMemory, cfg.QueueBackend)
	assert.Equal(t, time.Hour, cfg.JobTimeout)
	assert.Equal(t, 2*time.Hour, cfg.MonitorProcessingTimeout)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	// Create a temp .env file
	content := []byte("DB_HOST=loaded-from-file\nWORKER_MAX_CONCURRENT=4")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")
	defer os.Unsetenv("DB_HOST")
	defer os.Unsetenv("WORKER_MAX_CONCURRENT")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
	assert.Equal(t, 4, cfg.WorkerMaxConcurrent)
}

func TestLoadConfig_Toggles(t *testing.T) {
	os.Setenv("ENABLE_API", "false")
	os.Setenv("ENABLE_RETENTION", "false")
	os.Setenv("QUEUE_BACKEND", "redis")
	os.Setenv("ENGINE_ARGS", "run,--fast")
	defer os.Unsetenv("ENABLE_API")
	defer os.Unsetenv("ENABLE_RETENTION")
	defer os.Unsetenv("QUEUE_BACKEND")
	defer os.Unsetenv("ENGINE_ARGS")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.False(t, cfg.EnableRetention)
	assert.True(t, cfg.EnableWorker)
	assert.Equal(t, config.QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, []string{"run", "--fast"}, cfg.EngineArgs)
}

func TestLoadConfig_RejectsShortProcessingTimeout(t *testing.T) {
	os.Setenv("JOB_TIMEOUT", "60s")
	os.Setenv("MONITOR_PROCESSING_TIMEOUT", "65s")
	os.Setenv("MONITOR_SAFETY_MARGIN", "10s")
	defer os.Unsetenv("JOB_TIMEOUT")
	defer os.Unsetenv("MONITOR_PROCESSING_TIMEOUT")
	defer os.Unsetenv("MONITOR_SAFETY_MARGIN")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidTimeouts)
}
