package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Retry.MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestLoad_PartialFileKeepsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxywhirl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
retry:
  max_attempts: 7
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, Default().Cache.L1Max, cfg.Cache.L1Max)
	assert.Equal(t, Default().Health.ValidationLevel, cfg.Health.ValidationLevel)
}

func TestValidate_RejectsUnknownBackoff(t *testing.T) {
	cfg := Default()
	cfg.Retry.Backoff = "fibonacci"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBaseDelayAboveMaxDelay(t *testing.T) {
	cfg := Default()
	cfg.Retry.BaseDelayMs = 5000
	cfg.Retry.MaxDelayMs = 1000
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroBreakerThreshold(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownValidationLevel(t *testing.T) {
	cfg := Default()
	cfg.Health.ValidationLevel = "ULTRA"
	assert.Error(t, cfg.Validate())
}

func TestBreakerTimeout_ConvertsMillisecondsToDuration(t *testing.T) {
	cfg := Default()
	cfg.Breaker.TimeoutDurationMs = 1500
	assert.Equal(t, 1500*time.Millisecond, cfg.BreakerTimeout())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxywhirl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 3\n"), 0o600))

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	go func() { _ = w.Watch(func(cfg *Config) { reloaded <- cfg }) }()

	// Give the watcher a moment to register the file before editing it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 9\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Retry.MaxAttempts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
