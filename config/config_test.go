package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-orchestrator/orchestration"
	"github.com/songzhibin97/workflow-orchestrator/registry"
	"github.com/songzhibin97/workflow-orchestrator/storage"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	cfg := s.ManagerConfig()
	def := orchestration.NewDefaultConfig()
	assert.Equal(t, def.AutoRetry, cfg.AutoRetry)
	assert.Equal(t, def.DefaultRetryConfig, cfg.DefaultRetryConfig)
	assert.Equal(t, def.HealthCheckInterval, cfg.HealthCheckInterval)
	assert.Equal(t, def.GlobalTimeout, cfg.GlobalTimeout)
	assert.Equal(t, def.MaxConcurrentExecutions, cfg.MaxConcurrentExecutions)
	assert.True(t, cfg.EnableStepFactory)
	assert.Equal(t, registry.FailFast, s.FailurePolicy())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auto_retry: false
default_provider: local
health_check_interval: 10s
global_timeout: 2m
max_concurrent_executions: 4
retry:
  backoff: linear
  delay: 250ms
  max_attempts: 5
log:
  level: debug
  format: text
provider:
  failure_policy: best_effort
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	cfg := s.ManagerConfig()
	assert.False(t, cfg.AutoRetry)
	assert.Equal(t, "local", cfg.DefaultProvider)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 2*time.Minute, cfg.GlobalTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentExecutions)
	assert.Equal(t, types.RetryConfig{Backoff: types.BackoffLinear, Delay: 250 * time.Millisecond, MaxAttempts: 5}, cfg.DefaultRetryConfig)
	assert.Equal(t, registry.BestEffort, s.FailurePolicy())

	var buf bytes.Buffer
	s.Logger(&buf).Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENT_EXECUTIONS", "7")
	t.Setenv("ORCHESTRATOR_RETRY_DELAY", "3s")
	t.Setenv("ORCHESTRATOR_ENABLE_STEP_FACTORY", "false")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxConcurrentExecutions)
	assert.Equal(t, 3*time.Second, s.Retry.Delay)
	assert.False(t, s.EnableStepFactory)
}

func TestLoadFrom_JSON(t *testing.T) {
	s, err := LoadFrom(strings.NewReader(`{"global_timeout": "45s", "redis": {"key_prefix": "wf:"}}`), "json")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, s.GlobalTimeout)
	assert.Equal(t, "wf:", s.Redis.KeyPrefix)
}

func TestValidate(t *testing.T) {
	_, err := LoadFrom(strings.NewReader(`provider: {failure_policy: sometimes}`), "yaml")
	assert.ErrorIs(t, err, ErrInvalidFailurePolicy)

	_, err = LoadFrom(strings.NewReader(`max_concurrent_executions: -1`), "yaml")
	assert.ErrorIs(t, err, orchestration.ErrInvalidConcurrency)

	_, err = LoadFrom(strings.NewReader(`retry: {backoff: random}`), "yaml")
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	store, err := s.Store()
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)

	mr := miniredis.RunT(t)
	s.Redis.Addr = mr.Addr()
	store, err = s.Store()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.IsType(t, &storage.RedisStore{}, store)
}
