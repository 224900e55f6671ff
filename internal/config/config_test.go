package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30, cfg.Control.ConfigRefreshSec)
	assert.Equal(t, 5, cfg.Control.ConfigFetchTimeoutSec)
	assert.Equal(t, 300, cfg.Control.AuditSendTimeoutMillis)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, 1000, cfg.Audit.QueueCapacity)
	assert.Equal(t, "dev", cfg.Env)
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.Env = "production"
	cfg.applyDefaults()

	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "production", cfg.Env)
}

func TestApplyEnvOverrides_ReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ENV", "staging")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("RATE_LIMIT_RPM", "42")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "staging", cfg.Env)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 42, cfg.RateLimit.RequestsPerMinute)
}

func TestValidateRequired_ReportsEachMissingField(t *testing.T) {
	cfg := &Config{}
	err := cfg.validateRequired()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_API_BASE_URL")
	assert.Contains(t, err.Error(), "CONTROL_WORKER_SHARED_SECRET")
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestValidateRequired_PassesWhenAllSet(t *testing.T) {
	cfg := &Config{}
	cfg.Control.BaseURL = "http://control.internal"
	cfg.Control.SharedSecret = "shh"
	cfg.Redis.URL = "redis://localhost:6379/0"

	assert.NoError(t, cfg.validateRequired())
}

func TestGetEnvInt_FallsBackOnMissingOrInvalid(t *testing.T) {
	_ = os.Unsetenv("SOME_UNSET_VAR")
	assert.Equal(t, 7, getEnvInt("SOME_UNSET_VAR", 7))

	t.Setenv("SOME_INVALID_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("SOME_INVALID_INT", 7))
}
