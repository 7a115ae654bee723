package config_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaleyeah/toolkernel/pkg/config"
)

var kernelVars = []string{
	"AUTH_ENABLED", "AUDIT_ENABLED", "AUDIT_LOG_PATH", "MAX_RETRIES", "RETRY_BACKOFF_MS",
	"MAX_PARALLEL", "CALL_TIMEOUT_MS", "CONFIRM_COMMANDS", "CONFIRM_TTL", "SESSION_TTL",
	"SESSION_STORE", "SESSION_DSN", "KERNEL_ROLE", "IDENTITY_SECRET", "LOG_LEVEL", "OTEL_SAMPLE_RATE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range kernelVars {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

// TestLoad_Defaults verifies the kernel boots with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.AuthEnabled)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff())
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, time.Duration(0), cfg.CallTimeout())
	assert.True(t, cfg.ConfirmCommands)
	assert.Equal(t, 15*time.Minute, cfg.ConfirmTTL)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, config.StoreMemory, cfg.SessionStore)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.False(t, cfg.OTelEnabled)
}

// TestLoad_Overrides verifies environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_BACKOFF_MS", "250")
	t.Setenv("CALL_TIMEOUT_MS", "3000")
	t.Setenv("CONFIRM_COMMANDS", "false")
	t.Setenv("SESSION_STORE", "sqlite")
	t.Setenv("SESSION_DSN", "file:sessions.db")
	t.Setenv("KERNEL_ROLE", "engineer")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.AuthEnabled)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, 3*time.Second, cfg.CallTimeout())
	assert.False(t, cfg.ConfirmCommands)
	assert.Equal(t, config.StoreSQLite, cfg.SessionStore)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"negative retries": {"MAX_RETRIES": "-1"},
		"zero parallel":    {"MAX_PARALLEL": "0"},
		"unknown store":    {"SESSION_STORE": "etcd"},
		"postgres no dsn":  {"SESSION_STORE": "postgres"},
		"bad role":         {"KERNEL_ROLE": "intern"},
		"short secret":     {"IDENTITY_SECRET": "short"},
		"bad sample rate":  {"OTEL_SAMPLE_RATE": "2"},
		"not a number":     {"MAX_RETRIES": "many"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
