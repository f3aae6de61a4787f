package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/agentq/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://agentq@localhost/agentq")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.MaxRunDuration)
	assert.Equal(t, []string{"read", "write", "exec"}, cfg.AllowedCapabilities)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("ALLOWED_CAPABILITIES", "read")
	t.Setenv("WORKER_ID", "desktop-1")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"read"}, cfg.AllowedCapabilities)
	assert.Equal(t, "desktop-1", cfg.OwnerID("0"))
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("EXECUTOR_URL", "https://runner.example.com/run")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECUTOR_SECRET")
}

func TestOwnerID_DefaultsToHost(t *testing.T) {
	cfg := &config.Config{}
	a, b := cfg.OwnerID("0"), cfg.OwnerID("1")
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
