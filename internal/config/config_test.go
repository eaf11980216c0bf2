package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")
}

func TestNewDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "maps", cfg.MapsTable)
	assert.Equal(t, "map_participants", cfg.ParticipantsTable)
	assert.Equal(t, 10, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 5, cfg.PersistMaxRetries)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, "localhost:4317", cfg.TracingEndpoint)
}

func TestNewTracingOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_ENDPOINT", "collector:4317")

	cfg, err := New()
	require.NoError(t, err)

	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "collector:4317", cfg.TracingEndpoint)
}

func TestNewEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ADDR", ":9999")
	t.Setenv("MAX_CONNECTIONS_PER_USER", "3")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxConnectionsPerUser)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.AllowedOrigins)
}

func TestNewYAMLFileWithEnvPrecedence(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7777\"\nlog_level: debug\n"), 0o600))
	t.Setenv("MAPSYNC_CONFIG", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Addr, "file value applies when env is unset")
	assert.Equal(t, "warn", cfg.LogLevel, "env overrides file")
}

func TestNewMissingRequired(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "")

	_, err := New()
	assert.Error(t, err)
}

func TestValidateLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero connections per user", func(c *Config) { c.MaxConnectionsPerUser = 0 }},
		{"negative retries", func(c *Config) { c.PersistMaxRetries = -1 }},
		{"zero queue size", func(c *Config) { c.PersistQueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.SupabaseURL = "https://example.supabase.co"
			cfg.SupabaseServiceKey = "key"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
