package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Provider.TimeoutSecs)
	assert.Equal(t, 10*time.Second, cfg.Provider.Timeout())
	assert.InDelta(t, 5.0, cfg.Provider.RatePerSec, 0.001)
	assert.Equal(t, 5, cfg.Provider.Burst)
	assert.Equal(t, 24, cfg.Session.TTLHours)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL())
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: recon.db
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins:
    - https://desk.example.com
session:
  ttl_hours: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://desk.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL())
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Provider.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("RECON_STORE_DRIVER", "postgres")
	t.Setenv("RECON_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("RECON_SERVER_PORT", "3000")
	t.Setenv("RECON_PROVIDER_API_KEY", "pk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "pk-test", cfg.Provider.APIKey)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Session.TTLHours = 24
	cfg.Provider.TimeoutSecs = 10
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "serve_ok", mode: "serve"},
		{name: "cli_ok", mode: "cli"},
		{name: "unknown_mode", mode: "batch", wantErr: "unknown mode"},
		{name: "bad_driver", mode: "cli", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver must be postgres or sqlite"},
		{name: "postgres_needs_url", mode: "cli", mutate: func(c *Config) { c.Store.Driver = "postgres" }, wantErr: "store.database_url is required"},
		{name: "postgres_with_url", mode: "cli", mutate: func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DatabaseURL = "postgres://localhost/recon"
		}},
		{name: "zero_ttl", mode: "serve", mutate: func(c *Config) { c.Session.TTLHours = 0 }, wantErr: "session.ttl_hours must be > 0"},
		{name: "zero_timeout", mode: "serve", mutate: func(c *Config) { c.Provider.TimeoutSecs = 0 }, wantErr: "provider.timeout_secs"},
		{name: "bad_port", mode: "serve", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "port_ignored_for_cli", mode: "cli", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "recommend_needs_key", mode: "recommend", wantErr: "anthropic.key is required"},
		{name: "recommend_ok", mode: "recommend", mutate: func(c *Config) { c.Anthropic.Key = "sk-ant" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "postgres"}}
	err := cfg.Validate("recommend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "session.ttl_hours must be > 0")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestResilienceConfig(t *testing.T) {
	r := ResilienceConfig{FailureThreshold: 3, ResetTimeoutSecs: 5, MaxAttempts: 4, InitialBackoffMs: 100, MaxBackoffMs: 2000}
	b := r.Breaker()
	assert.Equal(t, 3, b.Threshold)
	assert.Equal(t, 5*time.Second, b.Cooldown)

	bo := r.Backoff()
	assert.Equal(t, 4, bo.Attempts)
	assert.Equal(t, 100*time.Millisecond, bo.Initial)
	assert.Equal(t, 2*time.Second, bo.Max)

	def := ResilienceConfig{}.Breaker()
	assert.Equal(t, 5, def.Threshold)
	assert.Equal(t, 30*time.Second, def.Cooldown)
}
