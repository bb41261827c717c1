package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/ratelimit"
	"chatrelay/internal/resilience"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("RELAY_AUTH_JWT_SECRET", "test-secret")
	cfg, err := Parse()
	require.NoError(t, err)
	return cfg
}

func TestParse_Defaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.ReadTimeout)
	assert.Equal(t, 100, cfg.WebSocket.SendBuffer)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, []int{408, 429, 500, 502, 503, 504}, cfg.Retry.RetryableStatuses)
	assert.Equal(t, 3*time.Second, cfg.Typing.Inactivity)
	assert.Equal(t, 5000, cfg.Message.MaxContentLength)
	assert.Equal(t, 7*24*time.Hour, cfg.Message.MaxExpiryHorizon)
	assert.Equal(t, ratelimit.DefaultRules(), cfg.RateLimit.Rules())
	assert.Equal(t, ratelimit.DefaultFallbackRule, cfg.RateLimit.FallbackRule())

	assert.NoError(t, cfg.Validate())
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_AUTH_JWT_SECRET", "s")
	t.Setenv("RELAY_HTTP_PORT", "9090")
	t.Setenv("RELAY_HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("RELAY_STORE_BACKEND", "http")
	t.Setenv("RELAY_STORE_HTTP_BASE_URL", "http://store.internal")
	t.Setenv("RELAY_RATE_SEND_MESSAGE_MAX", "5")
	t.Setenv("RELAY_RATE_SEND_MESSAGE_WINDOW", "1s")
	t.Setenv("RELAY_RETRY_RETRYABLE_STATUSES", "503")
	t.Setenv("RELAY_BREAKER_STORE_CALL_TIMEOUT", "2s")

	cfg, err := Parse()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, StoreHTTP, cfg.Store.Backend)

	rules := cfg.RateLimit.Rules()
	assert.Equal(t, ratelimit.Rule{MaxRequests: 5, Window: time.Second}, rules[ratelimit.OpSendMessage])
	assert.Equal(t, ratelimit.DefaultRules()[ratelimit.OpTyping], rules[ratelimit.OpTyping])

	store := cfg.Settings(resilience.CollaboratorStore)
	assert.Equal(t, 2*time.Second, store.CallTimeout)
	assert.Equal(t, []int{503}, store.Retry.RetryableStatuses)
	assert.Equal(t, 5*time.Second, cfg.Settings(resilience.CollaboratorPresence).CallTimeout)
	assert.Equal(t, 3*time.Second, cfg.Settings(resilience.CollaboratorAuth).CallTimeout)
}

func TestParse_InvalidValue(t *testing.T) {
	t.Setenv("RELAY_HTTP_PORT", "not-a-number")

	_, err := Parse()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"zero read timeout", func(c *Config) { c.HTTP.ReadTimeout = 0 }},
		{"ping not shorter than read timeout", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.ReadTimeout }},
		{"zero send buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"http store without url", func(c *Config) { c.Store.Backend = StoreHTTP }},
		{"zero rate max", func(c *Config) { c.RateLimit.JoinRoom.Max = 0 }},
		{"zero fallback window", func(c *Config) { c.RateLimit.Fallback.Window = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"cap below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }},
		{"stale bound too short", func(c *Config) { c.Typing.StaleAfter = c.Typing.Inactivity }},
		{"zero content length", func(c *Config) { c.Message.MaxContentLength = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_AUTH_JWT_SECRET=from-file\nRELAY_LOG_LEVEL=debug\n"), 0o600))

	t.Setenv(EnvFileVar, path)
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("RELAY_AUTH_JWT_SECRET") })

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level, "process environment wins over the env file")
}

func TestLoad_MissingEnvFileTolerated(t *testing.T) {
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("RELAY_AUTH_JWT_SECRET", "s")

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "s", cfg.Auth.JWTSecret)
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("RELAY_AUTH_JWT_SECRET", "")

	_, err := Load(zerolog.Nop())
	assert.ErrorContains(t, err, "JWT_SECRET")
}
