package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"chatrelay/internal/ratelimit"
	"chatrelay/internal/resilience"
	"chatrelay/pkg/types"
)

// Prefix is prepended to every environment variable name
const Prefix = "RELAY_"

// EnvFileVar names the variable holding the dotenv path
const EnvFileVar = "RELAY_ENV_FILE"

// Store backends
const (
	StoreSQLite = "sqlite"
	StoreHTTP   = "http"
)

// Config is the process configuration. Every group is read from
// RELAY_<GROUP>_<NAME> variables.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `envPrefix:"WS_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Store     StoreConfig     `envPrefix:"STORE_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_"`
	Breaker   BreakerConfig   `envPrefix:"BREAKER_"`
	Retry     RetryConfig     `envPrefix:"RETRY_"`
	Typing    TypingConfig    `envPrefix:"TYPING_"`
	Message   MessageConfig   `envPrefix:"MESSAGE_"`
	Sweep     SweepConfig     `envPrefix:"SWEEP_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Addr returns the listen address
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WebSocketConfig struct {
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	ReadTimeout      time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"100"`
	MaxMessageBytes  int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	HandshakeRate    float64       `env:"HANDSHAKE_RATE" envDefault:"10"`
	HandshakeBurst   int           `env:"HANDSHAKE_BURST" envDefault:"20"`
	HandshakeIdleTTL time.Duration `env:"HANDSHAKE_IDLE_TTL" envDefault:"10m"`
	TrustProxy       bool          `env:"TRUST_PROXY" envDefault:"false"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"ISSUER" envDefault:"chatrelay"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type StoreConfig struct {
	Backend        string        `env:"BACKEND" envDefault:"sqlite"`
	SQLitePath     string        `env:"SQLITE_PATH" envDefault:"./data/chatrelay.db"`
	MaxConnections int           `env:"SQLITE_MAX_CONNECTIONS" envDefault:"10"`
	BusyTimeout    time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
	HTTPBaseURL    string        `env:"HTTP_BASE_URL"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
}

// NATSConfig configures the notification sinks. An empty URL selects log-only sinks.
type NATSConfig struct {
	URL           string        `env:"URL"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" envDefault:"chatrelay"`
	Name          string        `env:"NAME" envDefault:"chatrelay"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"60"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
}

// RateRule is read from <OP>_MAX and <OP>_WINDOW
type RateRule struct {
	Max    int           `env:"MAX"`
	Window time.Duration `env:"WINDOW"`
}

// RateLimitConfig holds one rule per operation. Unset values keep the
// ratelimit package defaults.
type RateLimitConfig struct {
	SendMessage   RateRule `envPrefix:"SEND_MESSAGE_"`
	JoinRoom      RateRule `envPrefix:"JOIN_ROOM_"`
	JoinGroup     RateRule `envPrefix:"JOIN_GROUP_"`
	Typing        RateRule `envPrefix:"TYPING_"`
	Receipt       RateRule `envPrefix:"RECEIPT_"`
	MessageRead   RateRule `envPrefix:"MESSAGE_READ_"`
	DeleteMessage RateRule `envPrefix:"DELETE_MESSAGE_"`
	Fallback      RateRule `envPrefix:"FALLBACK_"`
}

// Rules returns the per-operation rules keyed by operation name
func (c RateLimitConfig) Rules() map[string]ratelimit.Rule {
	return map[string]ratelimit.Rule{
		ratelimit.OpSendMessage:   c.SendMessage.rule(),
		ratelimit.OpJoinRoom:      c.JoinRoom.rule(),
		ratelimit.OpJoinGroup:     c.JoinGroup.rule(),
		ratelimit.OpTyping:        c.Typing.rule(),
		ratelimit.OpReceipt:       c.Receipt.rule(),
		ratelimit.OpMessageRead:   c.MessageRead.rule(),
		ratelimit.OpDeleteMessage: c.DeleteMessage.rule(),
	}
}

// FallbackRule applies to operations without a rule of their own
func (c RateLimitConfig) FallbackRule() ratelimit.Rule {
	return c.Fallback.rule()
}

func (r RateRule) rule() ratelimit.Rule {
	return ratelimit.Rule{MaxRequests: r.Max, Window: r.Window}
}

func fromRule(r ratelimit.Rule) RateRule {
	return RateRule{Max: r.MaxRequests, Window: r.Window}
}

func (c RateLimitConfig) named() map[string]RateRule {
	return map[string]RateRule{
		ratelimit.OpSendMessage:   c.SendMessage,
		ratelimit.OpJoinRoom:      c.JoinRoom,
		ratelimit.OpJoinGroup:     c.JoinGroup,
		ratelimit.OpTyping:        c.Typing,
		ratelimit.OpReceipt:       c.Receipt,
		ratelimit.OpMessageRead:   c.MessageRead,
		ratelimit.OpDeleteMessage: c.DeleteMessage,
		"fallback":                c.Fallback,
	}
}

// BreakerConfig holds breaker thresholds shared by every collaborator and
// per-collaborator call timeouts
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	ResetTimeout     time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
	MonitorInterval  time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"5s"`
	AuthCallTimeout  time.Duration `env:"AUTH_CALL_TIMEOUT" envDefault:"3s"`
	StoreCallTimeout time.Duration `env:"STORE_CALL_TIMEOUT" envDefault:"10s"`
}

type RetryConfig struct {
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	BaseDelay         time.Duration `env:"BASE_DELAY" envDefault:"200ms"`
	Multiplier        float64       `env:"MULTIPLIER" envDefault:"2"`
	MaxDelay          time.Duration `env:"MAX_DELAY" envDefault:"5s"`
	RetryableStatuses []int         `env:"RETRYABLE_STATUSES" envDefault:"408,429,500,502,503,504" envSeparator:","`
}

// Policy converts the retry settings
func (c RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelay,
		Multiplier:        c.Multiplier,
		MaxDelay:          c.MaxDelay,
		RetryableStatuses: c.RetryableStatuses,
	}
}

type TypingConfig struct {
	Inactivity    time.Duration `env:"INACTIVITY" envDefault:"3s"`
	StaleAfter    time.Duration `env:"STALE_AFTER" envDefault:"30s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10s"`
}

type MessageConfig struct {
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH" envDefault:"5000"`
	MaxExpiryHorizon time.Duration `env:"MAX_EXPIRY_HORIZON" envDefault:"168h"`
}

// Limits converts the message bounds
func (c MessageConfig) Limits() types.MessageLimits {
	return types.MessageLimits{
		MaxContentLength: c.MaxContentLength,
		MaxExpiryHorizon: c.MaxExpiryHorizon,
	}
}

type SweepConfig struct {
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"60s"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Settings returns the guard settings for one collaborator
func (c *Config) Settings(collaborator string) resilience.Settings {
	timeout := c.Breaker.CallTimeout
	switch collaborator {
	case resilience.CollaboratorAuth:
		timeout = c.Breaker.AuthCallTimeout
	case resilience.CollaboratorStore:
		timeout = c.Breaker.StoreCallTimeout
	}
	return resilience.Settings{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
		MonitorInterval:  c.Breaker.MonitorInterval,
		CallTimeout:      timeout,
		Retry:            c.Retry.Policy(),
	}
}

// newConfig returns a Config whose rate rules carry the package defaults.
// env.Parse leaves fields without a variable or envDefault untouched.
func newConfig() *Config {
	rules := ratelimit.DefaultRules()
	return &Config{
		RateLimit: RateLimitConfig{
			SendMessage:   fromRule(rules[ratelimit.OpSendMessage]),
			JoinRoom:      fromRule(rules[ratelimit.OpJoinRoom]),
			JoinGroup:     fromRule(rules[ratelimit.OpJoinGroup]),
			Typing:        fromRule(rules[ratelimit.OpTyping]),
			Receipt:       fromRule(rules[ratelimit.OpReceipt]),
			MessageRead:   fromRule(rules[ratelimit.OpMessageRead]),
			DeleteMessage: fromRule(rules[ratelimit.OpDeleteMessage]),
			Fallback:      fromRule(ratelimit.DefaultFallbackRule),
		},
	}
}

// Parse reads the environment without loading a dotenv file
func Parse() (*Config, error) {
	cfg := newConfig()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load reads the dotenv file named by RELAY_ENV_FILE (default .env) if it
// exists, then the environment, and validates the result.
// Priority: ENV vars > dotenv file > defaults.
func Load(logger zerolog.Logger) (*Config, error) {
	path := os.Getenv(EnvFileVar)
	if path == "" {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		logger.Debug().Str("path", path).Msg("No env file found, using environment variables only")
	} else {
		logger.Info().Str("path", path).Msg("Loaded configuration from env file")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	if err := positive(map[string]time.Duration{
		"HTTP read timeout":         c.HTTP.ReadTimeout,
		"HTTP write timeout":        c.HTTP.WriteTimeout,
		"HTTP shutdown timeout":     c.HTTP.ShutdownTimeout,
		"WebSocket ping interval":   c.WebSocket.PingInterval,
		"WebSocket read timeout":    c.WebSocket.ReadTimeout,
		"WebSocket write timeout":   c.WebSocket.WriteTimeout,
		"handshake timeout":         c.WebSocket.HandshakeTimeout,
		"handshake idle ttl":        c.WebSocket.HandshakeIdleTTL,
		"token ttl":                 c.Auth.TokenTTL,
		"breaker reset timeout":     c.Breaker.ResetTimeout,
		"breaker monitor interval":  c.Breaker.MonitorInterval,
		"breaker call timeout":      c.Breaker.CallTimeout,
		"auth call timeout":         c.Breaker.AuthCallTimeout,
		"store call timeout":        c.Breaker.StoreCallTimeout,
		"retry base delay":          c.Retry.BaseDelay,
		"retry max delay":           c.Retry.MaxDelay,
		"typing inactivity":         c.Typing.Inactivity,
		"typing stale bound":        c.Typing.StaleAfter,
		"typing sweep interval":     c.Typing.SweepInterval,
		"message expiry horizon":    c.Message.MaxExpiryHorizon,
		"reconcile interval":        c.Sweep.ReconcileInterval,
		"rate limit sweep interval": c.Sweep.RateLimitInterval,
	}); err != nil {
		return err
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval (%s) must be shorter than read timeout (%s)",
			c.WebSocket.PingInterval, c.WebSocket.ReadTimeout)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message bytes must be positive")
	}
	if c.WebSocket.HandshakeRate <= 0 || c.WebSocket.HandshakeBurst < 1 {
		return errors.New("handshake rate and burst must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("RELAY_AUTH_JWT_SECRET is required")
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite path cannot be empty")
		}
		if c.Store.MaxConnections < 1 {
			return errors.New("sqlite max connections must be greater than 0")
		}
		if c.Store.BusyTimeout < 0 {
			return errors.New("sqlite busy timeout cannot be negative")
		}
	case StoreHTTP:
		if c.Store.HTTPBaseURL == "" {
			return errors.New("store HTTP base URL is required for the http backend")
		}
		if c.Store.HTTPTimeout <= 0 {
			return errors.New("store HTTP timeout must be positive")
		}
	default:
		return fmt.Errorf("store backend must be one of: sqlite, http (got: %s)", c.Store.Backend)
	}

	if c.NATS.URL != "" && c.NATS.ReconnectWait <= 0 {
		return errors.New("NATS reconnect wait must be positive")
	}

	for op, rule := range c.RateLimit.named() {
		if rule.Max < 1 || rule.Window <= 0 {
			return fmt.Errorf("rate limit for %s must have max >= 1 and a positive window", op)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries cannot be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %.2f", c.Retry.Multiplier)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry max delay must not be shorter than base delay")
	}
	if c.Typing.StaleAfter <= c.Typing.Inactivity {
		return errors.New("typing stale bound must exceed the inactivity duration")
	}
	if c.Message.MaxContentLength < 1 {
		return errors.New("message max content length must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("log format must be one of: json, pretty (got: %s)", c.Log.Format)
	}

	return nil
}

func positive(durations map[string]time.Duration) error {
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// LogConfig logs the effective configuration without secrets
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.HTTP.Addr()).
		Strs("allowed_origins", c.HTTP.AllowedOrigins).
		Str("store_backend", c.Store.Backend).
		Bool("nats", c.NATS.URL != "").
		Dur("ping_interval", c.WebSocket.PingInterval).
		Int("send_buffer", c.WebSocket.SendBuffer).
		Int("breaker_threshold", c.Breaker.FailureThreshold).
		Int("max_retries", c.Retry.MaxRetries).
		Dur("typing_inactivity", c.Typing.Inactivity).
		Str("log_level", c.Log.Level).
		Str("log_format", c.Log.Format).
		Msg("Configuration loaded")
}
