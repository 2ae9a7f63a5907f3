// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LUMACAST_CACHE_URI.
const EnvPrefix = "LUMACAST"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"password": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Room      RoomConfig      `mapstructure:"room"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig defines the hub's listener and connection settings.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	TLSCert        string   `mapstructure:"tls_cert"`
	TLSKey         string   `mapstructure:"tls_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	// MaxMessageBytes caps a single WebSocket frame.
	MaxMessageBytes       int64         `mapstructure:"max_message_bytes"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	PingInterval          time.Duration `mapstructure:"ping_interval"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
	JoinFailureCloseDelay time.Duration `mapstructure:"join_failure_close_delay"`
	MaxConnsPerPeer       int           `mapstructure:"max_conns_per_peer"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig selects the shared KV backend.
type CacheConfig struct {
	URI           string        `mapstructure:"uri"` // memory://, redis://, sqlite://, postgres://
	Prefix        string        `mapstructure:"prefix"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// HandshakeConfig defines session negotiation settings.
type HandshakeConfig struct {
	IdentityKey     string        `mapstructure:"identity_key"` // base64 P-256 scalar
	IdentityKeyFile string        `mapstructure:"identity_key_file"`
	BundleIDs       []string      `mapstructure:"bundle_ids"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	ReplayPast      time.Duration `mapstructure:"replay_past"`
	ReplayFuture    time.Duration `mapstructure:"replay_future"`
	LatestVersion   string        `mapstructure:"latest_version"`
	DownloadURL     string        `mapstructure:"download_url"`
}

// RoomConfig defines room limits and trial metering.
type RoomConfig struct {
	AudienceLimit  int           `mapstructure:"audience_limit"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	BroadcastDelay time.Duration `mapstructure:"broadcast_delay"`
	TrialMaxStay   time.Duration `mapstructure:"trial_max_stay"`
	TrialMaxUsage  time.Duration `mapstructure:"trial_max_usage"`
	UsageTTL       time.Duration `mapstructure:"usage_ttl"`
}

// GatewayConfig defines the external authorization gateway.
type GatewayConfig struct {
	Provider     string        `mapstructure:"provider"` // "webhook" or "static"
	URL          string        `mapstructure:"url"`
	Secret       string        `mapstructure:"secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWKSURL      string        `mapstructure:"jwks_url"`
	JWTIssuer    string        `mapstructure:"jwt_issuer"`
	RequireLogin bool          `mapstructure:"require_login"`
	// StaticActive marks every member activated when provider is static.
	StaticActive bool `mapstructure:"static_active"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format"` // "json" or "text"
}

// RateLimitConfig bounds the handshake endpoints per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{
		Gateway: GatewayConfig{RequireLogin: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	c.applyDefaults()
	return c
}

// Load reads the config file at path (optional), a .env file in the working
// directory (optional) and LUMACAST_* environment variables, then validates
// the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults := Default()
	// The provider default depends on whether a URL is configured.
	defaults.Gateway.Provider = ""
	for key, val := range defaults.settings() {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Write saves c to path. The format follows the file extension.
func (c *Config) Write(path string) error {
	v := viper.New()
	for key, val := range c.settings() {
		v.Set(key, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// settings flattens c into viper keys. Durations are written as strings so
// files stay readable.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"server.addr":                     c.Server.Addr,
		"server.tls_cert":                 c.Server.TLSCert,
		"server.tls_key":                  c.Server.TLSKey,
		"server.allowed_origins":          c.Server.AllowedOrigins,
		"server.max_body_bytes":           c.Server.MaxBodyBytes,
		"server.max_message_bytes":        c.Server.MaxMessageBytes,
		"server.idle_timeout":             c.Server.IdleTimeout.String(),
		"server.ping_interval":            c.Server.PingInterval.String(),
		"server.write_timeout":            c.Server.WriteTimeout.String(),
		"server.command_timeout":          c.Server.CommandTimeout.String(),
		"server.join_failure_close_delay": c.Server.JoinFailureCloseDelay.String(),
		"server.max_conns_per_peer":       c.Server.MaxConnsPerPeer,
		"server.shutdown_timeout":         c.Server.ShutdownTimeout.String(),

		"cache.uri":            c.Cache.URI,
		"cache.prefix":         c.Cache.Prefix,
		"cache.purge_interval": c.Cache.PurgeInterval.String(),

		"handshake.identity_key":      c.Handshake.IdentityKey,
		"handshake.identity_key_file": c.Handshake.IdentityKeyFile,
		"handshake.bundle_ids":        c.Handshake.BundleIDs,
		"handshake.challenge_ttl":     c.Handshake.ChallengeTTL.String(),
		"handshake.session_ttl":       c.Handshake.SessionTTL.String(),
		"handshake.replay_past":       c.Handshake.ReplayPast.String(),
		"handshake.replay_future":     c.Handshake.ReplayFuture.String(),
		"handshake.latest_version":    c.Handshake.LatestVersion,
		"handshake.download_url":      c.Handshake.DownloadURL,

		"room.audience_limit":  c.Room.AudienceLimit,
		"room.sweep_interval":  c.Room.SweepInterval.String(),
		"room.broadcast_delay": c.Room.BroadcastDelay.String(),
		"room.trial_max_stay":  c.Room.TrialMaxStay.String(),
		"room.trial_max_usage": c.Room.TrialMaxUsage.String(),
		"room.usage_ttl":       c.Room.UsageTTL.String(),

		"gateway.provider":      c.Gateway.Provider,
		"gateway.url":           c.Gateway.URL,
		"gateway.secret":        c.Gateway.Secret,
		"gateway.timeout":       c.Gateway.Timeout.String(),
		"gateway.jwt_secret":    c.Gateway.JWTSecret,
		"gateway.jwks_url":      c.Gateway.JWKSURL,
		"gateway.jwt_issuer":    c.Gateway.JWTIssuer,
		"gateway.require_login": c.Gateway.RequireLogin,
		"gateway.static_active": c.Gateway.StaticActive,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"rate_limit.requests_per_second": c.RateLimit.RequestsPerSecond,
		"rate_limit.burst":               c.RateLimit.Burst,

		"metrics.enabled": c.Metrics.Enabled,
		"metrics.path":    c.Metrics.Path,
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Handshake.IdentityKey == "" && c.Handshake.IdentityKeyFile == "" {
		return fmt.Errorf("handshake.identity_key or handshake.identity_key_file is required")
	}
	if c.Room.AudienceLimit < 0 {
		return fmt.Errorf("room.audience_limit must not be negative")
	}
	switch c.Gateway.Provider {
	case "", "static":
	case "webhook":
		if c.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required when provider is webhook")
		}
	default:
		return fmt.Errorf("unknown gateway provider: %q", c.Gateway.Provider)
	}
	if c.Gateway.Secret != "" && knownWeakSecrets[c.Gateway.Secret] {
		return fmt.Errorf("gateway.secret is a well-known weak secret; generate a new one")
	}
	if c.Gateway.JWTSecret != "" && len(c.Gateway.JWTSecret) < 32 {
		return fmt.Errorf("gateway.jwt_secret must be at least 32 characters")
	}
	if c.Gateway.JWTSecret != "" && c.Gateway.JWKSURL != "" {
		return fmt.Errorf("gateway.jwt_secret and gateway.jwks_url are mutually exclusive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 25 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.CommandTimeout == 0 {
		c.Server.CommandTimeout = 10 * time.Second
	}
	if c.Server.JoinFailureCloseDelay == 0 {
		c.Server.JoinFailureCloseDelay = 500 * time.Millisecond
	}
	if c.Server.MaxConnsPerPeer == 0 {
		c.Server.MaxConnsPerPeer = 4
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Cache.URI == "" {
		c.Cache.URI = "memory://"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "lumacast:"
	}
	if c.Cache.PurgeInterval == 0 {
		c.Cache.PurgeInterval = time.Minute
	}
	if c.Handshake.ChallengeTTL == 0 {
		c.Handshake.ChallengeTTL = 60 * time.Second
	}
	if c.Handshake.SessionTTL == 0 {
		c.Handshake.SessionTTL = 6 * time.Hour
	}
	if c.Handshake.ReplayPast == 0 {
		c.Handshake.ReplayPast = 300 * time.Second
	}
	if c.Handshake.ReplayFuture == 0 {
		c.Handshake.ReplayFuture = 60 * time.Second
	}
	if c.Room.AudienceLimit == 0 {
		c.Room.AudienceLimit = 1
	}
	if c.Room.SweepInterval == 0 {
		c.Room.SweepInterval = 30 * time.Second
	}
	if c.Room.BroadcastDelay == 0 {
		c.Room.BroadcastDelay = 50 * time.Millisecond
	}
	if c.Room.TrialMaxStay == 0 {
		c.Room.TrialMaxStay = 25 * time.Minute
	}
	if c.Room.TrialMaxUsage == 0 {
		c.Room.TrialMaxUsage = c.Room.TrialMaxStay
	}
	if c.Room.UsageTTL == 0 {
		c.Room.UsageTTL = 24 * time.Hour
	}
	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "static"
		if c.Gateway.URL != "" {
			c.Gateway.Provider = "webhook"
		}
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
