// Package config defines the pulsemarket configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PULSEMARKET_* environment variables.
type Config struct {
	Pulse      PulseConfig      `toml:"pulse"`
	Resolution ResolutionConfig `toml:"resolution"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PulseConfig selects the clock source.
type PulseConfig struct {
	// Source is "wall" (bridge from genesis) or "anchor".
	Source      string `toml:"source"`
	AnchorPulse uint64 `toml:"anchor_pulse"`
	// AnchorAt is the RFC 3339 instant of AnchorPulse.
	AnchorAt string `toml:"anchor_at"`
}

// ResolutionConfig selects how markets are decided and how remote oracles
// are reached.
type ResolutionConfig struct {
	// Mode is "local" (deterministic fallback) or "remote" (oracle).
	Mode           string   `toml:"mode"`
	OracleURL      string   `toml:"oracle_url"`
	OracleProvider string   `toml:"oracle_provider"`
	OracleAPIKey   string   `toml:"oracle_api_key"`
	OracleSecret   string   `toml:"oracle_secret"`
	OracleTimeout  duration `toml:"oracle_timeout"`
	// OracleSigner, when set, is the only address whose attestations are
	// accepted.
	OracleSigner string `toml:"oracle_signer"`
	// AttestKey signs resolutions this process serves to other engines.
	// AttestKeyFile is a sealed alternative, opened with AttestKeyPassword.
	AttestKey         string `toml:"attest_key"`
	AttestKeyFile     string `toml:"attest_key_file"`
	AttestKeyPassword string `toml:"attest_key_password"`
	MaxSlippageBps    uint32 `toml:"max_slippage_bps"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory", "redis" or "postgres".
	Backend  string   `toml:"backend"`
	Prefix   string   `toml:"prefix"`
	Debounce duration `toml:"debounce"`
	// Origin names this process in change notifications. Empty generates one.
	Origin string `toml:"origin"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// Audit stores the audit log in PostgreSQL even when another backend
	// holds engine state.
	Audit bool `toml:"audit"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for snapshots.
type S3Config struct {
	Enabled             bool   `toml:"enabled"`
	Endpoint            string `toml:"endpoint"`
	Region              string `toml:"region"`
	Bucket              string `toml:"bucket"`
	AccessKey           string `toml:"access_key"`
	SecretKey           string `toml:"secret_key"`
	UseSSL              bool   `toml:"use_ssl"`
	ForcePathStyle      bool   `toml:"force_path_style"`
	Prefix              string `toml:"prefix"`
	SnapshotEveryPulses uint64 `toml:"snapshot_every_pulses"`
	Keep                int    `toml:"keep"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP. It needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Pulse: PulseConfig{Source: "wall"},
		Resolution: ResolutionConfig{
			Mode:           "local",
			OracleProvider: "http",
			OracleTimeout:  duration{10 * time.Second},
			MaxSlippageBps: 500,
		},
		Storage: StorageConfig{
			Backend:  "memory",
			Prefix:   "pulsemarket",
			Debounce: duration{250 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:            "http://localhost:9000",
			Region:              "us-east-1",
			Bucket:              "pulsemarket-snapshots",
			ForcePathStyle:      true,
			Prefix:              "snapshots",
			SnapshotEveryPulses: 688,
			Keep:                48,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_voided", "market_canceled", "timing_malformed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"redis":    true,
	"postgres": true,
}

// ServesHTTP reports whether the mode runs the API server.
func (c *Config) ServesHTTP() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Pulse.Source) {
	case "", "wall":
	case "anchor":
		if _, err := time.Parse(time.RFC3339, c.Pulse.AnchorAt); err != nil {
			errs = append(errs, fmt.Sprintf("pulse: anchor_at %q is not RFC 3339", c.Pulse.AnchorAt))
		}
	default:
		errs = append(errs, fmt.Sprintf("pulse: unknown source %q (valid: wall, anchor)", c.Pulse.Source))
	}

	r := c.Resolution
	switch strings.ToLower(r.Mode) {
	case "local", "remote":
	default:
		errs = append(errs, fmt.Sprintf("resolution: unknown mode %q (valid: local, remote)", r.Mode))
	}
	if r.OracleSigner != "" && !common.IsHexAddress(r.OracleSigner) {
		errs = append(errs, "resolution: oracle_signer must be a hex address")
	}
	if (r.OracleAPIKey == "") != (r.OracleSecret == "") {
		errs = append(errs, "resolution: oracle_api_key and oracle_secret must be set together")
	}
	if r.AttestKeyFile != "" && r.AttestKeyPassword == "" {
		errs = append(errs, "resolution: attest_key_file needs attest_key_password")
	}
	if r.MaxSlippageBps > 10_000 {
		errs = append(errs, "resolution: max_slippage_bps must be at most 10000")
	}

	backend := strings.ToLower(c.Storage.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, redis, postgres)", c.Storage.Backend))
	}
	if c.Storage.Prefix == "" {
		errs = append(errs, "storage: prefix is required")
	}
	if c.Storage.Debounce.Duration < 0 {
		errs = append(errs, "storage: debounce must not be negative")
	}
	if (backend == "redis" || c.Redis.Enabled) && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}
	if (backend == "postgres" || c.Postgres.Audit) && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host is required")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.SnapshotEveryPulses == 0 {
			errs = append(errs, "s3: snapshot_every_pulses must be positive")
		}
		if c.S3.Keep < 0 {
			errs = append(errs, "s3: keep must not be negative")
		}
	}

	if c.ServesHTTP() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
