package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults and applies PULSEMARKET_* environment overrides. A
// missing file yields the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose PULSEMARKET_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Pulse ──
	setStr(&cfg.Pulse.Source, "PULSEMARKET_PULSE_SOURCE")
	setUint64(&cfg.Pulse.AnchorPulse, "PULSEMARKET_PULSE_ANCHOR_PULSE")
	setStr(&cfg.Pulse.AnchorAt, "PULSEMARKET_PULSE_ANCHOR_AT")

	// ── Resolution ──
	setStr(&cfg.Resolution.Mode, "PULSEMARKET_RESOLUTION_MODE")
	setStr(&cfg.Resolution.OracleURL, "PULSEMARKET_RESOLUTION_ORACLE_URL")
	setStr(&cfg.Resolution.OracleProvider, "PULSEMARKET_RESOLUTION_ORACLE_PROVIDER")
	setStr(&cfg.Resolution.OracleAPIKey, "PULSEMARKET_RESOLUTION_ORACLE_API_KEY")
	setStr(&cfg.Resolution.OracleSecret, "PULSEMARKET_RESOLUTION_ORACLE_SECRET")
	setDuration(&cfg.Resolution.OracleTimeout, "PULSEMARKET_RESOLUTION_ORACLE_TIMEOUT")
	setStr(&cfg.Resolution.OracleSigner, "PULSEMARKET_RESOLUTION_ORACLE_SIGNER")
	setStr(&cfg.Resolution.AttestKey, "PULSEMARKET_RESOLUTION_ATTEST_KEY")
	setStr(&cfg.Resolution.AttestKeyFile, "PULSEMARKET_RESOLUTION_ATTEST_KEY_FILE")
	setStr(&cfg.Resolution.AttestKeyPassword, "PULSEMARKET_RESOLUTION_ATTEST_KEY_PASSWORD")
	setUint32(&cfg.Resolution.MaxSlippageBps, "PULSEMARKET_RESOLUTION_MAX_SLIPPAGE_BPS")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "PULSEMARKET_STORAGE_BACKEND")
	setStr(&cfg.Storage.Prefix, "PULSEMARKET_STORAGE_PREFIX")
	setDuration(&cfg.Storage.Debounce, "PULSEMARKET_STORAGE_DEBOUNCE")
	setStr(&cfg.Storage.Origin, "PULSEMARKET_STORAGE_ORIGIN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PULSEMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "PULSEMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PULSEMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PULSEMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PULSEMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PULSEMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PULSEMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PULSEMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PULSEMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PULSEMARKET_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.Audit, "PULSEMARKET_POSTGRES_AUDIT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PULSEMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PULSEMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PULSEMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PULSEMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PULSEMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PULSEMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PULSEMARKET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PULSEMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PULSEMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PULSEMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "PULSEMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PULSEMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PULSEMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PULSEMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PULSEMARKET_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PULSEMARKET_S3_PREFIX")
	setUint64(&cfg.S3.SnapshotEveryPulses, "PULSEMARKET_S3_SNAPSHOT_EVERY_PULSES")
	setInt(&cfg.S3.Keep, "PULSEMARKET_S3_KEEP")

	// ── Server ──
	setInt(&cfg.Server.Port, "PULSEMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PULSEMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PULSEMARKET_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PULSEMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PULSEMARKET_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PULSEMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PULSEMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PULSEMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PULSEMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PULSEMARKET_MODE")
	setStr(&cfg.LogLevel, "PULSEMARKET_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
