package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.ServesHTTP())
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.Debounce.Duration)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Resolution.Mode = "oracle"
	cfg.Resolution.OracleSigner = "not-an-address"
	cfg.Storage.Backend = "redis"
	cfg.Redis.Addr = ""
	cfg.S3.Enabled = true
	cfg.S3.Bucket = ""
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`resolution: unknown mode "oracle"`,
		"oracle_signer must be a hex address",
		"redis: addr is required",
		"s3: bucket is required",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateAnchor(t *testing.T) {
	cfg := Defaults()
	cfg.Pulse.Source = "anchor"
	cfg.Pulse.AnchorAt = "yesterday"
	assert.ErrorContains(t, cfg.Validate(), "anchor_at")

	cfg.Pulse.AnchorAt = "2025-01-01T00:00:00Z"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsemarket.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "engine"

[storage]
backend = "postgres"
debounce = "1s"

[postgres]
dsn = "postgres://u:p@db:5432/pm"

[s3]
snapshot_every_pulses = 100
`), 0o600))

	t.Setenv("PULSEMARKET_LOG_LEVEL", "debug")
	t.Setenv("PULSEMARKET_STORAGE_PREFIX", "pm-test")
	t.Setenv("PULSEMARKET_NOTIFY_EVENTS", "market_resolved, market_voided ,")
	t.Setenv("PULSEMARKET_RESOLUTION_MAX_SLIPPAGE_BPS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "engine", cfg.Mode)
	assert.False(t, cfg.ServesHTTP())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "pm-test", cfg.Storage.Prefix)
	assert.Equal(t, time.Second, cfg.Storage.Debounce.Duration)
	assert.Equal(t, uint64(100), cfg.S3.SnapshotEveryPulses)
	assert.Equal(t, "us-east-1", cfg.S3.Region, "unset keys keep defaults")
	assert.Equal(t, []string{"market_resolved", "market_voided"}, cfg.Notify.Events)
	assert.Equal(t, uint32(500), cfg.Resolution.MaxSlippageBps, "unparsable overrides are ignored")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:secret@db/pm"
	cfg.Server.APIKey = "key"
	cfg.Resolution.AttestKey = "abcd"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Resolution.AttestKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "postgres://u:secret@db/pm", cfg.Postgres.DSN)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "market_resolved", cfg.Notify.Events[0])
}
