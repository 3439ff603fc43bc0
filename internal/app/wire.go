package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/pulsemarket/internal/blob/s3"
	"github.com/alanyoungcy/pulsemarket/internal/cache/redis"
	"github.com/alanyoungcy/pulsemarket/internal/config"
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/keystore"
	"github.com/alanyoungcy/pulsemarket/internal/metrics"
	"github.com/alanyoungcy/pulsemarket/internal/notify"
	"github.com/alanyoungcy/pulsemarket/internal/oracle"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
	"github.com/alanyoungcy/pulsemarket/internal/store/postgres"
)

// Dependencies bundles the backends the modes run on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// KV holds engine records.
	KV domain.KVStore
	// Bus carries change notifications between engines and UI events to
	// websocket clients.
	Bus domain.SignalBus
	// Audit is nil unless PostgreSQL is wired.
	Audit domain.AuditStore
	// RateLimiter and Leases are nil unless Redis is wired.
	RateLimiter domain.RateLimiter
	Leases      domain.LeaseManager

	// Blobs is nil unless S3 is enabled.
	Blobs s3blob.BlobStore

	// Source decides remote markets. Nil leaves them to manual submission.
	Source domain.ResolutionSource
	// Attestor signs resolutions served to other engines. Nil disables the
	// oracle endpoint.
	Attestor *oracle.Attestor

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// blobStore joins the S3 writer and reader into one store.
type blobStore struct {
	*s3blob.Writer
	*s3blob.Reader
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New()}
	backend := strings.ToLower(cfg.Storage.Backend)

	// --- Redis ---
	if backend == "redis" || cfg.Redis.Enabled {
		redisClient, err := connect(ctx, logger, "redis", func() (*redis.Client, error) {
			return redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				PoolSize:   cfg.Redis.PoolSize,
				MaxRetries: cfg.Redis.MaxRetries,
				TLSEnabled: cfg.Redis.TLSEnabled,
				KeyPrefix:  cfg.Storage.Prefix,
			})
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Leases = redis.NewLeases(redisClient)
		if backend == "redis" {
			deps.KV = redis.NewKVStore(redisClient)
		}
	}

	// --- PostgreSQL ---
	if backend == "postgres" || cfg.Postgres.Audit {
		pgClient, err := connect(ctx, logger, "postgres", func() (*postgres.Client, error) {
			return postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Audit = postgres.NewAuditStore(pool)
		if backend == "postgres" {
			deps.KV = postgres.NewKVStore(pool)
		}
	}

	if deps.KV == nil {
		deps.KV = persist.NewMemoryKV()
	}
	if deps.Bus == nil {
		deps.Bus = persist.NewMemoryBus()
	}

	// --- S3 snapshots ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable; snapshots will retry",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Blobs = blobStore{Writer: s3blob.NewWriter(s3Client), Reader: s3blob.NewReader(s3Client)}
	}

	// --- Resolution ---
	source, err := resolutionSource(cfg.Resolution)
	if err != nil {
		return fail(err)
	}
	deps.Source = source

	keySrc := keystore.Source{
		RawHex:   cfg.Resolution.AttestKey,
		File:     cfg.Resolution.AttestKeyFile,
		Password: cfg.Resolution.AttestKeyPassword,
	}
	if !keySrc.Empty() {
		key, err := keystore.Load(keySrc)
		if err != nil {
			return fail(fmt.Errorf("wire: attest key: %w", err))
		}
		attestor, err := oracle.NewAttestor(key)
		if err != nil {
			return fail(fmt.Errorf("wire: attest key: %w", err))
		}
		deps.Attestor = attestor
		logger.InfoContext(ctx, "serving signed resolutions",
			slog.String("signer", attestor.Address().Hex()),
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// resolutionSource builds the oracle client for remote mode. Local mode and a
// remote mode without an oracle URL return nil.
func resolutionSource(cfg config.ResolutionConfig) (domain.ResolutionSource, error) {
	if !strings.EqualFold(cfg.Mode, "remote") || cfg.OracleURL == "" {
		return nil, nil
	}
	oc := oracle.Config{
		BaseURL:  strings.TrimSuffix(cfg.OracleURL, "/"),
		Provider: cfg.OracleProvider,
		Timeout:  cfg.OracleTimeout.Duration,
	}
	if cfg.OracleSigner != "" {
		if !common.IsHexAddress(cfg.OracleSigner) {
			return nil, fmt.Errorf("wire: oracle signer %q: %w", cfg.OracleSigner, domain.ErrInvalidInput)
		}
		addr := common.HexToAddress(cfg.OracleSigner)
		oc.Signer = &addr
	}
	if cfg.OracleAPIKey != "" {
		oc.Credentials = &oracle.Credentials{Key: cfg.OracleAPIKey, Secret: cfg.OracleSecret}
	}
	return oracle.NewClient(oc), nil
}
