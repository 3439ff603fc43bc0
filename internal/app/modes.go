package app

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/pulsemarket/internal/blob/s3"
	"github.com/alanyoungcy/pulsemarket/internal/config"
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/market"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
	"github.com/alanyoungcy/pulsemarket/internal/server"
	"github.com/alanyoungcy/pulsemarket/internal/server/handler"
	"github.com/alanyoungcy/pulsemarket/internal/server/ws"
	"github.com/alanyoungcy/pulsemarket/internal/service"
)

// uiChannels are the engine event channels forwarded to websocket clients.
var uiChannels = []string{
	service.ChannelVaults,
	service.ChannelMarkets,
	service.ChannelProphecies,
	service.ChannelResolutions,
	service.ChannelPulse,
}

// EngineMode runs the engine headless: ticks, settlement, reconciliation and
// notifications.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	engine, err := a.buildEngine(ctx, deps, nil)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, engine, deps)
	return g.Wait()
}

// ServerMode runs the engine behind the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	engine, err := a.buildEngine(ctx, deps, nil)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, engine, deps)
	a.startHTTPServer(ctx, g, engine, deps)
	return g.Wait()
}

// FullMode is ServerMode plus the snapshot archiver. An empty store is
// restored from the newest snapshot before the engine loads.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	var archiver *s3blob.Archiver
	restore := func(ctx context.Context, repo *persist.Repository) error {
		if deps.Blobs == nil {
			return nil
		}
		archiver = s3blob.NewArchiver(repo, deps.Blobs, deps.Audit, s3blob.ArchiverConfig{
			Prefix: path.Join(a.cfg.S3.Prefix, a.cfg.Storage.Prefix),
			Keep:   a.cfg.S3.Keep,
			Lease:  deps.Leases,
		}, a.logger)
		n, err := archiver.RestoreIfEmpty(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "state restored from snapshot", slog.Int("entries", n))
		}
		return nil
	}

	engine, err := a.buildEngine(ctx, deps, restore)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, engine, deps)
	a.startHTTPServer(ctx, g, engine, deps)

	if archiver != nil {
		every := a.cfg.S3.SnapshotEveryPulses
		g.Go(func() error {
			archiver.Run(ctx, pulse.Ticker(ctx, engine.Clock()), every)
			return nil
		})
	} else {
		a.logger.InfoContext(ctx, "snapshot archiver disabled (s3.enabled is false)")
	}

	return g.Wait()
}

// newClock builds the pulse clock from configuration.
func newClock(cfg config.PulseConfig) (*pulse.Clock, error) {
	if !strings.EqualFold(cfg.Source, "anchor") {
		return pulse.New(pulse.Options{}), nil
	}
	at, err := time.Parse(time.RFC3339, cfg.AnchorAt)
	if err != nil {
		return nil, fmt.Errorf("pulse anchor: %w", err)
	}
	return pulse.New(pulse.Options{Anchor: &pulse.Anchor{Pulse: domain.Pulse(cfg.AnchorPulse), At: at}}), nil
}

// buildEngine creates the repository and the engine, runs restore (when
// non-nil) against the empty repository and loads persisted state.
func (a *App) buildEngine(
	ctx context.Context,
	deps *Dependencies,
	restore func(context.Context, *persist.Repository) error,
) (*service.Engine, error) {
	clock, err := newClock(a.cfg.Pulse)
	if err != nil {
		return nil, err
	}

	repo := persist.NewRepository(deps.KV, persist.Options{
		Prefix:   a.cfg.Storage.Prefix,
		Origin:   a.cfg.Storage.Origin,
		Debounce: a.cfg.Storage.Debounce.Duration,
		Bus:      deps.Bus,
	}, a.logger)

	if restore != nil {
		if err := restore(ctx, repo); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	mode := market.Mode(strings.ToLower(a.cfg.Resolution.Mode))
	if mode == market.ModeRemote && deps.Source == nil {
		a.logger.WarnContext(ctx, "remote resolution without oracle_url, using local deterministic resolution")
		mode = market.ModeLocal
	}

	var recorder service.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	engine := service.NewEngine(service.Deps{
		Clock:          clock,
		Mode:           mode,
		Source:         deps.Source,
		Repo:           repo,
		Audit:          deps.Audit,
		Notifier:       deps.Notifier,
		Events:         deps.Bus,
		Recorder:       recorder,
		MaxSlippageBps: a.cfg.Resolution.MaxSlippageBps,
	}, a.logger)

	if err := engine.Load(ctx); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "engine ready",
		slog.String("clock", string(clock.Source())),
		slog.Uint64("pulse", uint64(engine.Now())),
		slog.String("origin", repo.Origin()),
	)
	return engine, nil
}

// startEngine adds the engine loop and the notifier to g.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, engine *service.Engine, deps *Dependencies) {
	g.Go(func() error {
		return engine.Run(ctx)
	})
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		g.Go(func() error {
			return deps.Notifier.Run(ctx)
		})
	}
}

// startHTTPServer adds the WebSocket hub and the HTTP server to g. The server
// is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, engine *service.Engine, deps *Dependencies) {
	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Channels: uiChannels,
		Status: func() any {
			return map[string]any{
				"mode":           a.cfg.Mode,
				"resolutionMode": string(engine.Mode()),
				"pulse":          uint64(engine.Now()),
				"startedAt":      startedAt,
			}
		},
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(engine, string(engine.Mode()), a.logger),
		Vaults:     handler.NewVaultHandler(engine, a.logger),
		Markets:    handler.NewMarketHandler(engine, a.logger),
		Prophecies: handler.NewProphecyHandler(engine, engine, deps.Audit, a.logger),
	}
	if deps.Metrics != nil {
		deps.Metrics.WatchEngine(engine)
		handlers.Metrics = deps.Metrics
	}
	if deps.Attestor != nil {
		handlers.Oracle = handler.NewOracleHandler(engine, deps.Attestor, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
