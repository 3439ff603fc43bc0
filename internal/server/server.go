// Package server is the HTTP and WebSocket API over the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/metrics"
	"github.com/alanyoungcy/pulsemarket/internal/server/handler"
	"github.com/alanyoungcy/pulsemarket/internal/server/middleware"
	"github.com/alanyoungcy/pulsemarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables authentication when non-empty.
	APIKey string
	// RateLimit is the per-IP request budget per RateWindow. Zero disables
	// limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Vaults     *handler.VaultHandler
	Markets    *handler.MarketHandler
	Prophecies *handler.ProphecyHandler
	Oracle     *handler.OracleHandler
	// Metrics, when set, serves /metrics and observes every request.
	Metrics *metrics.Metrics
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/api/oracle/", "/metrics"}

// NewServer creates a Server with all routes registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/pulse", handlers.Health.Pulse)

	mux.HandleFunc("GET /api/vaults", handlers.Vaults.ListVaults)
	mux.HandleFunc("POST /api/vaults", handlers.Vaults.CreateVault)
	mux.HandleFunc("GET /api/vaults/active", handlers.Vaults.GetActive)
	mux.HandleFunc("PUT /api/vaults/active", handlers.Vaults.SetActive)
	mux.HandleFunc("GET /api/vaults/{id}", handlers.Vaults.GetVault)
	mux.HandleFunc("DELETE /api/vaults/{id}", handlers.Vaults.RemoveVault)
	mux.HandleFunc("POST /api/vaults/{id}/deposit", handlers.Vaults.Deposit)
	mux.HandleFunc("POST /api/vaults/{id}/withdraw", handlers.Vaults.Withdraw)
	mux.HandleFunc("PUT /api/vaults/{id}/status", handlers.Vaults.SetStatus)
	mux.HandleFunc("POST /api/vaults/{id}/holds", handlers.Vaults.Hold)
	mux.HandleFunc("DELETE /api/vaults/{id}/locks/{lockId}", handlers.Vaults.ReleaseLock)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("POST /api/markets/{id}/positions", handlers.Markets.PlacePosition)
	mux.HandleFunc("POST /api/markets/{id}/resolution", handlers.Markets.SubmitResolution)
	mux.HandleFunc("POST /api/markets/{id}/cancel", handlers.Markets.CancelMarket)

	mux.HandleFunc("GET /api/prophecies", handlers.Prophecies.ListProphecies)
	mux.HandleFunc("GET /api/prophecies/{id}", handlers.Prophecies.GetProphecy)
	mux.HandleFunc("GET /api/state", handlers.Prophecies.State)
	mux.HandleFunc("GET /api/audit", handlers.Prophecies.ListAudit)

	if handlers.Oracle != nil {
		mux.HandleFunc("GET /api/oracle/resolutions/{id}", handlers.Oracle.GetResolution)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics.Handler())
		h = middleware.Metrics(handlers.Metrics)(h)
	}
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
