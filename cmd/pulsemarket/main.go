// Command pulsemarket runs the prediction-market ledger and settlement
// engine. It loads configuration, validates it, wires dependencies, sets up
// signal handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/pulsemarket/internal/app"
	"github.com/alanyoungcy/pulsemarket/internal/config"
	"github.com/alanyoungcy/pulsemarket/internal/keystore"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealPath := flag.String("seal-key", "", "seal $PULSEMARKET_SEAL_KEY with $PULSEMARKET_SEAL_PASSWORD into this file and exit")
	flag.Parse()

	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	if *sealPath != "" {
		if err := sealKey(*sealPath); err != nil {
			logger.Error("seal key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("attestation key sealed", slog.String("path", *sealPath))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("pulsemarket starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("pulsemarket stopped")
}

func sealKey(path string) error {
	data, err := keystore.Seal(os.Getenv("PULSEMARKET_SEAL_KEY"), os.Getenv("PULSEMARKET_SEAL_PASSWORD"))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
