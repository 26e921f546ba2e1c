// Package main is the entry point for ChurnGuard, the security core behind a
// subscription-cancellation web flow.
//
// ChurnGuard fronts the cancellation endpoints and provides:
//   - Fixed-window rate limiting across four named scopes (in-memory or Redis)
//   - Input sanitization for user-supplied cancellation data
//   - CSRF protection via double-submit cookies
//   - A/B variant assignment with downsell pricing
//   - A global request gatekeeper: bot filtering, header spoof detection,
//     security headers, request correlation
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/observability"
	"github.com/churnguard/churnguard/internal/redis"
	"github.com/churnguard/churnguard/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("churnguard %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting churnguard", "version", version)

	// Route go-redis internal logging through slog.
	redis.InitLogger(logger)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("churnguard shut down gracefully")
}
