// Command server runs the rate-limiting API gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokengate/tokengate/internal/api"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/coordination"
	"github.com/tokengate/tokengate/internal/generator"
	"github.com/tokengate/tokengate/internal/limiter"
	"github.com/tokengate/tokengate/internal/limits"
	"github.com/tokengate/tokengate/internal/observability"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 coordination store
// handshake failure.
const (
	exitOK        = 0
	exitBadConfig = 1
	exitHandshake = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitBadConfig
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		return exitBadConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	client, err := coordination.NewClient(cfg.Coordination)
	if err != nil {
		logger.Error("invalid coordination config", "error", err)
		return exitBadConfig
	}
	defer func() { _ = client.Close() }()

	handshakeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = coordination.Handshake(handshakeCtx, client, logger)
	cancel()
	if err != nil {
		logger.Error("coordination store unreachable, refusing to start", "error", err)
		return exitHandshake
	}

	engine := limiter.NewEngine(client, cfg.Window(), logger)
	resolver := limits.NewResolver(cfg.Limits, cfg.RateLimit.Ceiling())
	gen := generator.New(cfg.Generator)
	handler := api.NewHandler(logger, engine, resolver, gen, client, cfg.Server.MaxInflight, tp.Tracer())

	if configPath != "" {
		manager, err := config.NewManager(configPath, logger)
		if err != nil {
			logger.Error("config manager init failed", "error", err)
			return exitBadConfig
		}
		defer func() { _ = manager.Close() }()

		// Limit overrides and ceilings are hot-reloadable; the window and
		// server settings require a restart.
		manager.OnChange(func(c *config.Config) {
			handler.SetResolver(limits.NewResolver(c.Limits, c.RateLimit.Ceiling()))
			logger.Info("limit overrides reloaded", "overrides", len(c.Limits))
		})
		if err := manager.Watch(ctx); err != nil {
			logger.Error("config watch failed", "error", err)
			return exitBadConfig
		}
	}

	mux := http.NewServeMux()
	handler.Routes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      observability.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.Server.ListenAddr,
			"window_seconds", cfg.RateLimit.WindowSeconds,
			"max_inflight", cfg.Server.MaxInflight,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return exitBadConfig
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	logger.Info("gateway stopped")
	return exitOK
}
