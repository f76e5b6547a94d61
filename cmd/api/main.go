// Package main is the entry point for the hookrelay API server.
//
// It loads configuration, wires the registry, credentials and broadcaster
// through internal/app, mounts the webhook and bot message routes on the
// core chassis and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookrelay/internal/api/handlers"
	"hookrelay/internal/app"
	"hookrelay/internal/config"
	"hookrelay/internal/core"
	"hookrelay/internal/types"
)

// shutdownTimeout bounds graceful shutdown. It covers the broadcast grace so
// in-flight webhooks can still answer.
const shutdownTimeout = 15 * time.Second

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("hookrelay API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"registry_backend", cfg.Registry.Backend,
		"dispatch_mode", cfg.Dispatch.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return runHTTPServer(ctx, srv, cfg, logger)
}

// buildServer wires every dependency and mounts the routes.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	deps, err := app.New(ctx, cfg, logger, &slogAdapter{logger: logger})
	if err != nil {
		return nil, fmt.Errorf("wiring dependencies: %w", err)
	}

	broadcaster, err := deps.Broadcaster(ctx)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("creating broadcaster: %w", err)
	}

	srv, err := core.NewServer(cfg, logger, deps.Metrics)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = deps.Probes
	srv.Closers = append(srv.Closers, deps)

	webhooks := handlers.NewWebhookHandler(
		broadcaster,
		deps.Registry,
		deps.TFS(),
		srv.Validator,
		logger,
		handlers.WebhookConfig{
			BroadcastGrace:   cfg.Server.BroadcastGrace,
			ReportableStates: cfg.TFS.ReportableStates,
		},
	)
	messages := handlers.NewMessagesHandler(deps.Onboarding(), deps.Authenticator(), logger)

	srv.RouteRegistrars = append(srv.RouteRegistrars, webhooks.RegisterRoutes, messages.RegisterRoutes)
	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + cfg.Server.BroadcastGrace,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
