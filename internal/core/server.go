// Package core provides the HTTP chassis for hookrelay. It builds a chi
// router with the cross-cutting concerns (panic recovery, request ids,
// logging, metrics) applied before requests reach the webhook handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"hookrelay/internal/config"
)

// RouteRegistrar mounts a group of handlers on the router. Handler packages
// provide registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the router and its dependencies.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// RouteRegistrars are applied by MountRoutes after the global middleware.
	RouteRegistrars []RouteRegistrar

	// Closers are released by Shutdown in order.
	Closers []io.Closer

	registry *prometheus.Registry
	metrics  *httpMetrics
	router   *chi.Mux
}

// NewServer creates a server whose HTTP metrics are registered on reg and
// exposed on /metrics. A nil reg gets a private registry.
func NewServer(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		registry:  reg,
		metrics:   newHTTPMetrics(reg),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases every registered closer and joins their errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.Error("error closing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing resources: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
