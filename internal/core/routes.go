package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hookrelay/internal/types"
)

// defaultRequestTimeout applies when SERVER_REQUEST_TIMEOUT is unset.
const defaultRequestTimeout = 30 * time.Second

// redactedHeaders are masked in request logs.
var redactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
}

// MountRoutes registers the global middleware, the handler registrars and the
// operational endpoints.
//
// Middleware order:
//  1. Recoverer       - outermost, catches every panic.
//  2. RequestID       - correlation id for logs and outbound calls.
//  3. ContextTimeout  - request deadline. Broadcasts detach from it.
//  4. SecurityHeaders
//  5. RequestLogger   - structured, redacted.
//  6. Metrics         - Prometheus RED metrics by route pattern.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))
	s.router.Use(s.metrics.middleware)

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates one, stores
// it via types.WithRequestID and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeadersMiddleware sets standard security response headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
