package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hookrelay/internal/types"
)

// Recoverer catches panics in the handler chain, logs the stack trace and
// writes a 500 APIErrorResponse. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.Logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs method, path, status and duration of every request.
// Values of the headers in redacted (case-insensitive) are masked.
func RequestLogger(logger *slog.Logger, redacted []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redacted))
	for _, h := range redacted {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}
			if code := ww.Header().Get(ErrorHeader); code != "" {
				attrs = append(attrs, slog.String("error_code", code))
			}

			headers := make([]any, 0, len(r.Header))
			for name, values := range r.Header {
				if _, ok := redactSet[strings.ToLower(name)]; ok {
					headers = append(headers, slog.String(name, "[REDACTED]"))
					continue
				}
				headers = append(headers, slog.String(name, strings.Join(values, ", ")))
			}
			if len(headers) > 0 {
				attrs = append(attrs, slog.Group("headers", headers...))
			}

			switch status := ww.Status(); {
			case status >= 500:
				logger.Error("request completed", attrs...)
			case status >= 400:
				logger.Warn("request completed", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
		})
	}
}

type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
	}
}

// middleware records RED metrics labelled with the chi route pattern so
// server ids never become label values.
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		m.duration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(path, r.Method, status).Inc()
	})
}
