package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"hookrelay/internal/types"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency (registry, cache, queue).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type pingProbe struct {
	name string
	hc   types.HealthChecker
}

// NewPingProbe adapts a types.HealthChecker.
func NewPingProbe(name string, hc types.HealthChecker) HealthProbe {
	return pingProbe{name: name, hc: hc}
}

func (p pingProbe) Name() string                    { return p.name }
func (p pingProbe) Check(ctx context.Context) error { return p.hc.Ping(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a 2s deadline. It answers
// 200 when all pass and 503 when any fails or times out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
		wg      sync.WaitGroup
	)
	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rv := recover(); rv != nil {
						err = fmt.Errorf("probe panicked: %v", rv)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	for _, probe := range probes {
		name := probe.Name()
		err, finished := results[name]
		switch {
		case !finished:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
