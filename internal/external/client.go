// Package external is the boundary between hookrelay and the HTTP APIs it
// calls (Bot Framework, the OAuth token endpoint, TFS). All outbound HTTP
// goes through BaseClient, which adds request id propagation, retries with
// jittered backoff and a circuit breaker per upstream host, and maps
// failures to types.AppError.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"hookrelay/internal/types"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for external API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// BreakerSettings tunes the per-host circuit breakers.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker once exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker stays open before probing.
	OpenTimeout time.Duration
	// Interval clears the failure counts while closed.
	Interval time.Duration
}

// DefaultBreakerSettings returns the settings used when none are given.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            60 * time.Second,
	}
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseClient wraps an *http.Client with resilience and error mapping.
// Each upstream host gets its own breaker, so one tenant's broken service
// URL cannot block delivery to the others.
type BaseClient struct {
	client      *http.Client
	name        string
	retryPolicy RetryPolicy
	breakerCfg  BreakerSettings
	userAgent   string
	sleepFn     SleepFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn SleepFunc) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithBreakerSettings overrides DefaultBreakerSettings.
func WithBreakerSettings(s BreakerSettings) BaseClientOption {
	return func(c *BaseClient) {
		c.breakerCfg = s
	}
}

// NewBaseClient creates a BaseClient. name prefixes the breaker names in
// state change logs and errors.
func NewBaseClient(
	httpClient *http.Client,
	name string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	bc := &BaseClient{
		client:      httpClient,
		name:        name,
		retryPolicy: retryPolicy,
		breakerCfg:  DefaultBreakerSettings(),
		userAgent:   userAgent,
		sleepFn:     contextSleep,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// breakerFor returns the breaker for host, creating it on first use.
func (c *BaseClient) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	host = strings.ToLower(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.breakerCfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        c.name + ":" + host,
		MaxRequests: 1,
		Interval:    c.breakerCfg.Interval,
		Timeout:     c.breakerCfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the upstream's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host. Hosts never called are
// closed.
func (c *BaseClient) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[strings.ToLower(host)]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Do executes the HTTP request with:
//  1. Request id injection (X-Request-Id from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping, per request host
//  4. Retry on 429/5xx (respecting Retry-After headers)
//  5. Error mapping to types.AppError
//
// On success (2xx/3xx/4xx other than 429), Do returns the response as-is.
// The caller is responsible for closing the response body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if reqID := types.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so we can replay it on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	breaker := c.breakerFor(req.URL.Host)

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			if serr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(req, lastResp, lastErr)
}

// computeBackoff determines the wait duration before the next retry attempt.
// It respects the Retry-After header if present, otherwise uses exponential
// backoff with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))

	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError translates HTTP-level failures into AppErrors carrying the host.
func (c *BaseClient) mapError(req *http.Request, resp *http.Response, err error) *types.AppError {
	details := map[string]any{"host": req.URL.Host}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("circuit breaker open for %s", req.URL.Host),
			err,
			details,
		)
	}

	if resp != nil {
		details["status"] = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err, details)
		case resp.StatusCode >= 500:
			return types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
				details,
			)
		}
	}

	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable, "upstream request failed", err, details)
}
