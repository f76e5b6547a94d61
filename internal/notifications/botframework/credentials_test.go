package botframework

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTokenSource struct {
	calls   atomic.Int32
	ttl     time.Duration
	clock   types.Clock
	err     error
	release chan struct{}
}

func (f *fakeTokenSource) Exchange(context.Context) (external.AccessToken, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return external.AccessToken{}, f.err
	}
	return external.AccessToken{
		Value:     "tok-" + string(rune('0'+n)),
		ExpiresAt: f.clock.Now().Add(f.ttl),
	}, nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (nopLogger) Warn(string, ...any)        {}
func (l nopLogger) With(...any) types.Logger { return l }

func TestCredentials_TokenIsCachedUntilRenewal(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	src := &fakeTokenSource{ttl: time.Hour, clock: clock}
	creds := NewCredentials(src, nopLogger{}, WithClock(clock), WithRenewBefore(5*time.Minute))
	ctx := context.Background()

	tok, err := creds.Token(ctx, "https://smba.trafficmanager.net/emea/")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clock.Advance(50 * time.Minute)
	tok, err = creds.Token(ctx, "https://smba.trafficmanager.net/emea")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "trailing slash must hit the same cache entry")
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(6 * time.Minute)
	tok, err = creds.Token(ctx, "https://smba.trafficmanager.net/emea")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCredentials_ConcurrentMissesShareOneExchange(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	src := &fakeTokenSource{ttl: time.Hour, clock: clock, release: make(chan struct{})}
	creds := NewCredentials(src, nopLogger{}, WithClock(clock))

	const n = 20
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = creds.Token(context.Background(), "https://svc.example.com")
		}(i)
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestCredentials_SeparateURLsHaveSeparateTokens(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	src := &fakeTokenSource{ttl: time.Hour, clock: clock}
	creds := NewCredentials(src, nopLogger{}, WithClock(clock))

	a, err := creds.Token(context.Background(), "https://a.example.com")
	require.NoError(t, err)
	b, err := creds.Token(context.Background(), "https://b.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCredentials_ExchangeFailureIsDeliveryError(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	src := &fakeTokenSource{clock: clock, err: errors.New("invalid_client")}
	creds := NewCredentials(src, nopLogger{}, WithClock(clock))

	_, err := creds.Token(context.Background(), "https://svc.example.com")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeDeliveryFailed))
	assert.Contains(t, err.Error(), "invalid_client")

	// Failures are not cached.
	src.err = nil
	tok, err := creds.Token(context.Background(), "https://svc.example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestCredentials_CancelledCallerDoesNotWait(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	src := &fakeTokenSource{ttl: time.Hour, clock: clock, release: make(chan struct{})}
	defer close(src.release)
	creds := NewCredentials(src, nopLogger{}, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := creds.Token(ctx, "https://svc.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCredentials_TrustWindow(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	creds := NewCredentials(&fakeTokenSource{}, nopLogger{}, WithClock(clock))
	url := "https://SMBA.trafficmanager.net/emea/"

	assert.False(t, creds.IsTrusted(url))

	creds.Trust(url, clock.Now().Add(48*time.Hour))
	assert.True(t, creds.IsTrusted("https://smba.trafficmanager.net/emea"))

	// A shorter window never shortens the existing one.
	creds.Trust(url, clock.Now().Add(time.Hour))
	clock.Advance(2 * time.Hour)
	assert.True(t, creds.IsTrusted(url))

	clock.Advance(47 * time.Hour)
	assert.False(t, creds.IsTrusted(url))

	creds.Trust(url, clock.Now().Add(24*time.Hour))
	assert.True(t, creds.IsTrusted(url))
}

func TestClampTrustWindow(t *testing.T) {
	assert.Equal(t, MinTrustWindow, ClampTrustWindow(time.Hour))
	assert.Equal(t, 72*time.Hour, ClampTrustWindow(72*time.Hour))
	assert.Equal(t, MaxTrustWindow, ClampTrustWindow(30*24*time.Hour))
}
