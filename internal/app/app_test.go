package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/notifications/botframework"
	notify "hookrelay/internal/notifications/core"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

type discardLogger struct{}

func (l discardLogger) Info(string, ...any)      {}
func (l discardLogger) Error(string, ...any)     {}
func (l discardLogger) Warn(string, ...any)      {}
func (l discardLogger) With(...any) types.Logger { return l }

func memoryConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Service:     "hookrelay",
		Server:      config.ServerConfig{PublicURL: "https://relay.example.com"},
		Registry:    config.RegistryConfig{Backend: "memory"},
		Bot: config.BotConfig{
			AppID:       "app",
			AppPassword: "secret",
			TokenURL:    "https://login.example.com/token",
			TrustWindow: 24 * time.Hour,
			Locale:      "en-us",
			ChannelID:   "msteams",
			HTTPTimeout: time.Second,
		},
		Dispatch: config.DispatchConfig{
			Mode:            ModeInline,
			Concurrency:     4,
			DeliveryTimeout: time.Second,
		},
		TFS:           config.TFSConfig{APITimeout: time.Second},
		Observability: config.ObservabilityConfig{MetricsBackend: "prometheus"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), discardLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_MemoryRegistry(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	require.NotNil(t, a.Registry)
	assert.Nil(t, a.KV)
	assert.Empty(t, a.Probes)
	assert.IsType(t, &notify.PrometheusDeliveryMetrics{}, a.Delivery)

	ctx := context.Background()
	sub := types.Subscriber{
		ServerID:       "srv-1",
		ConversationID: "conv-1",
		ChannelID:      "msteams",
		ServiceURL:     "https://smba.trafficmanager.net/emea/",
	}
	require.NoError(t, a.Registry.Save(ctx, sub))

	subs, err := a.Registry.Lookup(ctx, "srv-1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	bound, err := a.Registry.ServerForConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", bound)
}

func TestNew_NoopMetrics(t *testing.T) {
	cfg := memoryConfig()
	cfg.Observability.MetricsBackend = "none"
	a := newTestApp(t, cfg)

	assert.IsType(t, notify.NoopDeliveryMetrics{}, a.Delivery)
}

func TestBroadcaster_InlineIsDispatcher(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	b, err := a.Broadcaster(context.Background())
	require.NoError(t, err)
	d, ok := b.(*notify.Dispatcher)
	require.True(t, ok, "inline mode should use the dispatcher, got %T", b)
	assert.Nil(t, d.OnConversationCreated)
}

func TestDispatcher_PersistConversations(t *testing.T) {
	cfg := memoryConfig()
	cfg.Dispatch.PersistConversations = true
	a := newTestApp(t, cfg)

	hook := a.Dispatcher().OnConversationCreated
	require.NotNil(t, hook)

	ctx := context.Background()
	sub := types.Subscriber{ServerID: "srv-1", ServiceURL: "https://smba.example.com", UserID: "u1", BotID: "b1"}
	require.NoError(t, a.Registry.Save(ctx, sub))
	require.NoError(t, hook(ctx, sub, "conv-1", "msteams"))

	subs, err := a.Registry.Lookup(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "conv-1", subs[0].ConversationID)
}

func TestBroadcaster_UnknownServerReportsNothingAttempted(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	b, err := a.Broadcaster(context.Background())
	require.NoError(t, err)

	report, err := b.Broadcast(context.Background(), "srv-unknown", format.TestMessage())
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestOnboarding_UsesMemorySessionsWithoutRedis(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	assert.NotNil(t, a.Onboarding())
	assert.NotNil(t, a.TFS())
}

func TestAuthenticator_DisabledOnlyLocally(t *testing.T) {
	local := memoryConfig()
	local.Bot.AuthDisabled = true
	assert.IsType(t, botframework.AllowUnsigned{}, newTestApp(t, local).Authenticator())

	staging := memoryConfig()
	staging.Environment = "staging"
	staging.Bot.AuthDisabled = true
	assert.IsType(t, &botframework.Authenticator{}, newTestApp(t, staging).Authenticator())

	assert.IsType(t, &botframework.Authenticator{}, newTestApp(t, memoryConfig()).Authenticator())
}

func TestClose_RunsClosersInReverse(t *testing.T) {
	var order []string
	a := &App{Closers: []io.Closer{
		closerFunc(func() error { order = append(order, "first"); return nil }),
		closerFunc(func() error { order = append(order, "second"); return nil }),
	}}

	require.NoError(t, a.Close())
	assert.Equal(t, []string{"second", "first"}, order)
}
