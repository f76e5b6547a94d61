package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/db"
	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

type fakeRegistry struct {
	LookupF func(ctx context.Context, serverID string) ([]types.Subscriber, error)
	SaveF   func(ctx context.Context, sub types.Subscriber) error
}

func (f *fakeRegistry) Lookup(ctx context.Context, serverID string) ([]types.Subscriber, error) {
	return f.LookupF(ctx, serverID)
}

func (f *fakeRegistry) Save(ctx context.Context, sub types.Subscriber) error {
	if f.SaveF == nil {
		return nil
	}
	return f.SaveF(ctx, sub)
}

type fakeCreds struct {
	mu      sync.Mutex
	TokenF  func(ctx context.Context, serviceURL string) (string, error)
	trusted map[string]time.Time
}

func (f *fakeCreds) Token(ctx context.Context, serviceURL string) (string, error) {
	if f.TokenF == nil {
		return "tok", nil
	}
	return f.TokenF(ctx, serviceURL)
}

func (f *fakeCreds) Trust(serviceURL string, until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trusted == nil {
		f.trusted = map[string]time.Time{}
	}
	f.trusted[serviceURL] = until
}

type fakeTransport struct {
	mu       sync.Mutex
	creates  int
	sent     []botframework.OutboundActivity
	CreateF  func(serviceURL string) (string, error)
	SendF    func(act botframework.OutboundActivity) error
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (f *fakeTransport) CreateConversation(_ context.Context, serviceURL, _ string, _, _ botframework.ChannelAccount) (string, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	if f.CreateF != nil {
		return f.CreateF(serviceURL)
	}
	return "conv-new", nil
}

func (f *fakeTransport) Send(_ context.Context, _, _ string, act botframework.OutboundActivity) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.sent = append(f.sent, act)
	f.mu.Unlock()
	if f.SendF != nil {
		return f.SendF(act)
	}
	return nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	results   []MetricResult
	latencies int
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, _ types.EventKind, r MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
}

func (m *recordingMetrics) RecordLatency(context.Context, types.EventKind, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *recordingMetrics) RecordQueueLag(context.Context, time.Duration) {}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func subscriber(i int) types.Subscriber {
	return types.Subscriber{
		ServerID:       "srv-1",
		ConversationID: fmt.Sprintf("conv-%d", i),
		ChannelID:      "msteams",
		ServiceURL:     "https://smba.example.com/emea",
		UserID:         fmt.Sprintf("user-%d", i),
		BotID:          "bot",
		BotName:        "hookrelay",
	}
}

func newTestDispatcher(reg types.SubscriberRegistry, creds *fakeCreds, tr *fakeTransport, metrics DeliveryMetrics, cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(reg, creds, tr, metrics, &mockClock{now: testNow}, &mockLogger{}, cfg)
}

func testMsg() format.Message {
	return format.Message{Kind: types.EventKindBuild, Lines: []string{"BUILD 42", "", "succeeded"}}
}

func TestDispatcher_Broadcast_IsolatesFailures(t *testing.T) {
	const n = 5
	subs := make([]types.Subscriber, n)
	for i := range subs {
		subs[i] = subscriber(i)
	}
	reg := &fakeRegistry{LookupF: func(context.Context, string) ([]types.Subscriber, error) { return subs, nil }}
	tr := &fakeTransport{SendF: func(act botframework.OutboundActivity) error {
		if act.ConversationID == "conv-2" {
			return errors.New("403 forbidden")
		}
		return nil
	}}
	metrics := &recordingMetrics{}
	d := newTestDispatcher(reg, &fakeCreds{}, tr, metrics, DispatcherConfig{Concurrency: 3})

	report, err := d.Broadcast(context.Background(), "srv-1", testMsg())
	require.NoError(t, err)

	assert.Equal(t, "srv-1", report.ServerID)
	assert.Equal(t, n, report.Attempted)
	assert.Equal(t, n-1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, tr.sent, n, "every subscriber must be attempted")

	failed := report.FailedOutcomes()
	require.Len(t, failed, 1)
	assert.Equal(t, "conv-2", failed[0].Subscriber.ConversationID)
	assert.Equal(t, StageSend, failed[0].Stage)
	assert.True(t, types.IsCode(failed[0].Err, types.ErrCodeDeliveryFailed))

	// outcomes stay in registry order
	for i, o := range report.Outcomes {
		assert.Equal(t, subs[i].ConversationID, o.Subscriber.ConversationID)
	}

	assert.Len(t, metrics.results, n)
	assert.Equal(t, 1, metrics.latencies)
}

func TestDispatcher_Broadcast_UnknownServerID(t *testing.T) {
	reg := &fakeRegistry{LookupF: func(context.Context, string) ([]types.Subscriber, error) { return []types.Subscriber{}, nil }}
	creds := &fakeCreds{TokenF: func(context.Context, string) (string, error) {
		t.Fatal("token must not be requested")
		return "", nil
	}}
	tr := &fakeTransport{}
	d := newTestDispatcher(reg, creds, tr, nil, DispatcherConfig{})

	report, err := d.Broadcast(context.Background(), "nobody", testMsg())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, tr.sent)
	assert.Zero(t, tr.creates)
}

func TestDispatcher_Broadcast_RegistryUnavailable(t *testing.T) {
	reg := &fakeRegistry{LookupF: func(context.Context, string) ([]types.Subscriber, error) {
		return nil, errors.New("connection refused")
	}}
	tr := &fakeTransport{}
	d := newTestDispatcher(reg, &fakeCreds{}, tr, nil, DispatcherConfig{})

	report, err := d.Broadcast(context.Background(), "srv-1", testMsg())
	assert.Nil(t, report)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeRegistryUnavailable))
	assert.Empty(t, tr.sent)
}

func TestDispatcher_Broadcast_RespectsConcurrencyLimit(t *testing.T) {
	subs := make([]types.Subscriber, 10)
	for i := range subs {
		subs[i] = subscriber(i)
	}
	reg := &fakeRegistry{LookupF: func(context.Context, string) ([]types.Subscriber, error) { return subs, nil }}
	tr := &fakeTransport{hold: 10 * time.Millisecond}
	d := newTestDispatcher(reg, &fakeCreds{}, tr, nil, DispatcherConfig{Concurrency: 2})

	report, err := d.Broadcast(context.Background(), "srv-1", testMsg())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Succeeded)
	assert.LessOrEqual(t, tr.peak.Load(), int32(2))
}

func TestDispatcher_DeliverOne_ReusesConversation(t *testing.T) {
	tr := &fakeTransport{}
	creds := &fakeCreds{}
	d := newTestDispatcher(nil, creds, tr, nil, DispatcherConfig{Locale: "de-de", TrustWindow: 48 * time.Hour})

	sub := subscriber(7)
	out := d.DeliverOne(context.Background(), sub, testMsg())

	require.True(t, out.Delivered)
	assert.False(t, out.ConversationCreated)
	assert.Equal(t, "conv-7", out.ConversationID)
	assert.Zero(t, tr.creates)

	require.Len(t, tr.sent, 1)
	act := tr.sent[0]
	assert.Equal(t, "conv-7", act.ConversationID)
	assert.Equal(t, "msteams", act.ChannelID)
	assert.Equal(t, "de-de", act.Locale)
	assert.Equal(t, "BUILD 42\n\nsucceeded", act.Text)
	assert.Equal(t, "bot", act.From.ID)
	assert.Equal(t, "user-7", act.Recipient.ID)

	assert.Equal(t, testNow.Add(48*time.Hour), creds.trusted[sub.ServiceURL])
}

func TestDispatcher_DeliverOne_CreatesConversationOnce(t *testing.T) {
	tr := &fakeTransport{}
	d := newTestDispatcher(nil, &fakeCreds{}, tr, nil, DispatcherConfig{ChannelID: "msteams"})

	var hooked []string
	d.OnConversationCreated = func(_ context.Context, sub types.Subscriber, conversationID, channelID string) error {
		assert.Empty(t, sub.ConversationID)
		hooked = append(hooked, conversationID+"|"+channelID)
		return nil
	}

	sub := subscriber(1)
	sub.ConversationID, sub.ChannelID = "", ""
	out := d.DeliverOne(context.Background(), sub, testMsg())

	require.True(t, out.Delivered)
	assert.True(t, out.ConversationCreated)
	assert.Equal(t, "conv-new", out.ConversationID)
	assert.Equal(t, 1, tr.creates)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "conv-new", tr.sent[0].ConversationID)

	assert.Equal(t, []string{"conv-new|msteams"}, hooked)
}

func TestDispatcher_DeliverOne_HookFailureDoesNotFailDelivery(t *testing.T) {
	d := newTestDispatcher(nil, &fakeCreds{}, &fakeTransport{}, nil, DispatcherConfig{ChannelID: "msteams"})
	d.OnConversationCreated = func(context.Context, types.Subscriber, string, string) error { return errors.New("db down") }

	sub := subscriber(1)
	sub.ConversationID, sub.ChannelID = "", ""
	out := d.DeliverOne(context.Background(), sub, testMsg())

	assert.True(t, out.Delivered)
	assert.NoError(t, out.Err)
}

func TestDispatcher_DeliverOne_FailureStages(t *testing.T) {
	tests := []struct {
		name   string
		creds  *fakeCreds
		tr     *fakeTransport
		noConv bool
		stage  Stage
	}{
		{
			name:  "token",
			creds: &fakeCreds{TokenF: func(context.Context, string) (string, error) { return "", errors.New("401") }},
			tr:    &fakeTransport{},
			stage: StageToken,
		},
		{
			name:   "create conversation",
			creds:  &fakeCreds{},
			tr:     &fakeTransport{CreateF: func(string) (string, error) { return "", errors.New("bad request") }},
			noConv: true,
			stage:  StageCreateConversation,
		},
		{
			name:  "send",
			creds: &fakeCreds{},
			tr:    &fakeTransport{SendF: func(botframework.OutboundActivity) error { return errors.New("502") }},
			stage: StageSend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(nil, tt.creds, tt.tr, nil, DispatcherConfig{})
			sub := subscriber(0)
			if tt.noConv {
				sub.ConversationID, sub.ChannelID = "", ""
			}

			out := d.DeliverOne(context.Background(), sub, testMsg())

			assert.False(t, out.Delivered)
			assert.Equal(t, tt.stage, out.Stage)
			require.Error(t, out.Err)
			assert.True(t, types.IsCode(out.Err, types.ErrCodeDeliveryFailed))

			var appErr *types.AppError
			require.True(t, errors.As(out.Err, &appErr))
			assert.Equal(t, string(tt.stage), appErr.Details["stage"])
		})
	}
}

func TestRegistryConversationHook_BindsOneConversationPerSubscriber(t *testing.T) {
	ctx := context.Background()
	reg := db.NewMemorySubscriberRepository(&mockClock{now: testNow})
	sub := subscriber(1)
	sub.ConversationID, sub.ChannelID = "", ""
	require.NoError(t, reg.Save(ctx, sub))

	convs := 0
	tr := &fakeTransport{CreateF: func(string) (string, error) {
		convs++
		return fmt.Sprintf("conv-opened-%d", convs), nil
	}}
	d := newTestDispatcher(reg, &fakeCreds{}, tr, nil, DispatcherConfig{ChannelID: "msteams"})
	d.OnConversationCreated = RegistryConversationHook(reg)

	for i := 0; i < 3; i++ {
		report, err := d.Broadcast(ctx, "srv-1", testMsg())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Attempted, "broadcast %d", i+1)
		assert.Equal(t, 1, report.Succeeded, "broadcast %d", i+1)
	}

	assert.Equal(t, 1, tr.creates)
	require.Len(t, tr.sent, 3)
	for _, act := range tr.sent {
		assert.Equal(t, "conv-opened-1", act.ConversationID)
	}

	subs, err := reg.Lookup(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "conv-opened-1", subs[0].ConversationID)
	assert.Equal(t, "msteams", subs[0].ChannelID)
	assert.Equal(t, sub.UserID, subs[0].UserID)
}

func TestDeliveryReport_FailedOutcomesNil(t *testing.T) {
	var r *DeliveryReport
	assert.Nil(t, r.FailedOutcomes())
}
