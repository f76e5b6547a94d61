package onboarding

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/db"
	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/types"
)

type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type recordingReplier struct {
	replies []string
	err     error
}

func (r *recordingReplier) Reply(_ context.Context, _ botframework.Activity, text string) error {
	r.replies = append(r.replies, text)
	return r.err
}

func (r *recordingReplier) last() string {
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type failingRegistry struct {
	*db.MemorySubscriberRepository
}

func (failingRegistry) Lookup(context.Context, string) ([]types.Subscriber, error) {
	return nil, types.NewAppError(types.ErrCodeRegistryUnavailable, "down", nil)
}

const publicURL = "https://relay.example.com"

func message(conv, text string) botframework.Activity {
	return botframework.Activity{
		Type:         botframework.ActivityMessage,
		ID:           "act-1",
		ServiceURL:   "https://smba.trafficmanager.net/emea/",
		ChannelID:    "msteams",
		From:         botframework.ChannelAccount{ID: "29:user", Name: "Dana"},
		Recipient:    botframework.ChannelAccount{ID: "28:bot", Name: "relay"},
		Conversation: botframework.ConversationAccount{ID: conv},
		Text:         text,
	}
}

func newTestFlow(reg Registry) (*Flow, *recordingReplier, *MemorySessionStore) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sessions := NewMemorySessionStore(time.Hour, clock)
	replier := &recordingReplier{}
	f := NewFlow(reg, sessions, replier, publicURL, &mockLogger{})
	f.newID = func() string { return "hr-0123456789abcdef0123456789abcdef" }
	return f, replier, sessions
}

func state(t *testing.T, s SessionStore, conv string) State {
	t.Helper()
	sess, err := s.Get(context.Background(), conv)
	require.NoError(t, err)
	return sess.State
}

func TestFlow_CreateNewServerID(t *testing.T) {
	ctx := context.Background()
	reg := db.NewMemorySubscriberRepository(nil)
	f, replier, sessions := newTestFlow(reg)

	require.NoError(t, f.Handle(ctx, message("conv-1", "/setup")))
	assert.Equal(t, StateAskCreateOrJoin, state(t, sessions, "conv-1"))
	assert.Contains(t, replier.last(), "create, join")

	require.NoError(t, f.Handle(ctx, message("conv-1", "<at>relay</at> create")))
	assert.Equal(t, StateIdle, state(t, sessions, "conv-1"))

	subs, err := reg.Lookup(ctx, "hr-0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, "conv-1", sub.ConversationID)
	assert.Equal(t, "msteams", sub.ChannelID)
	assert.Equal(t, "29:user", sub.UserID)
	assert.Equal(t, "28:bot", sub.BotID)

	reply := replier.last()
	assert.True(t, strings.HasPrefix(reply, "Created server id hr-0123456789abcdef0123456789abcdef."))
	assert.Contains(t, reply, "[GitLab Push](https://relay.example.com/gitlab/push/hr-0123456789abcdef0123456789abcdef)")
	assert.Contains(t, reply, "/tfs/setup/hr-0123456789abcdef0123456789abcdef")
	assert.Contains(t, reply, "/api/webhooks/test/hr-0123456789abcdef0123456789abcdef")
}

func TestFlow_JoinExistingServerID(t *testing.T) {
	ctx := context.Background()
	reg := db.NewMemorySubscriberRepository(nil)
	require.NoError(t, reg.Save(ctx, types.Subscriber{
		ServerID:       "hr-existing",
		ConversationID: "conv-owner",
		ChannelID:      "msteams",
		ServiceURL:     "https://smba.trafficmanager.net/emea/",
	}))
	f, replier, sessions := newTestFlow(reg)

	require.NoError(t, f.Handle(ctx, message("conv-2", "hello")))
	require.NoError(t, f.Handle(ctx, message("conv-2", "join")))
	assert.Equal(t, StateAwaitServerID, state(t, sessions, "conv-2"))

	require.NoError(t, f.Handle(ctx, message("conv-2", "hr-unknown")))
	assert.Equal(t, StateAwaitServerID, state(t, sessions, "conv-2"), "unknown id re-prompts")
	assert.Contains(t, replier.last(), "I don't know the server id hr-unknown")

	require.NoError(t, f.Handle(ctx, message("conv-2", "hr-existing")))
	assert.Equal(t, StateIdle, state(t, sessions, "conv-2"))
	assert.Contains(t, replier.last(), "Server id hr-existing is set.")

	subs, err := reg.Lookup(ctx, "hr-existing")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestFlow_BoundConversationOffersPrintOrChange(t *testing.T) {
	ctx := context.Background()
	reg := db.NewMemorySubscriberRepository(nil)
	f, replier, sessions := newTestFlow(reg)
	require.NoError(t, reg.Save(ctx, subscriberFrom(message("conv-3", ""), "hr-bound")))

	require.NoError(t, f.Handle(ctx, message("conv-3", "/setup")))
	assert.Equal(t, StateAskPrintOrChange, state(t, sessions, "conv-3"))
	assert.Contains(t, replier.last(), "hr-bound")

	require.NoError(t, f.Handle(ctx, message("conv-3", "print")))
	assert.Equal(t, StateIdle, state(t, sessions, "conv-3"))
	assert.Contains(t, replier.last(), "Current server id hr-bound.")

	require.NoError(t, f.Handle(ctx, message("conv-3", "/setup")))
	require.NoError(t, f.Handle(ctx, message("conv-3", "change")))
	assert.Equal(t, StateAskCreateOrJoin, state(t, sessions, "conv-3"))
}

func TestFlow_CancelFromAnyState(t *testing.T) {
	ctx := context.Background()
	f, replier, sessions := newTestFlow(db.NewMemorySubscriberRepository(nil))

	require.NoError(t, f.Handle(ctx, message("conv-4", "/setup")))
	require.NoError(t, f.Handle(ctx, message("conv-4", "join")))
	require.NoError(t, f.Handle(ctx, message("conv-4", "/cancel")))

	assert.Equal(t, StateIdle, state(t, sessions, "conv-4"))
	assert.Equal(t, "Setup cancelled.", replier.last())
}

func TestFlow_UnrecognizedChoiceReprompts(t *testing.T) {
	ctx := context.Background()
	f, replier, sessions := newTestFlow(db.NewMemorySubscriberRepository(nil))

	require.NoError(t, f.Handle(ctx, message("conv-5", "/setup")))
	require.NoError(t, f.Handle(ctx, message("conv-5", "maybe")))

	assert.Equal(t, StateAskCreateOrJoin, state(t, sessions, "conv-5"))
	assert.Contains(t, replier.last(), "Please choose one of")
}

func TestFlow_RegistryFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	f, replier, sessions := newTestFlow(failingRegistry{db.NewMemorySubscriberRepository(nil)})

	require.NoError(t, f.Handle(ctx, message("conv-6", "/setup")))
	require.NoError(t, f.Handle(ctx, message("conv-6", "join")))
	require.NoError(t, f.Handle(ctx, message("conv-6", "hr-any")))

	assert.Equal(t, StateAwaitServerID, state(t, sessions, "conv-6"))
	assert.Contains(t, replier.last(), "Something went wrong")
}

func TestFlow_ConversationUpdateGreetsWhenBotAdded(t *testing.T) {
	ctx := context.Background()
	f, replier, sessions := newTestFlow(db.NewMemorySubscriberRepository(nil))

	act := message("conv-7", "")
	act.Type = botframework.ActivityConversationUpdate
	act.MembersAdded = []botframework.ChannelAccount{{ID: "29:someone"}}
	require.NoError(t, f.Handle(ctx, act))
	assert.Empty(t, replier.replies, "only the bot joining starts the flow")

	act.MembersAdded = append(act.MembersAdded, botframework.ChannelAccount{ID: "28:bot"})
	require.NoError(t, f.Handle(ctx, act))
	assert.Equal(t, StateAskCreateOrJoin, state(t, sessions, "conv-7"))
}

func TestFlow_IgnoresOtherActivities(t *testing.T) {
	f, replier, _ := newTestFlow(db.NewMemorySubscriberRepository(nil))

	act := message("conv-8", "hi")
	act.Type = "typing"
	require.NoError(t, f.Handle(context.Background(), act))
	assert.Empty(t, replier.replies)
}

func TestFlow_ReplyErrorIsReturned(t *testing.T) {
	f, replier, _ := newTestFlow(db.NewMemorySubscriberRepository(nil))
	replier.err = errors.New("connector down")

	err := f.Handle(context.Background(), message("conv-9", "/setup"))
	assert.EqualError(t, err, "connector down")
}

func TestNewServerID(t *testing.T) {
	id := NewServerID()
	assert.True(t, strings.HasPrefix(id, ServerIDPrefix))
	assert.Len(t, id, len(ServerIDPrefix)+32)
	assert.NotContains(t, strings.TrimPrefix(id, ServerIDPrefix), "-")
	assert.NotEqual(t, id, NewServerID())
}
