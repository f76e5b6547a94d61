package botframework

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

type trustAll bool

func (t trustAll) IsTrusted(string) bool { return bool(t) }

func newTestConnector(t *testing.T, srv *httptest.Server, trusted bool) *Connector {
	t.Helper()
	base := external.NewBaseClient(srv.Client(), "botframework", external.RetryPolicy{}, "hookrelay-test")
	return NewConnector(base, trustAll(trusted))
}

func TestConnector_CreateConversation(t *testing.T) {
	var got ConversationParameters
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/emea/v3/conversations", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"a:1new-conv"}`))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, true)
	id, err := c.CreateConversation(context.Background(), srv.URL+"/emea/", "tok",
		ChannelAccount{ID: "28:bot", Name: "relay"},
		ChannelAccount{ID: "29:user", Name: "Dana"},
	)
	require.NoError(t, err)
	assert.Equal(t, "a:1new-conv", id)
	assert.Equal(t, "28:bot", got.Bot.ID)
	require.Len(t, got.Members, 1)
	assert.Equal(t, "29:user", got.Members[0].ID)
	assert.False(t, got.IsGroup)
}

func TestConnector_Send(t *testing.T) {
	var got Activity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/conversations/19:abc@thread.skype/activities", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"act-1"}`))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, true)
	err := c.Send(context.Background(), srv.URL, "tok", OutboundActivity{
		ConversationID: "19:abc@thread.skype",
		ChannelID:      "msteams",
		From:           ChannelAccount{ID: "28:bot"},
		Recipient:      ChannelAccount{ID: "29:user"},
		Text:           "PUSHED by alice in main",
		Locale:         "en-us",
	})
	require.NoError(t, err)
	assert.Equal(t, ActivityMessage, got.Type)
	assert.Equal(t, "msteams", got.ChannelID)
	assert.Equal(t, "19:abc@thread.skype", got.Conversation.ID)
	assert.Equal(t, "PUSHED by alice in main", got.Text)
	assert.Equal(t, TextFormatMarkdown, got.TextFormat)
	assert.Equal(t, "en-us", got.Locale)
}

func TestConnector_RefusesUntrustedURL(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, false)
	err := c.Send(context.Background(), srv.URL, "tok", OutboundActivity{ConversationID: "c1"})
	assert.True(t, types.IsCode(err, types.ErrCodeDeliveryFailed))
	assert.False(t, called)
}

func TestConnector_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"BotNotInConversationRoster"}}`))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, true)
	err := c.Send(context.Background(), srv.URL, "tok", OutboundActivity{ConversationID: "c1"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
	assert.Contains(t, err.Error(), "BotNotInConversationRoster")
}

func TestConnector_CreateConversationWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, true)
	_, err := c.CreateConversation(context.Background(), srv.URL, "tok", ChannelAccount{}, ChannelAccount{})
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
}

func TestConnector_SendRequiresConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestConnector(t, srv, true)
	err := c.Send(context.Background(), srv.URL, "tok", OutboundActivity{})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}
