package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"hookrelay/internal/types"
)

// MemorySubscriberRepository is an in-process registry for local runs and
// tests. It honors the same contract as SubscriberRepository.
type MemorySubscriberRepository struct {
	mu    sync.RWMutex
	subs  map[string]map[string]types.Subscriber // server id -> conversation id -> subscriber
	clock types.Clock
}

var (
	_ types.SubscriberRegistry = (*MemorySubscriberRepository)(nil)
	_ types.ConversationBinder = (*MemorySubscriberRepository)(nil)
)

// NewMemorySubscriberRepository returns an empty registry.
func NewMemorySubscriberRepository(clock types.Clock) *MemorySubscriberRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemorySubscriberRepository{
		subs:  make(map[string]map[string]types.Subscriber),
		clock: clock,
	}
}

// Lookup returns copies of the subscribers of serverID ordered by creation.
func (r *MemorySubscriberRepository) Lookup(_ context.Context, serverID string) ([]types.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Subscriber, 0, len(r.subs[serverID]))
	for _, s := range r.subs[serverID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

// Save upserts on (ServerID, ConversationID).
func (r *MemorySubscriberRepository) Save(_ context.Context, sub types.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	byConv, ok := r.subs[sub.ServerID]
	if !ok {
		byConv = make(map[string]types.Subscriber)
		r.subs[sub.ServerID] = byConv
	}
	if existing, found := byConv[sub.ConversationID]; found {
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	byConv[sub.ConversationID] = sub
	return nil
}

// BindConversation moves the unaddressed row of sub under conversationID.
// It is a no-op when that row is gone or now belongs to another user or
// bot. When conversationID is already registered the unaddressed row is
// dropped.
func (r *MemorySubscriberRepository) BindConversation(_ context.Context, sub types.Subscriber, conversationID, channelID string) error {
	if err := validateBinding(sub, conversationID, channelID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byConv := r.subs[sub.ServerID]
	existing, ok := byConv[""]
	if !ok || existing.UserID != sub.UserID || existing.BotID != sub.BotID {
		return nil
	}
	delete(byConv, "")
	if _, taken := byConv[conversationID]; taken {
		return nil
	}

	existing.ConversationID = conversationID
	existing.ChannelID = channelID
	existing.UpdatedAt = r.clock.Now()
	byConv[conversationID] = existing
	return nil
}

// ServerForConversation returns the most recently updated server binding of
// a conversation.
func (r *MemorySubscriberRepository) ServerForConversation(_ context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		serverID string
		latest   time.Time
	)
	for sid, byConv := range r.subs {
		if s, ok := byConv[conversationID]; ok && (serverID == "" || s.UpdatedAt.After(latest)) {
			serverID, latest = sid, s.UpdatedAt
		}
	}
	return serverID, nil
}

// Ping always succeeds.
func (r *MemorySubscriberRepository) Ping(context.Context) error { return nil }
