package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hookrelay/internal/cache"
	"hookrelay/internal/types"
)

// State is the position of a conversation in the setup flow.
type State string

const (
	StateIdle             State = "idle"
	StateAskCreateOrJoin  State = "ask_create_or_join"
	StateAskPrintOrChange State = "ask_print_or_change"
	StateAwaitServerID    State = "await_server_id"
)

// DefaultSessionTTL bounds how long an unanswered prompt is remembered.
const DefaultSessionTTL = 30 * time.Minute

// Session is the per-conversation flow state.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionStore persists sessions between messages. Get returns an Idle
// session for unknown or expired conversations.
type SessionStore interface {
	Get(ctx context.Context, conversationID string) (Session, error)
	Put(ctx context.Context, s Session) error
}

// MemorySessionStore keeps sessions in process. Suitable for a single API
// instance.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	clock    types.Clock
}

func NewMemorySessionStore(ttl time.Duration, clock types.Clock) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemorySessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
		clock:    clock,
	}
}

func (m *MemorySessionStore) Get(_ context.Context, conversationID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conversationID]
	if !ok || m.clock.Now().Sub(s.UpdatedAt) > m.ttl {
		delete(m.sessions, conversationID)
		return Session{ConversationID: conversationID, State: StateIdle}, nil
	}
	return s, nil
}

func (m *MemorySessionStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.State == StateIdle {
		delete(m.sessions, s.ConversationID)
		return nil
	}
	s.UpdatedAt = m.clock.Now()
	m.sessions[s.ConversationID] = s
	return nil
}

const sessionKeyPrefix = "hookrelay:onboarding:"

// KVSessionStore keeps sessions in Redis so several API instances share
// one flow per conversation. Expiry is left to the key TTL.
type KVSessionStore struct {
	kv    cache.KV
	ttl   time.Duration
	clock types.Clock
}

func NewKVSessionStore(kv cache.KV, ttl time.Duration, clock types.Clock) *KVSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &KVSessionStore{kv: kv, ttl: ttl, clock: clock}
}

func (k *KVSessionStore) Get(ctx context.Context, conversationID string) (Session, error) {
	idle := Session{ConversationID: conversationID, State: StateIdle}

	raw, err := k.kv.Get(ctx, sessionKeyPrefix+conversationID)
	if errors.Is(err, cache.ErrMiss) {
		return idle, nil
	}
	if err != nil {
		return idle, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read onboarding session", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		// A corrupt entry restarts the flow.
		return idle, nil
	}
	return s, nil
}

func (k *KVSessionStore) Put(ctx context.Context, s Session) error {
	key := sessionKeyPrefix + s.ConversationID
	if s.State == StateIdle {
		if err := k.kv.Del(ctx, key); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to clear onboarding session", err)
		}
		return nil
	}

	s.UpdatedAt = k.clock.Now()
	body, err := json.Marshal(s)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode onboarding session", err)
	}
	if err := k.kv.Set(ctx, key, string(body), k.ttl); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to write onboarding session", err)
	}
	return nil
}
