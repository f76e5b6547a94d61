package onboarding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/cache"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestMemorySessionStore_Expiry(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemorySessionStore(10*time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Session{ConversationID: "c", State: StateAwaitServerID}))
	s, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitServerID, s.State)

	clock.now = clock.now.Add(11 * time.Minute)
	s, err = store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
}

func TestMemorySessionStore_IdleDeletes(t *testing.T) {
	store := NewMemorySessionStore(0, nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Session{ConversationID: "c", State: StateAskCreateOrJoin}))
	require.NoError(t, store.Put(ctx, Session{ConversationID: "c", State: StateIdle}))
	assert.Empty(t, store.sessions)
}

func TestKVSessionStore_RoundTrip(t *testing.T) {
	kv := newMemKV()
	store := NewKVSessionStore(kv, 5*time.Minute, nil)
	ctx := context.Background()

	s, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)

	require.NoError(t, store.Put(ctx, Session{ConversationID: "c", State: StateAwaitServerID}))
	assert.Equal(t, 5*time.Minute, kv.ttls[sessionKeyPrefix+"c"])

	s, err = store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitServerID, s.State)

	require.NoError(t, store.Put(ctx, Session{ConversationID: "c", State: StateIdle}))
	_, ok := kv.data[sessionKeyPrefix+"c"]
	assert.False(t, ok)
}

func TestKVSessionStore_CorruptEntryRestarts(t *testing.T) {
	kv := newMemKV()
	kv.data[sessionKeyPrefix+"c"] = "{not json"
	store := NewKVSessionStore(kv, 0, nil)

	s, err := store.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
}
