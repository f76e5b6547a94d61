// Package cache provides a Redis read-through cache in front of the
// subscriber registry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"hookrelay/internal/types"
)

const (
	keyPrefix  = "hookrelay:subscribers:"
	DefaultTTL = 5 * time.Minute
)

// ErrMiss is returned by KV.Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// KV is the subset of Redis the registry cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisKV adapts a go-redis client to KV.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// NewRedisClient parses a redis:// URL, falling back to treating it as a
// bare host:port address.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: rawURL}), nil
	}
	return redis.NewClient(opts), nil
}

func (k *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := k.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (k *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.client.Set(ctx, key, value, ttl).Err()
}

func (k *RedisKV) Del(ctx context.Context, key string) error {
	return k.client.Del(ctx, key).Err()
}

// Ping reports whether Redis answers.
func (k *RedisKV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// RegistryCache decorates a SubscriberRegistry with cached Lookups.
// Cache failures are logged and fall through to the wrapped registry.
type RegistryCache struct {
	next   types.SubscriberRegistry
	kv     KV
	ttl    time.Duration
	logger types.Logger
}

var (
	_ types.SubscriberRegistry = (*RegistryCache)(nil)
	_ types.ConversationBinder = (*RegistryCache)(nil)
)

// NewRegistryCache wraps next. A non-positive ttl uses DefaultTTL.
func NewRegistryCache(next types.SubscriberRegistry, kv KV, ttl time.Duration, logger types.Logger) *RegistryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RegistryCache{next: next, kv: kv, ttl: ttl, logger: logger}
}

func cacheKey(serverID string) string {
	return keyPrefix + serverID
}

// Lookup serves from the cache when possible and populates it on a miss.
func (c *RegistryCache) Lookup(ctx context.Context, serverID string) ([]types.Subscriber, error) {
	key := cacheKey(serverID)

	raw, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		var subs []types.Subscriber
		if jerr := json.Unmarshal([]byte(raw), &subs); jerr == nil {
			if subs == nil {
				subs = []types.Subscriber{}
			}
			return subs, nil
		}
		c.logger.Warn("discarding undecodable registry cache entry", "server_id", serverID)
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("registry cache read failed", "server_id", serverID, "error", err)
	}

	subs, err := c.next.Lookup(ctx, serverID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(subs)
	if err != nil {
		c.logger.Warn("registry cache encode failed", "server_id", serverID, "error", err)
		return subs, nil
	}
	if err := c.kv.Set(ctx, key, string(payload), c.ttl); err != nil {
		c.logger.Warn("registry cache write failed", "server_id", serverID, "error", err)
	}
	return subs, nil
}

// Save writes through and invalidates the cached entry for the server.
func (c *RegistryCache) Save(ctx context.Context, sub types.Subscriber) error {
	if err := c.next.Save(ctx, sub); err != nil {
		return err
	}
	if err := c.kv.Del(ctx, cacheKey(sub.ServerID)); err != nil {
		c.logger.Warn("registry cache invalidation failed", "server_id", sub.ServerID, "error", err)
	}
	return nil
}

// BindConversation writes through to the wrapped registry and invalidates
// the cached entry. The wrapped registry must implement
// types.ConversationBinder.
func (c *RegistryCache) BindConversation(ctx context.Context, sub types.Subscriber, conversationID, channelID string) error {
	binder, ok := c.next.(types.ConversationBinder)
	if !ok {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "wrapped registry cannot bind conversations", nil)
	}
	if err := binder.BindConversation(ctx, sub, conversationID, channelID); err != nil {
		return err
	}
	if err := c.kv.Del(ctx, cacheKey(sub.ServerID)); err != nil {
		c.logger.Warn("registry cache invalidation failed", "server_id", sub.ServerID, "error", err)
	}
	return nil
}
