// Package cache memoizes child lookups of the content tree. Entries are
// grouped by scope (the parent post) so a write can drop every cached query
// about one parent at once.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, scope, key, value string) error
	Invalidate(ctx context.Context, scope string) error
}

// MemoryBackend keeps entries in process. It has no expiry; invalidation is
// the only way entries leave.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
	scopes map[string]map[string]struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]string),
		scopes: make(map[string]map[string]struct{}),
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, scope, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	members, ok := b.scopes[scope]
	if !ok {
		members = make(map[string]struct{})
		b.scopes[scope] = members
	}
	members[key] = struct{}{}
	return nil
}

func (b *MemoryBackend) Invalidate(_ context.Context, scope string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.scopes[scope] {
		delete(b.values, key)
	}
	delete(b.scopes, scope)
	return nil
}

// Len reports how many entries are cached.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

// RedisBackend stores entries as expiring string keys and tracks each
// scope's members in a Redis set.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(redisURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client, ttl), nil
}

func NewRedisBackendWithClient(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBackend{client: client, prefix: "forumcache:", ttl: ttl}
}

func (b *RedisBackend) scopeKey(scope string) string {
	return b.prefix + "scope:" + scope
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, b.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, scope, key, value string) error {
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.prefix+key, value, b.ttl)
	pipe.SAdd(ctx, b.scopeKey(scope), b.prefix+key)
	pipe.Expire(ctx, b.scopeKey(scope), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Invalidate(ctx context.Context, scope string) error {
	members, err := b.client.SMembers(ctx, b.scopeKey(scope)).Result()
	if err != nil {
		return fmt.Errorf("cache scope members: %w", err)
	}
	keys := append(members, b.scopeKey(scope))
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
