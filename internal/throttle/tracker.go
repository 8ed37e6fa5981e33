// Package throttle records when each poster last submitted content so the
// moderation gate can enforce a flood window.
package throttle

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// Tracker is the flood-window backend used by the moderation gate.
type Tracker interface {
	LastPosted(ctx context.Context, key string) (time.Time, bool, error)
	MarkPosted(ctx context.Context, key string, at time.Time, ttl time.Duration) error
}

// UserKey identifies a logged-in poster.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// IPKey identifies an anonymous poster by a hash of their address, so raw
// IPs never reach the backend.
func IPKey(ip string) string {
	sum := blake2b.Sum256([]byte(ip))
	return "ip:" + hex.EncodeToString(sum[:16])
}

// EmailKey identifies an anonymous poster without an IP by a hash of their
// lowercased email.
func EmailKey(email string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "email:" + hex.EncodeToString(sum[:16])
}

// RedisTracker stores last-post times as expiring Redis keys.
type RedisTracker struct {
	client *redis.Client
	prefix string
}

// NewRedisTracker connects to redisURL and verifies the connection.
func NewRedisTracker(redisURL string) (*RedisTracker, error) {
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

	return NewRedisTrackerWithClient(client), nil
}

func NewRedisTrackerWithClient(client *redis.Client) *RedisTracker {
	return &RedisTracker{
		client: client,
		prefix: "flood:",
	}
}

func (t *RedisTracker) key(key string) string {
	return t.prefix + key
}

func (t *RedisTracker) LastPosted(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := t.client.Get(ctx, t.key(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup last post time: %w", err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last post time %q: %w", raw, err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// MarkPosted records at for key. A non-positive ttl defaults to one minute.
func (t *RedisTracker) MarkPosted(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := t.client.Set(ctx, t.key(key), strconv.FormatInt(at.UnixNano(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("save last post time: %w", err)
	}
	return nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// MemoryTracker is an in-process Tracker for single-node setups and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	at      time.Time
	expires time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock overrides the clock used to expire entries.
func (t *MemoryTracker) WithClock(now func() time.Time) *MemoryTracker {
	t.now = now
	return t
}

func (t *MemoryTracker) LastPosted(_ context.Context, key string) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !t.now().Before(entry.expires) {
		delete(t.entries, key)
		return time.Time{}, false, nil
	}
	return entry.at, true, nil
}

func (t *MemoryTracker) MarkPosted(_ context.Context, key string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = memoryEntry{at: at, expires: t.now().Add(ttl)}
	return nil
}
