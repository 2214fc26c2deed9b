// Package dedupe provides the idempotency store used to suppress duplicate
// lifecycle events by (source, sourceEventId) and to bound BambooHR
// poll-window synthesis.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store records keys with a TTL. SeenOrMark is the primary operation: it
// returns true when the key was already present, marking it otherwise.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisStore is the Redis-backed implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given address (e.g. "localhost:6379") and
// pings the server to validate the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: c}, nil
}

// Get returns the value for the given key or "" when the key is missing.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores the given value under key with the provided TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SeenOrMark marks the key and reports whether it already existed.
func (s *RedisStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Client exposes the underlying Redis client for components that share the
// connection (rate limiter).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process implementation used in tests and as the
// BambooHR poll-window dedupe when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || (!e.expires.IsZero() && s.now().After(e.expires)) {
		delete(s.entries, key)
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expires: exp}
	return nil
}

func (s *MemoryStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok && (e.expires.IsZero() || s.now().Before(e.expires)) {
		return true, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: "1", expires: exp}
	return false, nil
}
