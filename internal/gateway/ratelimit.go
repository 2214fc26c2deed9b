package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Verdict is the outcome of one rate-limit check.
type Verdict struct {
	Allowed bool
	// SlowDown is set once the caller has consumed more than half the
	// window quota; the handler delays the request before processing.
	SlowDown   bool
	Delay      time.Duration
	RetryAfter time.Duration
}

// RateLimiter throttles webhook callers keyed by organization id (falling
// back to client IP).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Verdict, error)
}

// maxSlowDown caps the slow-down delay applied past half quota.
const maxSlowDown = 3 * time.Second

func verdict(count, quota int, windowRemaining time.Duration) Verdict {
	if count > quota {
		return Verdict{Allowed: false, RetryAfter: windowRemaining}
	}
	half := quota / 2
	if count > half {
		delay := time.Duration(count-half) * 100 * time.Millisecond
		if delay > maxSlowDown {
			delay = maxSlowDown
		}
		return Verdict{Allowed: true, SlowDown: true, Delay: delay}
	}
	return Verdict{Allowed: true}
}

// RedisRateLimiter implements a fixed-window counter shared across gateway
// replicas.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	quota  int
}

// NewRedisRateLimiter builds a limiter on an existing client.
func NewRedisRateLimiter(client *redis.Client, window time.Duration, quota int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: window, quota: quota}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (Verdict, error) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	redisKey := fmt.Sprintf("rl:%s:%d", key, windowStart.Unix())

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Verdict{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := l.client.Expire(ctx, redisKey, l.window+time.Second).Err(); err != nil {
			return Verdict{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	remaining := windowStart.Add(l.window).Sub(now)
	return verdict(int(count), l.quota, remaining), nil
}

// MemoryRateLimiter is the in-process fallback used when Redis is not
// configured, and in tests.
type MemoryRateLimiter struct {
	window time.Duration
	quota  int

	mu      sync.Mutex
	counts  map[string]int
	started map[string]time.Time
	now     func() time.Time
}

// NewMemoryRateLimiter builds an in-process fixed-window limiter.
func NewMemoryRateLimiter(window time.Duration, quota int) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		window:  window,
		quota:   quota,
		counts:  make(map[string]int),
		started: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (Verdict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if start, ok := l.started[key]; !ok || now.Sub(start) >= l.window {
		l.started[key] = now
		l.counts[key] = 0
	}
	l.counts[key]++
	remaining := l.started[key].Add(l.window).Sub(now)
	return verdict(l.counts[key], l.quota, remaining), nil
}
