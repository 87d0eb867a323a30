package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "catalog:ratelimit"

// FixedWindowLimiter counts requests per key inside fixed time slots.
// With a Redis client the counters are shared between instances; otherwise
// they live in process memory.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	redisClient redis.UniversalClient
	redisPrefix string

	mu     sync.Mutex
	counts map[string]int
	slot   int64
}

// NewRedisFixedWindowLimiter creates a limiter backed by Redis at addr.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewRedisFixedWindowLimiterWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix, limit, window)
}

// NewRedisFixedWindowLimiterWithClient shares an existing Redis client.
func NewRedisFixedWindowLimiterWithClient(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:       limit,
		window:      window,
		now:         time.Now,
		redisClient: client,
		redisPrefix: prefix,
	}, nil
}

// NewMemoryFixedWindowLimiter creates a single-process limiter.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]int),
	}, nil
}

// Allow reports whether key is still within quota for the current window.
// Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := l.now().UTC().UnixMilli() / windowMs
	if l.redisClient == nil {
		return l.allowMemory(key, slot)
	}
	return l.allowRedis(ctx, key, slot, windowMs)
}

func (l *FixedWindowLimiter) allowMemory(key string, slot int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit
}

func (l *FixedWindowLimiter) allowRedis(ctx context.Context, key string, slot, windowMs int64) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, slot)
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return res <= int64(l.limit)
}
