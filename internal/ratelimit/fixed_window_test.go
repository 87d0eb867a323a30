package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") || !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("other keys have their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow(context.Background(), "ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestFixedWindowLimiterMemoryResetsEachWindow(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("second request in same window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("new window should reset the counter")
	}
}

func TestNewMemoryFixedWindowLimiterRejectsZeroLimit(t *testing.T) {
	if _, err := NewMemoryFixedWindowLimiter(0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
