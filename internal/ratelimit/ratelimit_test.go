package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/warchess-server/internal/domain"
)

func TestMemoryCounterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	l := New(NewMemoryCounter(clock), map[string]int{"join": 2}, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Check(ctx, "join", "u1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	err := l.Check(ctx, "join", "u1")
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if de.RetryAfter != time.Minute {
		t.Fatalf("retry after: %v", de.RetryAfter)
	}
	if err := l.Check(ctx, "join", "u2"); err != nil {
		t.Fatalf("other identity should have its own budget: %v", err)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if err := l.Check(ctx, "join", "u1"); err != nil {
		t.Fatalf("new window should reset: %v", err)
	}
}

func TestUnknownActionUnlimited(t *testing.T) {
	l := New(NewMemoryCounter(nil), map[string]int{"join": 1}, 0)
	for i := 0; i < 5; i++ {
		if err := l.Check(context.Background(), "room", "u1"); err != nil {
			t.Fatalf("unexpected limit: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Check(context.Background(), "join", "u1"); err != nil {
		t.Fatalf("nil limiter must allow: %v", err)
	}
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := New(NewRedisCounter(rdb), map[string]int{"move": 3}, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "move", "u1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	err := l.Check(ctx, "move", "u1")
	if domain.KindOf(err) != domain.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if ttl := mr.TTL(Key("move", "u1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("window expiry not set: %v", ttl)
	}

	mr.FastForward(time.Minute)
	if err := l.Check(ctx, "move", "u1"); err != nil {
		t.Fatalf("expired window should allow: %v", err)
	}
}

func TestRedisFailureFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()
	l := New(NewRedisCounter(rdb), map[string]int{"move": 1}, time.Minute)
	for i := 0; i < 3; i++ {
		if err := l.Check(context.Background(), "move", "u1"); err != nil {
			t.Fatalf("backend failure must not block: %v", err)
		}
	}
}

func TestKeyHidesIdentity(t *testing.T) {
	k := Key("Join", "user-123")
	if k != Key("join", "user-123") {
		t.Fatalf("action case should not matter")
	}
	if len(k) == 0 || k == Key("join", "user-124") {
		t.Fatalf("keys must differ per identity")
	}
	if strings.Contains(k, "user-123") {
		t.Fatalf("raw identity leaked into %s", k)
	}
}
