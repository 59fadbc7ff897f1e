// Package ratelimit enforces per-user fixed-window budgets on API actions.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
)

// DefaultWindow is the length of one counting window.
const DefaultWindow = time.Minute

// Decision is the outcome of one counted attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Counter counts attempts in fixed windows.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Limiter applies per-action budgets on top of a Counter.
type Limiter struct {
	counter Counter
	limits  map[string]int
	window  time.Duration
}

func New(counter Counter, limits map[string]int, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Limiter{counter: counter, limits: cp, window: window}
}

// Check counts one attempt of action by identity and returns a rate-limited
// domain error once the budget is spent. Actions without a budget and
// counter failures are let through.
func (l *Limiter) Check(ctx context.Context, action, identity string) error {
	if l == nil || l.counter == nil {
		return nil
	}
	limit, ok := l.limits[action]
	if !ok || limit <= 0 {
		return nil
	}
	d, err := l.counter.Hit(ctx, Key(action, identity), limit, l.window)
	if err != nil {
		obslog.L().Warn("rate_limit_unavailable", zap.String("action", action), zap.Error(err))
		return nil
	}
	if d.Allowed {
		return nil
	}
	obslog.L().Info("rate_limited",
		zap.String("action", action),
		zap.Duration("retry_after", d.RetryAfter))
	return domain.RateLimited(d.RetryAfter)
}

// Key hashes identity so raw user ids never appear in the key space.
func Key(action, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return "warchess:rl:" + strings.ToLower(action) + ":" + hex.EncodeToString(sum[:16])
}

// RedisCounter shares windows across API instances.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter { return &RedisCounter{rdb: rdb} }

func (c *RedisCounter) Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate counter: %w", err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		// first hit of the window, or a key left without expiry
		if err := c.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate counter expire: %w", err)
		}
		remaining = window
	}
	return decide(int(incr.Val()), limit, remaining), nil
}

// MemoryCounter is a process-local counter for single-instance deployments
// and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]memWindow
}

type memWindow struct {
	start time.Time
	count int
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, windows: make(map[string]memWindow)}
}

func (c *MemoryCounter) Hit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w := c.windows[key]
	if w.start.IsZero() || now.Sub(w.start) >= window {
		w = memWindow{start: now}
		c.gc(now, window)
	}
	w.count++
	c.windows[key] = w
	return decide(w.count, limit, window-now.Sub(w.start)), nil
}

// gc drops expired windows; called when a new window opens.
func (c *MemoryCounter) gc(now time.Time, window time.Duration) {
	for k, w := range c.windows {
		if now.Sub(w.start) >= window {
			delete(c.windows, k)
		}
	}
}

func decide(count, limit int, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= limit, Remaining: remaining, RetryAfter: retryAfter}
}
