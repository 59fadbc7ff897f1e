// Package builder wires the API server components from configuration.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/archive"
	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/config"
	"github.com/park285/warchess-server/internal/coordinator"
	"github.com/park285/warchess-server/internal/httpapi"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/matchmaking"
	"github.com/park285/warchess-server/internal/msgcat"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/ratelimit"
	"github.com/park285/warchess-server/internal/realtime"
	"github.com/park285/warchess-server/internal/relay"
	"github.com/park285/warchess-server/internal/store"
	"github.com/park285/warchess-server/internal/store/memstore"
	"github.com/park285/warchess-server/internal/store/postgres"
)

type Deps struct {
	Store       store.Store
	Machine     *lifecycle.Machine
	Coordinator *coordinator.Coordinator
	Queue       *matchmaking.Service
	Hub         *realtime.Hub
	Bus         *realtime.RedisBus // nil without Redis
	API         *httpapi.Server

	redis *redis.Client
}

// New opens the backends named by cfg and assembles the API. Without
// DATABASE_URL the in-memory store is used and JWT_SECRET is required;
// without REDIS_URL rate limits are per process and streams only wake for
// local changes.
func New(ctx context.Context, cfg *config.AppConfig) (*Deps, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	d := &Deps{Hub: realtime.NewHub()}

	var pg *postgres.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pg, d.Store = s, s
	} else {
		// the memory store has no sessions table; only JWTs can authenticate
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, errors.New("JWT_SECRET is required when DATABASE_URL is not set")
		}
		obslog.L().Warn("store_in_memory", zap.String("reason", "DATABASE_URL not set"))
		d.Store = memstore.New(memstore.WithImplicitUsers())
	}

	counter := ratelimit.Counter(ratelimit.NewMemoryCounter(nil))
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.redis = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = d.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		counter = ratelimit.NewRedisCounter(d.redis)
		d.Bus = realtime.NewRedisBus(d.redis, d.Hub, "")
	}

	notifiers := realtime.Fanout{d.Hub}
	if d.Bus != nil {
		notifiers = append(notifiers, d.Bus)
	}
	if u := strings.TrimSpace(cfg.BrokerNotifyURL); u != "" {
		client := relay.NewClient(u, relay.WithSecret(cfg.NotifySecret), relay.WithRetry(0))
		notifiers = append(notifiers, relay.NewNotifier(client, cfg.NotifyTimeout))
	}

	opts := []lifecycle.Option{lifecycle.WithNotifier(notifiers)}
	if cfg.ArchiveEnabled {
		var repo archive.Repository = archive.NewMemoryRepository()
		if pg != nil {
			repo = archive.NewPostgresRepository(pg.DB())
		}
		opts = append(opts, lifecycle.WithArchiver(archive.New(d.Store, repo)))
	}
	d.Machine = lifecycle.New(d.Store, lifecycle.Config{
		ReadyCountdown:  cfg.Match.ReadyCountdown,
		PresenceTimeout: cfg.Match.PresenceTimeout,
		ChatLimit:       cfg.Match.ChatLimit,
	}, opts...)
	d.Coordinator = coordinator.New(d.Machine)
	d.Queue = matchmaking.New(d.Machine)

	catalog, err := msgcat.New(cfg.MsgcatDir)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("load messages: %w", err)
	}

	d.API = httpapi.New(httpapi.Deps{
		Machine:     d.Machine,
		Coordinator: d.Coordinator,
		Queue:       d.Queue,
		Stream: realtime.NewStream(d.Machine, d.Hub, realtime.StreamConfig{
			PollInterval:     cfg.Stream.PollInterval,
			PingInterval:     cfg.Stream.PingInterval,
			PresenceInterval: cfg.Stream.PresenceInterval,
			MaxDuration:      cfg.Stream.MaxDuration,
			RetryMillis:      cfg.Stream.RetryMillis,
		}),
		Auth:    auth.NewResolver(d.Store, cfg.JWTSecret),
		Limiter: ratelimit.New(counter, cfg.RateLimits, ratelimit.DefaultWindow),
		Catalog: catalog,
		Ready:   d.ready,
	})
	return d, nil
}

func (d *Deps) ready(ctx context.Context) error {
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run blocks relaying cross-instance events until ctx is done.
func (d *Deps) Run(ctx context.Context) {
	if d.Bus == nil {
		return
	}
	for ctx.Err() == nil {
		if err := d.Bus.Run(ctx); err != nil && ctx.Err() == nil {
			obslog.L().Warn("redis_bus_stopped", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (d *Deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
}
