package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
)

// DefaultChannel is the Redis channel carrying match change events.
const DefaultChannel = "warchess:match-events"

type busMessage struct {
	Origin  string `json:"origin"`
	MatchID string `json:"matchId"`
	Event   string `json:"event"`
}

// RedisBus relays match events between API instances so that streams on
// every instance wake up, not only the one that committed the change.
type RedisBus struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	origin  string
}

func NewRedisBus(rdb *redis.Client, hub *Hub, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, hub: hub, channel: channel, origin: domain.NewID()}
}

// Notify publishes the event. The local hub is not signaled here; it is
// part of the same fan-out.
func (b *RedisBus) Notify(ctx context.Context, matchID, event string) {
	payload, err := json.Marshal(busMessage{Origin: b.origin, MatchID: matchID, Event: event})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		obslog.L().Warn("redis_bus_publish_failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// Run forwards events published by other instances to the local hub until
// ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis bus: subscription closed")
			}
			var m busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil || m.MatchID == "" {
				continue
			}
			if m.Origin == b.origin {
				continue
			}
			b.hub.Publish(m.MatchID, m.Event)
		}
	}
}
