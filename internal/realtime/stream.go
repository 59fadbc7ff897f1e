package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/pkg/matchdto"
)

var ErrNoFlusher = errors.New("realtime: response writer cannot stream")

type StreamConfig struct {
	PollInterval     time.Duration
	PingInterval     time.Duration
	PresenceInterval time.Duration
	MaxDuration      time.Duration
	RetryMillis      int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PollInterval:     2 * time.Second,
		PingInterval:     10 * time.Second,
		PresenceInterval: 10 * time.Second,
		MaxDuration:      25 * time.Second,
		RetryMillis:      5000,
	}
}

// Stream serves the poll-diff event stream of one match. A connection
// lives at most MaxDuration; clients reconnect using the retry hint.
type Stream struct {
	machine *lifecycle.Machine
	hub     *Hub
	cfg     StreamConfig
}

func NewStream(m *lifecycle.Machine, hub *Hub, cfg StreamConfig) *Stream {
	def := DefaultStreamConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = def.PresenceInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.RetryMillis <= 0 {
		cfg.RetryMillis = def.RetryMillis
	}
	return &Stream{machine: m, hub: hub, cfg: cfg}
}

// Serve streams room to userID until the deadline, the client leaves or
// the room disappears. The caller has already authorized the user.
func (s *Stream) Serve(ctx context.Context, w http.ResponseWriter, room *domain.Room, userID string) error {
	fl, ok := w.(http.Flusher)
	if !ok {
		return ErrNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", s.cfg.RetryMillis); err != nil {
		return nil
	}
	fl.Flush()

	var wake <-chan string
	if s.hub != nil {
		ch, cancel := s.hub.Subscribe(room.MatchID)
		defer cancel()
		wake = ch
	}

	deadline := time.NewTimer(s.cfg.MaxDuration)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	matchID := room.MatchID
	var last *matchdto.Snapshot
	lastPing := time.Now()
	var lastPresence time.Time
	sent := 0
	defer func() {
		obslog.L().Debug("match_stream_closed",
			zap.String("match_id", matchID),
			zap.String("user_id", userID),
			zap.Int("events", sent))
	}()

	for {
		cur, err := s.machine.Load(ctx, matchID)
		if err != nil {
			if !errors.Is(err, domain.ErrMatchNotFound) && ctx.Err() == nil {
				obslog.L().Warn("match_stream_load_failed", zap.String("match_id", matchID), zap.Error(err))
			}
			return nil
		}
		snap, err := s.machine.Snapshot(ctx, cur, userID)
		if err != nil {
			if ctx.Err() == nil {
				obslog.L().Warn("match_stream_snapshot_failed", zap.String("match_id", matchID), zap.Error(err))
			}
			return nil
		}
		if last == nil || !matchdto.SameContent(last, snap) {
			payload, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: match\ndata: %s\n\n", payload); err != nil {
				return nil
			}
			fl.Flush()
			last = snap
			sent++
		}

		now := time.Now()
		if now.Sub(lastPing) >= s.cfg.PingInterval {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			fl.Flush()
			lastPing = now
		}
		if now.Sub(lastPresence) >= s.cfg.PresenceInterval {
			if err := s.machine.TouchPresence(ctx, cur, userID); err != nil && ctx.Err() == nil {
				obslog.L().Debug("match_stream_presence_failed", zap.String("match_id", matchID), zap.Error(err))
			}
			lastPresence = now
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-poll.C:
		case <-wake:
		}
	}
}
