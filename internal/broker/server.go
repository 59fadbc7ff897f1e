// Package broker is the realtime socket server. Browsers subscribe to a
// match over a websocket; the API server posts change notifications which
// are fanned out to the subscribers of that match.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/relay"
	"github.com/park285/warchess-server/pkg/matchdto"
)

// RoomFetcher validates a subscription by reading the room with the
// subscriber's token.
type RoomFetcher interface {
	FetchRoom(ctx context.Context, matchID, token string) (json.RawMessage, error)
}

type Config struct {
	WSPath           string
	NotifyPath       string
	Secret           string
	SubscribeTimeout time.Duration
	ValidateTimeout  time.Duration
	PingInterval     time.Duration
	MaxNotifyBytes   int64
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		WSPath:           "/ws",
		NotifyPath:       "/notify",
		SubscribeTimeout: 10 * time.Second,
		ValidateTimeout:  5 * time.Second,
		PingInterval:     30 * time.Second,
		MaxNotifyBytes:   10000,
		WriteTimeout:     5 * time.Second,
	}
}

const (
	msgBadJSON          = "Bad JSON"
	msgInvalidMessage   = "Invalid message"
	msgInvalidSubscribe = "Invalid subscribe"
	msgAccessDenied     = "Access denied"
	msgAPIError         = "API error"
	msgAPIMissing       = "API_BASE missing"
	msgSubscribeTimeout = "Subscribe timeout"
)

type client struct {
	conn    *websocket.Conn
	matchID atomic.Value // string, set once subscribed
}

func (c *client) subscribedTo() string {
	v, _ := c.matchID.Load().(string)
	return v
}

type Server struct {
	cfg     Config
	fetcher RoomFetcher
	now     func() time.Time

	mu      sync.RWMutex
	matches map[string]map[*client]struct{}
}

var failure = map[string]bool{"ok": false}

// New builds a broker. fetcher may be nil, in which case every
// subscription is refused.
func New(cfg Config, fetcher RoomFetcher) *Server {
	def := DefaultConfig()
	if cfg.WSPath == "" {
		cfg.WSPath = def.WSPath
	}
	if cfg.NotifyPath == "" {
		cfg.NotifyPath = def.NotifyPath
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = def.ValidateTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxNotifyBytes <= 0 {
		cfg.MaxNotifyBytes = def.MaxNotifyBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Server{cfg: cfg, fetcher: fetcher, now: time.Now, matches: make(map[string]map[*client]struct{})}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case r.Method == http.MethodPost && r.URL.Path == s.cfg.NotifyPath:
		s.handleNotify(w, r)
	case r.URL.Path == s.cfg.WSPath && isUpgrade(r):
		s.handleSocket(w, r)
	default:
		writeJSON(w, http.StatusNotFound, failure)
	}
}

// Subscribers returns the number of sockets subscribed to matchID.
func (s *Server) Subscribers(matchID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches[matchID])
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Secret != "" && r.Header.Get(relay.SecretHeader) != s.cfg.Secret {
		writeJSON(w, http.StatusForbidden, failure)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxNotifyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure)
		return
	}
	if int64(len(body)) > s.cfg.MaxNotifyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, failure)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		writeJSON(w, http.StatusBadRequest, failure)
		return
	}
	matchID, err := domain.ParseMatchID(stringField(raw, "matchId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure)
		return
	}
	event := stringField(raw, "event")
	if event == "" {
		event = "update"
	}
	sent := s.Broadcast(r.Context(), matchID, event)
	writeJSON(w, http.StatusOK, matchdto.NotifyResponse{OK: true, Sent: sent})
}

// Broadcast sends a match-update message to every subscriber of matchID
// and returns how many sockets accepted it.
func (s *Server) Broadcast(ctx context.Context, matchID, event string) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.matches[matchID]))
	for c := range s.matches[matchID] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(matchdto.ServerMessage{
		Type:    matchdto.TypeMatchUpdate,
		MatchID: matchID,
		Event:   event,
		TS:      s.now().UnixMilli(),
	})
	if err != nil {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	var (
		sent atomic.Int32
		wg   sync.WaitGroup
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer cancel()
			if c.conn.Write(wctx, websocket.MessageText, data) == nil {
				sent.Add(1)
			}
		}(c)
	}
	wg.Wait()
	obslog.L().Debug("broker_broadcast",
		zap.String("match_id", matchID),
		zap.String("event", event),
		zap.Int32("sent", sent.Load()))
	return int(sent.Load())
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Debug("broker_accept_failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		s.remove(c)
		_ = conn.CloseNow()
	}()

	timer := time.AfterFunc(s.cfg.SubscribeTimeout, func() {
		if c.subscribedTo() != "" {
			return
		}
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeError, Message: msgSubscribeTimeout})
		_ = conn.Close(websocket.StatusPolicyViolation, "subscribe timeout")
	})
	defer timer.Stop()

	go s.pingLoop(ctx, c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if done := s.handleMessage(ctx, c, data, timer); done {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// handleMessage processes one client frame and reports whether the socket
// must be closed.
func (s *Server) handleMessage(ctx context.Context, c *client, data []byte, timer *time.Timer) bool {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeError, Message: msgBadJSON})
		return false
	}
	msg, ok := parsed.(map[string]any)
	if !ok {
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeError, Message: msgInvalidMessage})
		return false
	}

	switch stringField(msg, "type") {
	case matchdto.TypeSubscribe:
		matchID, err := domain.ParseMatchID(stringField(msg, "matchId"))
		token := strings.TrimSpace(stringField(msg, "token"))
		if err != nil || token == "" {
			s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeError, Message: msgInvalidSubscribe})
			return true
		}
		match, reason := s.validate(ctx, matchID, token)
		if reason != "" {
			s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeError, Message: reason})
			return true
		}
		s.add(c, matchID)
		timer.Stop()
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeSubscribed, MatchID: matchID})
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypeState, MatchID: matchID, Match: match})
		obslog.L().Debug("broker_subscribed", zap.String("match_id", matchID))
	case matchdto.TypePing:
		s.send(ctx, c, matchdto.ServerMessage{Type: matchdto.TypePong})
	}
	return false
}

func (s *Server) validate(ctx context.Context, matchID, token string) (json.RawMessage, string) {
	if s.fetcher == nil {
		return nil, msgAPIMissing
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ValidateTimeout)
	defer cancel()
	match, err := s.fetcher.FetchRoom(ctx, matchID, token)
	switch {
	case err == nil:
		return match, ""
	case errors.Is(err, relay.ErrDenied):
		return nil, msgAccessDenied
	default:
		obslog.L().Warn("broker_validate_failed", zap.String("match_id", matchID), zap.Error(err))
		return nil, msgAPIError
	}
}

// pingLoop closes the socket when a ping is not answered within one
// interval.
func (s *Server) pingLoop(ctx context.Context, c *client) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					obslog.L().Debug("broker_ping_timeout", zap.String("match_id", c.subscribedTo()))
				}
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, c *client, msg matchdto.ServerMessage) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	_ = wsjson.Write(ctx, c.conn, msg)
}

func (s *Server) add(c *client, matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := c.subscribedTo(); prev != "" {
		s.removeLocked(c, prev)
	}
	set, ok := s.matches[matchID]
	if !ok {
		set = make(map[*client]struct{})
		s.matches[matchID] = set
	}
	set[c] = struct{}{}
	c.matchID.Store(matchID)
}

func (s *Server) remove(c *client) {
	matchID := c.subscribedTo()
	if matchID == "" {
		return
	}
	s.mu.Lock()
	s.removeLocked(c, matchID)
	s.mu.Unlock()
}

func (s *Server) removeLocked(c *client, matchID string) {
	set := s.matches[matchID]
	delete(set, c)
	if len(set) == 0 {
		delete(s.matches, matchID)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
