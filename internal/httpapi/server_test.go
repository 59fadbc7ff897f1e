package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/coordinator"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/matchmaking"
	"github.com/park285/warchess-server/internal/ratelimit"
	"github.com/park285/warchess-server/internal/realtime"
	"github.com/park285/warchess-server/internal/store/memstore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	st     *memstore.Store
	clock  *testClock
	server *Server
	h      http.Handler
}

func newEnv(t *testing.T, limits map[string]int) *env {
	t.Helper()
	st := memstore.New()
	for user, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		st.AddUser(user, name)
		st.AddSession("tok-"+user, user)
	}
	clock := &testClock{t: time.Now().UTC()}
	hub := realtime.NewHub()
	m := lifecycle.New(st, lifecycle.DefaultConfig(), lifecycle.WithClock(clock.Now), lifecycle.WithNotifier(hub))
	s := New(Deps{
		Machine:     m,
		Coordinator: coordinator.New(m),
		Queue:       matchmaking.New(m, matchmaking.WithCoin(func() bool { return true })),
		Stream: realtime.NewStream(m, hub, realtime.StreamConfig{
			PollInterval: 20 * time.Millisecond,
			MaxDuration:  150 * time.Millisecond,
		}),
		Auth:    auth.NewResolver(st, ""),
		Limiter: ratelimit.New(ratelimit.NewMemoryCounter(nil), limits, time.Minute),
	})
	return &env{st: st, clock: clock, server: s, h: s.Handler()}
}

func (e *env) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("Authorization", "Bearer tok-"+user)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, out
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

// expectField compares one decoded JSON field.
func expectField(t *testing.T, out map[string]any, key string, want any) {
	t.Helper()
	if got := out[key]; got != want {
		t.Fatalf("%s = %#v, want %#v (in %v)", key, got, want, out)
	}
}

func match(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	m, ok := out["match"].(map[string]any)
	if !ok {
		t.Fatalf("missing match in %v", out)
	}
	return m
}

func (e *env) pair(t *testing.T) string {
	t.Helper()
	_, out := e.do(t, http.MethodPost, "/api/matchmake/join", "alice", map[string]string{"side": "Blancs"})
	expectField(t, out, "status", "queued")
	_, out = e.do(t, http.MethodPost, "/api/matchmake/join", "bob", map[string]string{"side": "Noirs"})
	expectField(t, out, "status", "matched")
	id, _ := out["matchId"].(string)
	if id == "" {
		t.Fatalf("no matchId in %v", out)
	}
	return id
}

func TestRequiresSession(t *testing.T) {
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodGet, "/api/matchmake/status", "", nil)
	expectCode(t, rec, http.StatusUnauthorized)
	expectField(t, out, "ok", false)
	expectField(t, out, "message", "Session invalide.")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing %s header", RequestIDHeader)
	}

	rec, _ = e.do(t, http.MethodGet, "/api/matchmake/status", "mallory", nil)
	expectCode(t, rec, http.StatusUnauthorized)
}

func TestMethodAndRouteErrors(t *testing.T) {
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodGet, "/api/match/move", "alice", nil)
	expectCode(t, rec, http.StatusMethodNotAllowed)
	expectField(t, out, "message", "Methode non autorisee.")
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}

	rec, _ = e.do(t, http.MethodGet, "/api/nothing", "alice", nil)
	expectCode(t, rec, http.StatusNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/match/ready", strings.NewReader("{broken"))
	req.Header.Set("Authorization", "tok-alice")
	raw := httptest.NewRecorder()
	e.h.ServeHTTP(raw, req)
	expectCode(t, raw, http.StatusBadRequest)
	if !strings.Contains(raw.Body.String(), "Requete invalide.") {
		t.Fatalf("body = %s", raw.Body.String())
	}
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	id := e.pair(t)

	_, out := e.do(t, http.MethodGet, "/api/matchmake/status", "alice", nil)
	expectField(t, out, "status", "matched")
	expectField(t, out, "matchId", id)

	rec, out := e.do(t, http.MethodGet, "/api/match/room?matchId="+id, "carol", nil)
	expectCode(t, rec, http.StatusForbidden)
	expectField(t, out, "message", "Acces refuse.")

	rec, out = e.do(t, http.MethodGet, "/api/match/room?matchId=nope", "alice", nil)
	expectCode(t, rec, http.StatusBadRequest)
	expectField(t, out, "message", "Identifiant invalide.")

	_, out = e.do(t, http.MethodPost, "/api/match/ready", "alice", map[string]string{"matchId": id})
	expectField(t, match(t, out), "status", "waiting")
	_, out = e.do(t, http.MethodPost, "/api/match/ready", "bob", map[string]string{"matchId": id})
	expectField(t, match(t, out), "status", "ready")
	if match(t, out)["startAt"] == nil {
		t.Fatalf("ready room without startAt: %v", out)
	}

	// countdown still running
	rec, _ = e.do(t, http.MethodPost, "/api/match/move", "alice", map[string]string{"matchId": id, "from": "e2", "to": "e4"})
	expectCode(t, rec, http.StatusConflict)

	e.clock.Advance(4 * time.Second)
	_, out = e.do(t, http.MethodGet, "/api/match/room?matchId="+id, "alice", nil)
	expectField(t, match(t, out), "status", "started")
	expectField(t, match(t, out), "yourSide", "white")

	rec, out = e.do(t, http.MethodPost, "/api/match/move", "alice", map[string]string{"matchId": id, "from": "e2", "to": "e4", "notation": "whatever"})
	expectCode(t, rec, http.StatusOK)
	snap := match(t, out)
	expectField(t, snap, "sideToMove", "black")
	expectField(t, snap, "lastMove", "e4")
	expectField(t, snap, "moveCount", float64(1))

	rec, out = e.do(t, http.MethodPost, "/api/match/move", "alice", map[string]string{"matchId": id, "from": "d2", "to": "d4"})
	expectCode(t, rec, http.StatusConflict)
	expectField(t, out, "message", "Ce n'est pas votre tour.")

	rec, _ = e.do(t, http.MethodPost, "/api/match/move", "bob", map[string]string{"matchId": id, "from": "e7", "to": "e7"})
	expectCode(t, rec, http.StatusBadRequest)

	_, out = e.do(t, http.MethodPost, "/api/match/message", "bob", map[string]string{"matchId": id, "message": "  salut  "})
	msgs, _ := match(t, out)["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	expectField(t, msgs[0].(map[string]any), "message", "salut")

	rec, _ = e.do(t, http.MethodPost, "/api/match/finish", "bob", map[string]string{"matchId": id, "result": "surrender"})
	expectCode(t, rec, http.StatusBadRequest)

	_, out = e.do(t, http.MethodPost, "/api/match/finish", "bob", map[string]string{"matchId": id, "result": "resign"})
	expectField(t, match(t, out), "status", "finished")
	expectField(t, match(t, out), "lastMove", "Abandon")

	_, out = e.do(t, http.MethodGet, "/api/matchmake/status", "bob", nil)
	expectField(t, out, "status", "idle")
}

func TestLeaveQueue(t *testing.T) {
	e := newEnv(t, nil)
	_, out := e.do(t, http.MethodPost, "/api/matchmake/join", "carol", map[string]string{"mode": "weird", "timeControl": "x"})
	expectField(t, out, "status", "queued")
	expectField(t, out, "mode", "ranked")
	expectField(t, out, "timeControl", "10+0")
	expectField(t, out, "side", "Aleatoire")

	_, out = e.do(t, http.MethodPost, "/api/matchmake/leave", "carol", nil)
	expectField(t, out, "status", "idle")
	expectField(t, out, "ok", true)
}

func TestRateLimited(t *testing.T) {
	e := newEnv(t, map[string]int{"status": 1})
	rec, _ := e.do(t, http.MethodGet, "/api/matchmake/status", "alice", nil)
	expectCode(t, rec, http.StatusOK)
	rec, out := e.do(t, http.MethodGet, "/api/matchmake/status", "alice", nil)
	expectCode(t, rec, http.StatusTooManyRequests)
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q", ra)
	}
	expectField(t, out, "message", "Trop de requetes. Reessayez dans un instant.")

	rec, _ = e.do(t, http.MethodGet, "/api/matchmake/status", "bob", nil)
	expectCode(t, rec, http.StatusOK)
}

func TestStreamOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	id := e.pair(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	for token, want := range map[string]int{"": http.StatusUnauthorized, "&token=tok-carol": http.StatusForbidden} {
		resp, err := http.Get(ts.URL + "/api/match/stream?matchId=" + id + token)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("token %q: status = %d, want %d", token, resp.StatusCode, want)
		}
	}

	resp, err := http.Get(ts.URL + "/api/match/stream?matchId=" + id + "&token=tok-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.HasPrefix(body, "retry: 5000\n\n") ||
		!strings.Contains(body, "event: match\ndata: {") ||
		!strings.Contains(body, `"matchId":"`+id+`"`) {
		t.Fatalf("stream body = %q", body)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodGet, "/healthz", "", nil)
	expectCode(t, rec, http.StatusOK)
	expectField(t, out, "ok", true)

	e.server.Ready = func(context.Context) error { return errors.New("database unreachable") }
	rec, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	expectCode(t, rec, http.StatusServiceUnavailable)
}
