package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/config"
	"github.com/park285/warchess-server/internal/store/memstore"
)

const testSecret = "s3cret"

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.BrokerNotifyURL = ""
	cfg.JWTSecret = testSecret
	return cfg
}

func newDeps(t *testing.T, cfg *config.AppConfig) *Deps {
	t.Helper()
	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s %s = %d: %s", method, path, rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNewInMemory(t *testing.T) {
	d := newDeps(t, testConfig(t))

	if _, ok := d.Store.(*memstore.Store); !ok {
		t.Fatalf("expected memstore without DATABASE_URL, got %T", d.Store)
	}
	if d.Bus != nil {
		t.Fatalf("bus without REDIS_URL")
	}

	rec := httptest.NewRecorder()
	d.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestInMemoryNeedsSigningSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = " "
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("memory mode without JWT_SECRET must fail")
	}
}

func TestInMemoryPairsTokenUsers(t *testing.T) {
	d := newDeps(t, testConfig(t))
	h := d.API.Handler()

	issuer := auth.NewResolver(nil, testSecret)
	tokens := map[string]string{}
	for _, user := range []string{"alice", "bob"} {
		tok, err := issuer.Issue(user, time.Hour)
		if err != nil {
			t.Fatalf("issue %s: %v", user, err)
		}
		tokens[user] = tok
	}

	out := call(t, h, http.MethodPost, "/api/matchmake/join", tokens["alice"],
		map[string]string{"mode": "ranked", "timeControl": "10+0", "side": "Blancs"})
	if out["status"] != "queued" {
		t.Fatalf("alice join = %v", out)
	}
	out = call(t, h, http.MethodPost, "/api/matchmake/join", tokens["bob"],
		map[string]string{"mode": "ranked", "timeControl": "10+0", "side": "Noirs"})
	if out["status"] != "matched" {
		t.Fatalf("bob join = %v", out)
	}
	id, _ := out["matchId"].(string)
	if id == "" {
		t.Fatalf("no matchId in %v", out)
	}

	out = call(t, h, http.MethodGet, "/api/matchmake/status", tokens["alice"], nil)
	if out["status"] != "matched" || out["matchId"] != id {
		t.Fatalf("alice status = %v", out)
	}

	out = call(t, h, http.MethodGet, "/api/match/room?matchId="+id, tokens["alice"], nil)
	room, _ := out["match"].(map[string]any)
	if room["yourSide"] != "white" {
		t.Fatalf("alice room = %v", out)
	}
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	cfg.ArchiveEnabled = true

	d := newDeps(t, cfg)
	if d.Bus == nil || d.Machine.Archiver() == nil {
		t.Fatalf("bus=%v archiver=%v", d.Bus, d.Machine.Archiver())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}

	mr.SetError("LOADING")
	rec := httptest.NewRecorder()
	d.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with redis loading = %d", rec.Code)
	}
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "mysql://nope"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("bad redis url accepted")
	}
}
