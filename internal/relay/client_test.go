package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/warchess-server/pkg/matchdto"
)

func TestNotifySendsSecretAndBody(t *testing.T) {
	var got matchdto.NotifyRequest
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(SecretHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(matchdto.NotifyResponse{OK: true, Sent: 2})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/notify", WithSecret("s3cret"), WithTimeout(time.Second))
	sent, err := c.Notify(context.Background(), "m-1", "move")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sent != 2 || secret != "s3cret" {
		t.Fatalf("sent=%d secret=%q", sent, secret)
	}
	if got != (matchdto.NotifyRequest{MatchID: "m-1", Event: "move"}) {
		t.Fatalf("body = %+v", got)
	}
}

func TestNotifyOmitsEmptySecret(t *testing.T) {
	seen := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header[http.CanonicalHeaderKey(SecretHeader)]
		seen <- present
		_, _ = w.Write([]byte(`{"ok":true,"sent":0}`))
	}))
	defer srv.Close()

	NewNotifier(NewClient(srv.URL), time.Second).Notify(context.Background(), "m", "ready")
	select {
	case present := <-seen:
		if present {
			t.Fatalf("secret header sent without a secret")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never arrived")
	}
}

func TestNotifierReturnsBeforeSlowBroker(t *testing.T) {
	release := make(chan struct{})
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		var req matchdto.NotifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got <- req.Event
		_, _ = w.Write([]byte(`{"ok":true,"sent":1}`))
	}))
	defer srv.Close()

	n := NewNotifier(NewClient(srv.URL, WithRetry(0)), 3*time.Second)
	start := time.Now()
	n.Notify(context.Background(), "m", "move")
	if d := time.Since(start); d > 200*time.Millisecond {
		t.Fatalf("Notify blocked for %v", d)
	}
	close(release)
	select {
	case ev := <-got:
		if ev != "move" {
			t.Fatalf("event = %q", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("notification never arrived")
	}
}

func TestFetchRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/match/room" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"ok":true,"match":{"matchId":"` + r.URL.Query().Get("matchId") + `"}}`))
		case "Bearer empty":
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"message":"Acces refuse."}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(time.Second))
	raw, err := c.FetchRoom(context.Background(), "abc", "good")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(raw) != `{"matchId":"abc"}` {
		t.Fatalf("match = %s", raw)
	}
	if _, err := c.FetchRoom(context.Background(), "abc", "bad"); !errors.Is(err, ErrDenied) {
		t.Fatalf("bad token: %v", err)
	}
	if _, err := c.FetchRoom(context.Background(), "abc", "empty"); !errors.Is(err, ErrDenied) {
		t.Fatalf("empty match: %v", err)
	}
}

func TestFetchRoomCustomPath(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true,"match":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRoomPath("/v2/room"))
	if _, err := c.FetchRoom(context.Background(), "abc", "t"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p := <-paths; p != "/v2/room" {
		t.Fatalf("path = %s", p)
	}
}

func TestFetchRoomRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"match":{}}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, WithRetry(3)).FetchRoom(context.Background(), "abc", "t"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestFetchRoomUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(addr, WithRetry(1), WithTimeout(200*time.Millisecond)).FetchRoom(context.Background(), "abc", "t")
	if err == nil || errors.Is(err, ErrDenied) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
