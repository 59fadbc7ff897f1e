package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store/memstore"
)

type brokenSessions struct{}

func (brokenSessions) LookupSession(context.Context, string) (string, error) {
	return "", errors.New("db down")
}

func TestResolveSessionToken(t *testing.T) {
	st := memstore.New()
	st.AddSession("opaque-token", "user-1")
	r := NewResolver(st, "")

	uid, err := r.Resolve(context.Background(), " opaque-token ")
	if err != nil || uid != "user-1" {
		t.Fatalf("resolve: uid=%q err=%v", uid, err)
	}
	if _, err := r.Resolve(context.Background(), "unknown"); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestResolveStoreFailureIsInternal(t *testing.T) {
	_, err := NewResolver(brokenSessions{}, "").Resolve(context.Background(), "tok")
	if domain.KindOf(err) != domain.KindInternal {
		t.Fatalf("expected internal, got %v", err)
	}
}

func TestResolveJWT(t *testing.T) {
	st := memstore.New()
	r := NewResolver(st, "top-secret")
	tok, err := r.Issue("user-9", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if uid, err := r.Resolve(context.Background(), tok); err != nil || uid != "user-9" {
		t.Fatalf("resolve: uid=%q err=%v", uid, err)
	}

	other := NewResolver(st, "another-secret")
	if _, err := other.Resolve(context.Background(), tok); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("foreign signature accepted: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := r.Resolve(context.Background(), tok); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	if _, err := NewResolver(nil, " ").Issue("u", time.Minute); err == nil {
		t.Fatalf("expected error without a secret")
	}
}

func TestTokenExtraction(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/match/stream?token=q-token", nil)
	if got := TokenFromRequest(req); got != "q-token" {
		t.Fatalf("query token = %q", got)
	}
	if got := TokenFromHeader(req); got != "" {
		t.Fatalf("header token = %q", got)
	}

	req.Header.Set("Authorization", "bearer h-token")
	if got := TokenFromRequest(req); got != "h-token" {
		t.Fatalf("bearer token = %q", got)
	}

	req.Header.Set("Authorization", "raw-token")
	if got := TokenFromHeader(req); got != "raw-token" {
		t.Fatalf("raw token = %q", got)
	}
}
