// Package auth maps request credentials to user ids.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

// SessionStore resolves opaque session tokens.
type SessionStore interface {
	LookupSession(ctx context.Context, token string) (string, error)
}

// Resolver accepts signed HS256 tokens when a secret is configured and
// opaque session tokens otherwise.
type Resolver struct {
	sessions SessionStore
	secret   []byte
	now      func() time.Time
}

func NewResolver(sessions SessionStore, jwtSecret string) *Resolver {
	r := &Resolver{sessions: sessions, now: time.Now}
	if s := strings.TrimSpace(jwtSecret); s != "" {
		r.secret = []byte(s)
	}
	return r
}

// Resolve returns the user id behind token or domain.ErrNoSession.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrNoSession
	}
	if r.secret != nil && strings.Count(token, ".") == 2 {
		return r.parseJWT(token)
	}
	if r.sessions == nil {
		return "", domain.ErrNoSession
	}
	uid, err := r.sessions.LookupSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) || (err == nil && uid == "") {
		return "", domain.ErrNoSession
	}
	if err != nil {
		return "", domain.Internal(fmt.Errorf("lookup session: %w", err))
	}
	return uid, nil
}

func (r *Resolver) parseJWT(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	if err != nil || strings.TrimSpace(claims.Subject) == "" {
		return "", domain.ErrNoSession
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (r *Resolver) Issue(userID string, ttl time.Duration) (string, error) {
	if r.secret == nil {
		return "", errors.New("auth: no signing secret configured")
	}
	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// TokenFromHeader reads the Authorization header, with or without the
// Bearer scheme.
func TokenFromHeader(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// TokenFromRequest is TokenFromHeader falling back to the token query
// parameter, for clients that cannot set headers (EventSource).
func TokenFromRequest(r *http.Request) string {
	if t := TokenFromHeader(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
