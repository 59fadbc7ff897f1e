// Package relay is the HTTP glue between the API server and the socket
// broker: change notifications one way, subscription checks the other.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/pkg/matchdto"
)

// SecretHeader authenticates notify calls.
const SecretHeader = "X-Notify-Secret"

// ErrDenied means the core answered but refused the room read.
var ErrDenied = errors.New("relay: access denied")

type Client struct {
	baseURL string
	http    *fasthttp.Client
	secret  string

	roomPath       string
	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithRetry(max int) Option { return func(c *Client) { c.retryMax = max } }

func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = strings.TrimSpace(secret) }
}

// WithRoomPath overrides the API path used by FetchRoom.
func WithRoomPath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.roomPath = p
		}
	}
}

// NewClient targets baseURL. For notifications baseURL is the full notify
// endpoint; for room reads it is the API server root.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		roomPath:       "/api/match/room",
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify posts a change event for matchID. It reports failures but callers
// normally ignore them.
func (c *Client) Notify(ctx context.Context, matchID, event string) (int, error) {
	var resp matchdto.NotifyResponse
	headers := map[string]string{}
	if c.secret != "" {
		headers[SecretHeader] = c.secret
	}
	in := matchdto.NotifyRequest{MatchID: matchID, Event: event}
	if _, err := c.doJSON(ctx, fasthttp.MethodPost, c.baseURL, headers, in, &resp, false); err != nil {
		return 0, err
	}
	return resp.Sent, nil
}

// FetchRoom reads the match snapshot with the subscriber's bearer token.
// ErrDenied is returned when the core refuses; other errors mean the core
// could not be reached.
func (c *Client) FetchRoom(ctx context.Context, matchID, token string) (json.RawMessage, error) {
	u := c.baseURL + c.roomPath + "?matchId=" + url.QueryEscape(matchID)
	headers := map[string]string{"Authorization": "Bearer " + token}
	var resp matchdto.RoomResponse
	status, err := c.doJSON(ctx, fasthttp.MethodGet, u, headers, nil, &resp, true)
	if err != nil {
		if status != 0 {
			return nil, fmt.Errorf("%w: status=%d", ErrDenied, status)
		}
		return nil, err
	}
	if !resp.OK || len(resp.Match) == 0 || string(resp.Match) == "null" {
		return nil, ErrDenied
	}
	return resp.Match, nil
}

// doJSON returns the final HTTP status (0 when no response was received).
func (c *Client) doJSON(ctx context.Context, method, target string, headers map[string]string, in, out any, retry bool) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(target)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	lastStatus := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastStatus, err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr, lastStatus = fmt.Errorf("request failed: %w", err), 0
			if attempt == attempts || c.sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return 0, lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("relay status=%d body=%s", status, truncate(string(resp.Body()), 512))
			lastStatus = status
			if attempt == attempts || !shouldRetryStatus(status) || c.sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return status, lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return status, fmt.Errorf("decode response: %w", err)
			}
		}
		return status, nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastStatus, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Notifier adapts Client to fire-and-forget match notifications.
type Notifier struct {
	client  *Client
	timeout time.Duration
}

func NewNotifier(c *Client, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Notifier{client: c, timeout: timeout}
}

// Notify posts in the background and returns immediately.
func (n *Notifier) Notify(ctx context.Context, matchID, event string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if _, err := n.client.Notify(ctx, matchID, event); err != nil {
			obslog.L().Debug("relay_notify_failed",
				zap.String("match_id", matchID),
				zap.String("event", event),
				zap.Error(err))
		}
	}()
}
