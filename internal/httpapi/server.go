// Package httpapi exposes the match core over JSON HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/coordinator"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/matchmaking"
	"github.com/park285/warchess-server/internal/msgcat"
	"github.com/park285/warchess-server/internal/ratelimit"
	"github.com/park285/warchess-server/internal/realtime"
)

// Deps are the components the API routes to. Limiter may be nil.
type Deps struct {
	Machine     *lifecycle.Machine
	Coordinator *coordinator.Coordinator
	Queue       *matchmaking.Service
	Stream      *realtime.Stream
	Auth        *auth.Resolver
	Limiter     *ratelimit.Limiter
	Catalog     *msgcat.Catalog
	// Ready reports backend health for /healthz; nil means always healthy.
	Ready func(ctx context.Context) error
}

type Server struct {
	Deps
	mux *http.ServeMux
}

// handlerFunc serves an authenticated request and returns the response
// body or an error.
type handlerFunc func(ctx context.Context, r *http.Request, userID string) (any, error)

func New(d Deps) *Server {
	if d.Catalog == nil {
		d.Catalog = msgcat.MustDefault()
	}
	s := &Server{Deps: d, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle(http.MethodPost, "/api/matchmake/join", "join", s.join)
	s.handle(http.MethodGet, "/api/matchmake/status", "status", s.queueStatus)
	s.handle(http.MethodPost, "/api/matchmake/leave", "leave", s.leave)

	s.handle(http.MethodPost, "/api/match/ready", "ready", s.ready)
	s.handle(http.MethodPost, "/api/match/presence", "presence", s.presence)
	s.handle(http.MethodPost, "/api/match/move", "move", s.move)
	s.handle(http.MethodPost, "/api/match/finish", "finish", s.finish)
	s.handle(http.MethodPost, "/api/match/message", "message", s.message)
	s.handle(http.MethodGet, "/api/match/room", "room", s.room)

	s.mux.HandleFunc("/api/match/stream", s.stream)
	s.mux.HandleFunc("/healthz", s.health)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errNotFoundRoute)
	})
}

// Handler returns the routed API wrapped in request id and access logging.
func (s *Server) Handler() http.Handler {
	return requestID(accessLog(s.mux))
}

func (s *Server) handle(method, path, action string, h handlerFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			s.writeError(w, r, errMethod)
			return
		}
		ctx := r.Context()
		userID, err := s.Auth.Resolve(ctx, auth.TokenFromHeader(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.Limiter.Check(ctx, action, userID); err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := h(ctx, r, userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{OK: false, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
