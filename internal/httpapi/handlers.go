package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/coordinator"
	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/matchmaking"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/realtime"
	"github.com/park285/warchess-server/pkg/matchdto"
)

type roomBody struct {
	OK    bool               `json:"ok"`
	Match *matchdto.Snapshot `json:"match"`
}

func queueBody(res *matchmaking.Result) matchdto.QueueState {
	return matchdto.QueueState{
		OK:          true,
		Status:      res.Status,
		MatchID:     res.MatchID,
		MatchStatus: string(res.MatchStatus),
		Mode:        res.Mode,
		TimeControl: res.TimeControl,
		Side:        string(res.Side),
		QueuedAt:    res.QueuedAt,
	}
}

func (s *Server) join(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.JoinRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := s.Queue.Join(ctx, userID, matchmaking.Request{Mode: req.Mode, TimeControl: req.TimeControl, Side: req.Side})
	if err != nil {
		return nil, err
	}
	return queueBody(res), nil
}

func (s *Server) queueStatus(ctx context.Context, _ *http.Request, userID string) (any, error) {
	res, err := s.Queue.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	return queueBody(res), nil
}

func (s *Server) leave(ctx context.Context, _ *http.Request, userID string) (any, error) {
	res, err := s.Queue.Leave(ctx, userID)
	if err != nil {
		return nil, err
	}
	return queueBody(res), nil
}

// snapshot renders room for userID.
func (s *Server) snapshot(ctx context.Context, room *domain.Room, userID string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	snap, err := s.Machine.Snapshot(ctx, room, userID)
	if err != nil {
		return nil, err
	}
	return roomBody{OK: true, Match: snap}, nil
}

func (s *Server) ready(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.MatchRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	room, err := s.Machine.MarkReady(ctx, req.MatchID, userID)
	return s.snapshot(ctx, room, userID, err)
}

func (s *Server) presence(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.MatchRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	room, err := s.Machine.Heartbeat(ctx, req.MatchID, userID)
	return s.snapshot(ctx, room, userID, err)
}

func (s *Server) finish(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.FinishRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	room, err := s.Machine.Finish(ctx, req.MatchID, userID, req.Result)
	return s.snapshot(ctx, room, userID, err)
}

func (s *Server) message(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.MessageRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	room, err := s.Machine.AddMessage(ctx, req.MatchID, userID, req.Message)
	return s.snapshot(ctx, room, userID, err)
}

func (s *Server) move(ctx context.Context, r *http.Request, userID string) (any, error) {
	var req matchdto.MoveRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	snap, err := s.Coordinator.SubmitMove(ctx, coordinator.MoveRequest{
		MatchID:   req.MatchID,
		UserID:    userID,
		From:      req.From,
		To:        req.To,
		Promotion: req.Promotion,
	})
	if err != nil {
		return nil, err
	}
	return roomBody{OK: true, Match: snap}, nil
}

func (s *Server) room(ctx context.Context, r *http.Request, userID string) (any, error) {
	snap, err := s.Machine.View(ctx, r.URL.Query().Get("matchId"), userID)
	if err != nil {
		return nil, err
	}
	return roomBody{OK: true, Match: snap}, nil
}

// stream authenticates from the header or the token query parameter,
// since EventSource cannot send headers.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, r, errMethod)
		return
	}
	ctx := r.Context()
	userID, err := s.Auth.Resolve(ctx, auth.TokenFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	room, err := s.Machine.Authorize(ctx, r.URL.Query().Get("matchId"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Stream.Serve(ctx, w, room, userID); err != nil {
		if errors.Is(err, realtime.ErrNoFlusher) {
			s.writeError(w, r, domain.Internal(err))
			return
		}
		obslog.L().Warn("match_stream_failed",
			zap.String("request_id", RequestIDFrom(ctx)),
			zap.String("match_id", room.MatchID),
			zap.Error(err))
	}
}
