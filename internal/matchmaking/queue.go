// Package matchmaking pairs compatible queue tickets into new match rooms.
package matchmaking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/store"
)

const (
	StatusIdle    = "idle"
	StatusQueued  = "queued"
	StatusMatched = "matched"

	DefaultMode        = "ranked"
	DefaultTimeControl = "10+0"

	// candidateLimit bounds one pairing scan.
	candidateLimit = 30
)

var timeControlPattern = regexp.MustCompile(`^\d+(?:\+\d+)?$`)

// NormalizeMode folds anything but ranked or friendly into ranked.
func NormalizeMode(s string) string {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "ranked", "friendly":
		return m
	default:
		return DefaultMode
	}
}

// NormalizeTimeControl accepts "minutes" or "minutes+increment".
func NormalizeTimeControl(s string) string {
	tc := strings.TrimSpace(s)
	if !timeControlPattern.MatchString(tc) {
		return DefaultTimeControl
	}
	return tc
}

// Request is a join request after transport decoding.
type Request struct {
	Mode        string
	TimeControl string
	Side        string
}

// Result describes where a user stands in matchmaking.
type Result struct {
	Status      string
	MatchID     string
	MatchStatus domain.Status
	Mode        string
	TimeControl string
	Side        domain.SidePreference
	QueuedAt    *time.Time
}

type Service struct {
	machine *lifecycle.Machine
	store   store.Store
	flip    func() bool
}

type Option func(*Service)

// WithCoin replaces the fair coin used when both sides asked for random.
func WithCoin(flip func() bool) Option { return func(s *Service) { s.flip = flip } }

func New(m *lifecycle.Machine, opts ...Option) *Service {
	s := &Service{machine: m, store: m.Store(), flip: cryptoCoin}
	for _, o := range opts {
		o(s)
	}
	return s
}

func cryptoCoin() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 0
}

func (s *Service) available(needSummaries bool) error {
	caps := s.machine.Capabilities()
	if !caps.Matches || !caps.Queue || (needSummaries && !caps.Summaries) {
		return domain.ErrQueueOff
	}
	return nil
}

// Join pairs userID with the oldest compatible ticket or enqueues it.
func (s *Service) Join(ctx context.Context, userID string, req Request) (*Result, error) {
	if err := s.available(true); err != nil {
		return nil, err
	}
	mode := NormalizeMode(req.Mode)
	tc := NormalizeTimeControl(req.TimeControl)
	pref := domain.ParseSidePreference(req.Side)

	if res, err := s.openMatch(ctx, userID); err != nil || res != nil {
		return res, err
	}

	var res *Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockQueueBucket(ctx, mode, tc); err != nil {
			return fmt.Errorf("lock bucket: %w", err)
		}
		if err := tx.DeleteUserTickets(ctx, userID); err != nil {
			return fmt.Errorf("delete own tickets: %w", err)
		}
		open, err := tx.FindOpenRoom(ctx, userID)
		switch {
		case err == nil:
			res = matched(open.MatchID, open.Status)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find open room: %w", err)
		}

		paired, err := s.pair(ctx, tx, userID, mode, tc, pref)
		if err != nil || paired != nil {
			res = paired
			return err
		}

		now := s.machine.Now()
		ticket := &domain.Ticket{
			ID: domain.NewID(), UserID: userID, Mode: mode,
			TimeControl: tc, Side: pref, CreatedAt: now,
		}
		if err := tx.InsertTicket(ctx, ticket); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		res = &Result{
			Status: StatusQueued, Mode: mode, TimeControl: tc,
			Side: pref, QueuedAt: &ticket.CreatedAt,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent join of the same user.
			return s.Status(ctx, userID)
		}
		obslog.L().Error("matchmake_join_failed", zap.String("user_id", userID), zap.Error(err))
		return nil, domain.Internal(err)
	}
	if res.Status == StatusQueued {
		obslog.L().Info("matchmake_queued",
			zap.String("user_id", userID),
			zap.String("mode", mode),
			zap.String("time_control", tc),
			zap.String("side", string(pref)))
	}
	return res, nil
}

// pair scans candidate tickets oldest first and creates a room with the
// first compatible one.
func (s *Service) pair(ctx context.Context, tx store.Tx, userID, mode, tc string, pref domain.SidePreference) (*Result, error) {
	candidates, err := tx.ClaimCandidates(ctx, userID, mode, tc, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	for _, cand := range candidates {
		if cand.UserID == "" || cand.UserID == userID {
			continue
		}
		_, err := tx.FindOpenRoom(ctx, cand.UserID)
		if err == nil {
			if err := tx.DeleteTicket(ctx, cand.ID); err != nil {
				return nil, fmt.Errorf("delete stale ticket: %w", err)
			}
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find open room: %w", err)
		}

		self, opp, ok := ResolveSides(pref, cand.Side, s.flip)
		if !ok {
			continue
		}

		selfName, err := tx.DisplayName(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("display name: %w", err)
		}
		oppName, err := tx.DisplayName(ctx, cand.UserID)
		if err != nil {
			return nil, fmt.Errorf("display name: %w", err)
		}
		if selfName == "" || oppName == "" {
			if err := tx.DeleteTicket(ctx, cand.ID); err != nil {
				return nil, fmt.Errorf("delete ticket: %w", err)
			}
			continue
		}

		matchID, err := s.createMatch(ctx, tx, userID, cand.UserID, selfName, oppName, tc, self, opp)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteTicket(ctx, cand.ID); err != nil {
			return nil, fmt.Errorf("delete ticket: %w", err)
		}
		obslog.L().Info("matchmake_paired",
			zap.String("match_id", matchID),
			zap.String("user_id", userID),
			zap.String("opponent_id", cand.UserID),
			zap.String("mode", mode),
			zap.String("time_control", tc))
		return matched(matchID, domain.StatusWaiting), nil
	}
	return nil, nil
}

func (s *Service) createMatch(ctx context.Context, tx store.Tx, selfID, oppID, selfName, oppName, tc string, self, opp domain.Side) (string, error) {
	now := s.machine.Now()
	matchID := domain.NewID()

	rows := []domain.Summary{
		{MatchID: matchID, UserID: selfID, Opponent: oppName, Side: string(domain.PreferenceFor(self))},
		{MatchID: matchID, UserID: oppID, Opponent: selfName, Side: string(domain.PreferenceFor(opp))},
	}
	for _, row := range rows {
		row.Mode = domain.SummaryMode
		row.Status = string(domain.StatusWaiting)
		row.LastMove = domain.NoMoveLabel
		row.TimeControl = tc
		row.CreatedAt = now
		if err := tx.InsertSummary(ctx, row); err != nil {
			return "", fmt.Errorf("insert summary: %w", err)
		}
	}

	whiteID, blackID := selfID, oppID
	if self == domain.SideBlack {
		whiteID, blackID = oppID, selfID
	}
	room := &domain.Room{
		MatchID:    matchID,
		WhiteID:    whiteID,
		BlackID:    blackID,
		Status:     domain.StatusWaiting,
		RawStatus:  string(domain.StatusWaiting),
		SideToMove: domain.SideWhite,
		LastMove:   domain.NoMoveLabel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertRoom(ctx, room); err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}
	return matchID, nil
}

// ResolveSides assigns concrete sides. Two identical fixed preferences are
// incompatible; a random preference takes the side left over; two random
// preferences are settled by flip (true gives the joining player white).
func ResolveSides(self, opp domain.SidePreference, flip func() bool) (domain.Side, domain.Side, bool) {
	selfSide, selfFixed := self.Side()
	oppSide, oppFixed := opp.Side()
	switch {
	case selfFixed && oppFixed:
		if selfSide == oppSide {
			return "", "", false
		}
		return selfSide, oppSide, true
	case selfFixed:
		return selfSide, selfSide.Opponent(), true
	case oppFixed:
		return oppSide.Opponent(), oppSide, true
	default:
		if flip() {
			return domain.SideWhite, domain.SideBlack, true
		}
		return domain.SideBlack, domain.SideWhite, true
	}
}

// Leave drops the caller's ticket; it is a no-op without one.
func (s *Service) Leave(ctx context.Context, userID string) (*Result, error) {
	if err := s.available(false); err != nil {
		return nil, err
	}
	if err := s.store.DeleteUserTickets(ctx, userID); err != nil {
		return nil, domain.Internal(fmt.Errorf("delete tickets: %w", err))
	}
	obslog.L().Debug("matchmake_leave", zap.String("user_id", userID))
	return &Result{Status: StatusIdle}, nil
}

// Status reports matched, queued or idle.
func (s *Service) Status(ctx context.Context, userID string) (*Result, error) {
	if err := s.available(false); err != nil {
		return nil, err
	}
	if res, err := s.openMatch(ctx, userID); err != nil || res != nil {
		return res, err
	}
	t, err := s.store.GetTicket(ctx, userID)
	switch {
	case err == nil:
		return &Result{
			Status: StatusQueued, Mode: t.Mode, TimeControl: t.TimeControl,
			Side: t.Side, QueuedAt: &t.CreatedAt,
		}, nil
	case errors.Is(err, store.ErrNotFound):
		return &Result{Status: StatusIdle}, nil
	default:
		return nil, domain.Internal(fmt.Errorf("get ticket: %w", err))
	}
}

// openMatch returns the user's open room after reconciliation. Rooms that
// reconcile into a terminal state no longer hold the user.
func (s *Service) openMatch(ctx context.Context, userID string) (*Result, error) {
	for attempt := 0; attempt < 3; attempt++ {
		open, err := s.store.FindOpenRoom(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.Internal(fmt.Errorf("find open room: %w", err))
		}
		room, err := s.machine.Load(ctx, open.MatchID)
		if err != nil {
			if errors.Is(err, domain.ErrMatchNotFound) {
				continue
			}
			return nil, err
		}
		if !room.Status.Terminal() {
			return matched(room.MatchID, room.Status), nil
		}
	}
	return nil, nil
}

func matched(matchID string, status domain.Status) *Result {
	return &Result{Status: StatusMatched, MatchID: matchID, MatchStatus: status}
}
