package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/store"
)

// Result is an explicit way of ending a match.
type Result string

const (
	ResultResign  Result = "resign"
	ResultDraw    Result = "draw"
	ResultTimeout Result = "timeout"
)

func ParseResult(s string) (Result, error) {
	switch r := Result(strings.ToLower(strings.TrimSpace(s))); r {
	case ResultResign, ResultDraw, ResultTimeout:
		return r, nil
	default:
		return "", domain.ErrBadResult
	}
}

// Label is the last-move text written for the result.
func (r Result) Label() string {
	switch r {
	case ResultDraw:
		return "Match nul"
	case ResultTimeout:
		return "Temps ecoule"
	default:
		return "Abandon"
	}
}

// Finish ends the match with result. A room that is already finished or
// aborted is returned unchanged.
func (m *Machine) Finish(ctx context.Context, rawMatchID, userID, rawResult string) (*domain.Room, error) {
	if !m.caps.Matches {
		return nil, domain.ErrMultiplayerOff
	}
	matchID, err := domain.ParseMatchID(rawMatchID)
	if err != nil {
		return nil, err
	}
	result, err := ParseResult(rawResult)
	if err != nil {
		return nil, err
	}

	var (
		out      *domain.Room
		finished bool
		endedBy  domain.Side
	)
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		room, err := tx.LockRoom(ctx, matchID)
		if err != nil {
			return mapNotFound(err)
		}
		if !room.IsPlayer(userID) {
			return domain.ErrNotParticipant
		}
		room, err = m.ReconcileTx(ctx, tx, room)
		if err != nil {
			return err
		}
		if room.Status.Terminal() {
			out = room
			return nil
		}
		if err := m.FinishTx(ctx, tx, room, result.Label()); err != nil {
			return err
		}
		out, finished, endedBy = room, true, room.SideOf(userID)
		return nil
	})
	if err != nil {
		return nil, asDomain(err)
	}
	if finished {
		obslog.L().Info("match_finish",
			zap.String("match_id", matchID),
			zap.String("user_id", userID),
			zap.String("result", string(result)))
		m.AfterFinish(ctx, matchID, endedBy)
	}
	return out, nil
}

// FinishTx marks a locked, non-terminal room finished with the given last
// move label and mirrors it onto the summaries.
func (m *Machine) FinishTx(ctx context.Context, tx store.Tx, room *domain.Room, label string) error {
	now := m.now()
	room.Status = domain.StatusFinished
	room.RawStatus = string(domain.StatusFinished)
	if room.FinishedAt == nil {
		at := now
		room.FinishedAt = &at
	}
	room.LastMove = label
	room.UpdatedAt = now
	if err := tx.UpdateRoom(ctx, room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if err := tx.SyncSummaries(ctx, room.MatchID, domain.StatusFinished, label, now); err != nil {
		return fmt.Errorf("sync summaries: %w", err)
	}
	return nil
}

// AfterFinish publishes the finish and archives the match. It runs after
// commit; endedBy is empty when the board ended the game.
func (m *Machine) AfterFinish(ctx context.Context, matchID string, endedBy domain.Side) {
	m.notifier.Notify(ctx, matchID, "finish")
	if m.archiver != nil {
		m.archiver.Archive(context.WithoutCancel(ctx), matchID, endedBy)
	}
}
