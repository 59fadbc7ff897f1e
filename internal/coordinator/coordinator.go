// Package coordinator serializes move submissions per match and turns a
// client request into exactly one validated move record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/rules"
	"github.com/park285/warchess-server/internal/store"
	"github.com/park285/warchess-server/pkg/matchdto"
)

// MoveRequest is a move as submitted by a client.
type MoveRequest struct {
	MatchID   string
	UserID    string
	From      string
	To        string
	Promotion string
}

type Coordinator struct {
	machine *lifecycle.Machine
	store   store.Store
}

func New(m *lifecycle.Machine) *Coordinator {
	return &Coordinator{machine: m, store: m.Store()}
}

type parsedMove struct {
	matchID   string
	from, to  rules.Square
	promotion rules.Kind
}

// parse validates the request shape before any lookup.
func parse(req MoveRequest) (parsedMove, error) {
	matchID, err := domain.ParseMatchID(req.MatchID)
	if err != nil {
		return parsedMove{}, err
	}
	from, err := rules.ParseSquare(req.From)
	if err != nil {
		return parsedMove{}, domain.ErrBadSquare
	}
	to, err := rules.ParseSquare(req.To)
	if err != nil || to == from {
		return parsedMove{}, domain.ErrBadSquare
	}
	promo, err := rules.ParsePromotion(req.Promotion)
	if err != nil {
		return parsedMove{}, domain.ErrBadPromotion
	}
	return parsedMove{matchID: matchID, from: from, to: to, promotion: promo}, nil
}

type outcome struct {
	room     *domain.Room
	record   domain.MoveRecord
	result   rules.Outcome
	finished bool
}

// SubmitMove validates and records one move. On success exactly one move
// record was written; on failure none was. The write runs to completion
// even if the caller goes away.
func (c *Coordinator) SubmitMove(ctx context.Context, req MoveRequest) (*matchdto.Snapshot, error) {
	if !c.machine.Capabilities().Matches {
		return nil, domain.ErrMultiplayerOff
	}
	mv, err := parse(req)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	var out outcome
	err = c.store.InTx(ctx, func(tx store.Tx) error {
		res, err := c.applyLocked(ctx, tx, mv, req.UserID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			obslog.L().Error("match_move_failed",
				zap.String("match_id", mv.matchID),
				zap.String("user_id", req.UserID),
				zap.Error(err))
			return nil, domain.Internal(err)
		}
		return nil, err
	}

	obslog.L().Info("match_move",
		zap.String("match_id", mv.matchID),
		zap.String("user_id", req.UserID),
		zap.Int("ply", out.record.Ply),
		zap.String("notation", out.record.Notation),
		zap.Duration("elapsed", time.Since(start)))

	c.machine.Notifier().Notify(ctx, mv.matchID, "move")
	if out.finished {
		obslog.L().Info("match_finish",
			zap.String("match_id", mv.matchID),
			zap.String("result", out.result.String()))
		c.machine.AfterFinish(ctx, mv.matchID, "")
	}
	return c.machine.Snapshot(ctx, out.room, req.UserID)
}

func (c *Coordinator) applyLocked(ctx context.Context, tx store.Tx, mv parsedMove, userID string) (outcome, error) {
	room, err := tx.LockRoom(ctx, mv.matchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outcome{}, domain.ErrMatchNotFound
		}
		return outcome{}, fmt.Errorf("lock room: %w", err)
	}
	room, err = c.machine.ReconcileTx(ctx, tx, room)
	if err != nil {
		return outcome{}, err
	}
	switch {
	case room.Status.Terminal():
		return outcome{}, domain.ErrMatchTerminal
	case room.Status != domain.StatusStarted:
		return outcome{}, domain.ErrMatchInactive
	}
	if !room.IsPlayer(userID) {
		return outcome{}, domain.ErrNotParticipant
	}

	recs, err := tx.ListMoves(ctx, mv.matchID)
	if err != nil {
		return outcome{}, fmt.Errorf("list moves: %w", err)
	}
	pos, ok := rules.Replay(lifecycle.Steps(recs))
	if !ok {
		obslog.L().Error("match_history_invalid",
			zap.String("match_id", mv.matchID),
			zap.Int("moves", len(recs)))
		return outcome{}, domain.ErrCorruptHistory
	}

	expected := sideOf(pos.Turn)
	if room.SideToMove != expected {
		obslog.L().Warn("match_side_to_move_mismatch",
			zap.String("match_id", mv.matchID),
			zap.String("stored", string(room.SideToMove)),
			zap.String("replayed", string(expected)))
		room.SideToMove = expected
	}
	if room.SideOf(userID) != expected {
		return outcome{}, domain.ErrNotYourTurn
	}

	legal, ok := rules.FindLegalMove(pos, mv.from, mv.to, mv.promotion)
	if !ok {
		return outcome{}, domain.ErrIllegalMove
	}
	san := rules.SAN(pos, legal)
	next := rules.Apply(pos, legal)
	now := c.machine.Now()

	rec := domain.MoveRecord{
		MatchID:   mv.matchID,
		Ply:       len(recs) + 1,
		Side:      expected,
		From:      legal.From.String(),
		To:        legal.To.String(),
		Promotion: legal.Promotion.Letter(),
		Notation:  san,
		CreatedAt: now,
	}
	if err := tx.AppendMove(ctx, rec); err != nil {
		return outcome{}, fmt.Errorf("append move: %w", err)
	}

	room.SideToMove = sideOf(next.Turn)
	room.LastMove = san
	room.MoveCount = rec.Ply
	room.UpdatedAt = now
	if err := tx.UpdateRoom(ctx, room); err != nil {
		return outcome{}, fmt.Errorf("update room: %w", err)
	}
	if err := tx.SyncSummaries(ctx, mv.matchID, domain.StatusStarted, san, now); err != nil {
		return outcome{}, fmt.Errorf("sync summaries: %w", err)
	}

	res := outcome{room: room, record: rec, result: rules.Evaluate(next)}
	if res.result != rules.Ongoing {
		if err := c.machine.FinishTx(ctx, tx, room, finishLabel(san, res.result)); err != nil {
			return outcome{}, err
		}
		res.finished = true
	}
	return res, nil
}

func sideOf(c rules.Color) domain.Side {
	if c == rules.White {
		return domain.SideWhite
	}
	return domain.SideBlack
}

func finishLabel(san string, o rules.Outcome) string {
	var b strings.Builder
	b.WriteString(san)
	switch o {
	case rules.Checkmate:
		b.WriteString(" (Echec et mat)")
	case rules.Stalemate:
		b.WriteString(" (Pat)")
	}
	return b.String()
}
