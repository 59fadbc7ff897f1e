package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/rules"
	"github.com/park285/warchess-server/internal/store"
	"github.com/park285/warchess-server/pkg/matchdto"
)

// Steps converts persisted records into replay input.
func Steps(recs []domain.MoveRecord) []rules.Step {
	steps := make([]rules.Step, len(recs))
	for i, r := range recs {
		steps[i] = rules.Step{From: r.From, To: r.To, Promotion: r.Promotion}
	}
	return steps
}

// View returns the snapshot of the match for a participant.
func (m *Machine) View(ctx context.Context, rawMatchID, userID string) (*matchdto.Snapshot, error) {
	room, err := m.Authorize(ctx, rawMatchID, userID)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(ctx, room, userID)
}

// Snapshot builds the client view of room as seen by userID.
func (m *Machine) Snapshot(ctx context.Context, room *domain.Room, userID string) (*matchdto.Snapshot, error) {
	recs, err := m.store.ListMoves(ctx, room.MatchID)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("list moves: %w", err))
	}
	var msgs []domain.ChatMessage
	if m.caps.Chat {
		msgs, err = m.store.ListMessages(ctx, room.MatchID, m.cfg.ChatLimit)
		if err != nil {
			return nil, domain.Internal(fmt.Errorf("list messages: %w", err))
		}
	}

	snap := &matchdto.Snapshot{
		MatchID:      room.MatchID,
		WhiteID:      room.WhiteID,
		BlackID:      room.BlackID,
		Status:       string(room.Status),
		SideToMove:   string(room.SideToMove),
		LastMove:     room.LastMove,
		MoveCount:    room.MoveCount,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
		ReadyAt:      room.ReadyAt,
		StartAt:      room.StartAt,
		FinishedAt:   room.FinishedAt,
		AbortedAt:    room.AbortedAt,
		WhiteReadyAt: room.WhiteReadyAt,
		BlackReadyAt: room.BlackReadyAt,
		ServerTime:   m.now(),
		YourSide:     string(room.SideOf(userID)),
		Moves:        make([]matchdto.Move, 0, len(recs)),
		Messages:     make([]matchdto.Message, 0, len(msgs)),
	}
	if snap.SideToMove == "" {
		snap.SideToMove = string(domain.SideWhite)
	}
	if snap.LastMove == "" {
		snap.LastMove = domain.NoMoveLabel
	}

	if m.caps.Summaries {
		sum, err := m.store.GetSummary(ctx, room.MatchID, userID)
		switch {
		case err == nil:
			snap.Mode, snap.Opponent = sum.Mode, sum.Opponent
			snap.TimeControl, snap.Side = sum.TimeControl, sum.Side
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, domain.Internal(fmt.Errorf("get summary: %w", err))
		}
	}

	for _, r := range recs {
		snap.Moves = append(snap.Moves, matchdto.Move{
			Ply:       r.Ply,
			Side:      string(r.Side),
			From:      r.From,
			To:        r.To,
			Promotion: r.Promotion,
			Notation:  r.Notation,
			CreatedAt: r.CreatedAt,
		})
	}
	for _, msg := range msgs {
		snap.Messages = append(snap.Messages, matchdto.Message{
			ID:        msg.ID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			Message:   msg.Message,
			CreatedAt: msg.CreatedAt,
		})
	}
	// A log that does not replay leaves fen empty; moves report the corruption.
	if pos, ok := rules.Replay(Steps(recs)); ok {
		snap.FEN = rules.FEN(pos)
	}
	return snap, nil
}
