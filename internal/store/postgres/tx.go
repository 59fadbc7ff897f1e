package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

type tx struct {
	reader
}

var _ store.Tx = (*tx)(nil)

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (t *tx) LockRoom(ctx context.Context, matchID string) (*domain.Room, error) {
	if !t.caps.Matches {
		return nil, store.ErrNotFound
	}
	return scanRoom(t.q.QueryRowContext(ctx, t.roomSelect()+` WHERE match_id = $1 LIMIT 1 FOR UPDATE`, matchID))
}

func (t *tx) InsertRoom(ctx context.Context, room *domain.Room) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO match_rooms
		  (match_id, white_id, black_id, status, side_to_move, last_move, move_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		room.MatchID, room.WhiteID, room.BlackID, string(room.Status), string(room.SideToMove),
		room.LastMove, room.MoveCount, room.CreatedAt, room.UpdatedAt)
	return mapErr(err)
}

// UpdateRoom writes every mutable column the schema has.
func (t *tx) UpdateRoom(ctx context.Context, room *domain.Room) error {
	sets := []string{"status = $2", "side_to_move = $3", "last_move = $4", "move_count = $5", "updated_at = $6"}
	args := []any{room.MatchID, string(room.Status), string(room.SideToMove), room.LastMove, room.MoveCount, room.UpdatedAt}
	add := func(col string, v *time.Time) {
		args = append(args, nullTime(v))
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if t.caps.Timing {
		add("ready_at", room.ReadyAt)
		add("start_at", room.StartAt)
	}
	if t.caps.RoomFinishedAt {
		add("finished_at", room.FinishedAt)
	}
	if t.caps.Presence {
		add("aborted_at", room.AbortedAt)
		add("white_ready_at", room.WhiteReadyAt)
		add("black_ready_at", room.BlackReadyAt)
		add("white_seen_at", room.WhiteSeenAt)
		add("black_seen_at", room.BlackSeenAt)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE match_rooms SET `+strings.Join(sets, ", ")+` WHERE match_id = $1`, args...)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) AppendMove(ctx context.Context, rec domain.MoveRecord) error {
	var err error
	if t.caps.Promotion {
		var promo sql.NullString
		if rec.Promotion != "" {
			promo = sql.NullString{String: rec.Promotion, Valid: true}
		}
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO match_moves (match_id, ply, side, from_square, to_square, promotion, notation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.MatchID, rec.Ply, string(rec.Side), rec.From, rec.To, promo, rec.Notation, rec.CreatedAt)
	} else {
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO match_moves (match_id, ply, side, from_square, to_square, notation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.MatchID, rec.Ply, string(rec.Side), rec.From, rec.To, rec.Notation, rec.CreatedAt)
	}
	return mapErr(err)
}

func (t *tx) InsertMessage(ctx context.Context, msg *domain.ChatMessage) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO match_messages (match_id, user_id, message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, msg.MatchID, msg.UserID, msg.Message, msg.CreatedAt).Scan(&msg.ID)
	return mapErr(err)
}

func (t *tx) InsertSummary(ctx context.Context, s domain.Summary) error {
	if !t.caps.Summaries {
		return nil
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO matches (id, user_id, mode, opponent, status, created_at, last_move, time_control, side, difficulty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		s.MatchID, s.UserID, s.Mode, s.Opponent, s.Status, s.CreatedAt, s.LastMove, s.TimeControl, s.Side)
	return mapErr(err)
}

func (t *tx) SyncSummaries(ctx context.Context, matchID string, status domain.Status, lastMove string, at time.Time) error {
	if !t.caps.Summaries {
		return nil
	}
	sets := []string{"status = $2"}
	args := []any{matchID, string(status)}
	if status == domain.StatusStarted && t.caps.SummaryStartedAt {
		args = append(args, at)
		sets = append(sets, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", len(args)))
	}
	if status.Terminal() && t.caps.SummaryFinishedAt {
		args = append(args, at)
		sets = append(sets, fmt.Sprintf("finished_at = COALESCE(finished_at, $%d)", len(args)))
	}
	if lastMove != "" {
		args = append(args, lastMove)
		sets = append(sets, fmt.Sprintf("last_move = $%d", len(args)))
	}
	_, err := t.q.ExecContext(ctx, `UPDATE matches SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	return mapErr(err)
}

// bucketKey folds a queue bucket into an advisory lock key.
func bucketKey(mode, timeControl string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("match_queue|" + strings.ToLower(mode) + "|" + timeControl))
	return int64(h.Sum64())
}

func (t *tx) LockQueueBucket(ctx context.Context, mode, timeControl string) error {
	_, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bucketKey(mode, timeControl))
	return mapErr(err)
}

func (t *tx) DeleteUserTickets(ctx context.Context, userID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM match_queue WHERE user_id = $1`, userID)
	return mapErr(err)
}

func (t *tx) ClaimCandidates(ctx context.Context, userID, mode, timeControl string, limit int) ([]domain.Ticket, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id::text, user_id, mode, time_control, side_preference, created_at
		FROM match_queue
		WHERE user_id <> $1
		  AND mode = $2
		  AND time_control = $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`, userID, mode, timeControl, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		var tk domain.Ticket
		var side string
		if err := rows.Scan(&tk.ID, &tk.UserID, &tk.Mode, &tk.TimeControl, &side, &tk.CreatedAt); err != nil {
			return nil, err
		}
		tk.Side = domain.ParseSidePreference(side)
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (t *tx) DeleteTicket(ctx context.Context, ticketID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM match_queue WHERE id = $1`, ticketID)
	return mapErr(err)
}

func (t *tx) InsertTicket(ctx context.Context, tk *domain.Ticket) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO match_queue (id, user_id, mode, time_control, side_preference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tk.ID, tk.UserID, tk.Mode, tk.TimeControl, string(tk.Side), tk.CreatedAt)
	return mapErr(err)
}
