package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q    queryer
	caps store.Capabilities
}

type rowScanner interface {
	Scan(dest ...any) error
}

// roomSelect lists every room column, substituting NULL for the ones the
// schema lacks so scanning stays uniform.
func (r reader) roomSelect() string {
	opt := func(col string, ok bool) string {
		if ok {
			return col
		}
		return "NULL::timestamptz AS " + col
	}
	c := r.caps
	cols := []string{
		"match_id::text", "white_id", "black_id", "status", "side_to_move", "last_move", "move_count",
		"created_at", "updated_at",
		opt("ready_at", c.Timing), opt("start_at", c.Timing),
		opt("finished_at", c.RoomFinishedAt), opt("aborted_at", c.Presence),
		opt("white_ready_at", c.Presence), opt("black_ready_at", c.Presence),
		opt("white_seen_at", c.Presence), opt("black_seen_at", c.Presence),
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM match_rooms"
}

func scanRoom(row rowScanner) (*domain.Room, error) {
	var room domain.Room
	var sideToMove string
	var readyAt, startAt, finishedAt, abortedAt sql.NullTime
	var whiteReady, blackReady, whiteSeen, blackSeen sql.NullTime
	err := row.Scan(&room.MatchID, &room.WhiteID, &room.BlackID, &room.RawStatus, &sideToMove,
		&room.LastMove, &room.MoveCount, &room.CreatedAt, &room.UpdatedAt,
		&readyAt, &startAt, &finishedAt, &abortedAt,
		&whiteReady, &blackReady, &whiteSeen, &blackSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	room.Status = domain.NormalizeStatus(room.RawStatus)
	room.SideToMove = domain.SideWhite
	if strings.EqualFold(sideToMove, string(domain.SideBlack)) {
		room.SideToMove = domain.SideBlack
	}
	room.ReadyAt = timePtr(readyAt)
	room.StartAt = timePtr(startAt)
	room.FinishedAt = timePtr(finishedAt)
	room.AbortedAt = timePtr(abortedAt)
	room.WhiteReadyAt = timePtr(whiteReady)
	room.BlackReadyAt = timePtr(blackReady)
	room.WhiteSeenAt = timePtr(whiteSeen)
	room.BlackSeenAt = timePtr(blackSeen)
	return &room, nil
}

func (r reader) GetRoom(ctx context.Context, matchID string) (*domain.Room, error) {
	if !r.caps.Matches {
		return nil, store.ErrNotFound
	}
	return scanRoom(r.q.QueryRowContext(ctx, r.roomSelect()+` WHERE match_id = $1 LIMIT 1`, matchID))
}

func (r reader) FindOpenRoom(ctx context.Context, userID string) (*domain.Room, error) {
	if !r.caps.Matches {
		return nil, store.ErrNotFound
	}
	return scanRoom(r.q.QueryRowContext(ctx, r.roomSelect()+`
		WHERE (white_id = $1 OR black_id = $1)
		  AND status = ANY($2)
		ORDER BY updated_at DESC
		LIMIT 1`, userID, pq.Array(domain.OpenRawStatuses)))
}

func (r reader) ListMoves(ctx context.Context, matchID string) ([]domain.MoveRecord, error) {
	if !r.caps.Matches {
		return nil, nil
	}
	promo := "NULL::text"
	if r.caps.Promotion {
		promo = "promotion"
	}
	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT ply, side, from_square, to_square, %s, notation, created_at
		FROM match_moves
		WHERE match_id = $1
		ORDER BY ply ASC`, promo), matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MoveRecord
	for rows.Next() {
		rec := domain.MoveRecord{MatchID: matchID}
		var side string
		var promotion sql.NullString
		if err := rows.Scan(&rec.Ply, &side, &rec.From, &rec.To, &promotion, &rec.Notation, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Side = domain.Side(strings.ToLower(side))
		rec.Promotion = promotion.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r reader) ListMessages(ctx context.Context, matchID string, limit int) ([]domain.ChatMessage, error) {
	if !r.caps.Chat {
		return nil, nil
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT mm.id, mm.user_id, mm.message, mm.created_at,
		       COALESCE(NULLIF(TRIM(p.name), ''), u.display_name, '')
		FROM (
		  SELECT id, user_id, message, created_at
		  FROM match_messages
		  WHERE match_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2
		) mm
		LEFT JOIN users u ON u.id = mm.user_id
		LEFT JOIN profiles p ON p.user_id = mm.user_id
		ORDER BY mm.created_at ASC, mm.id ASC`, matchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		m := domain.ChatMessage{MatchID: matchID}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Message, &m.CreatedAt, &m.UserName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r reader) GetSummary(ctx context.Context, matchID, userID string) (*domain.Summary, error) {
	if !r.caps.Summaries {
		return nil, store.ErrNotFound
	}
	var s domain.Summary
	err := r.q.QueryRowContext(ctx, `
		SELECT id::text, user_id, mode, opponent, status, last_move, time_control, side, created_at
		FROM matches
		WHERE id = $1 AND user_id = $2
		LIMIT 1`, matchID, userID).
		Scan(&s.MatchID, &s.UserID, &s.Mode, &s.Opponent, &s.Status, &s.LastMove, &s.TimeControl, &s.Side, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r reader) GetTicket(ctx context.Context, userID string) (*domain.Ticket, error) {
	if !r.caps.Queue {
		return nil, store.ErrNotFound
	}
	var t domain.Ticket
	var side string
	err := r.q.QueryRowContext(ctx, `
		SELECT id::text, user_id, mode, time_control, side_preference, created_at
		FROM match_queue
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID).
		Scan(&t.ID, &t.UserID, &t.Mode, &t.TimeControl, &side, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Side = domain.ParseSidePreference(side)
	return &t, nil
}

func (r reader) DisplayName(ctx context.Context, userID string) (string, error) {
	var name, display sql.NullString
	err := r.q.QueryRowContext(ctx, `
		SELECT u.display_name, p.name
		FROM users u
		LEFT JOIN profiles p ON p.user_id = u.id
		WHERE u.id = $1
		LIMIT 1`, userID).Scan(&display, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if n := strings.TrimSpace(name.String); n != "" {
		return n, nil
	}
	return strings.TrimSpace(display.String), nil
}
