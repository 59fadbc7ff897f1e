// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	reader
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects, optionally migrates, and inspects the schema once.
func Open(ctx context.Context, databaseURL string, migrate bool) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, reader: reader{q: db}}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	caps, err := inspectSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.caps = caps
	obslog.L().Info("store_capabilities",
		zap.Bool("matches", caps.Matches),
		zap.Bool("queue", caps.Queue),
		zap.Bool("summaries", caps.Summaries),
		zap.Bool("chat", caps.Chat),
		zap.Bool("promotion", caps.Promotion),
		zap.Bool("timing", caps.Timing),
		zap.Bool("presence", caps.Presence),
	)
	return s, nil
}

// DB exposes the pool for components sharing the connection (archive).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Capabilities() store.Capabilities { return s.caps }

// inspectSchema reads information_schema once and derives the capability set.
func inspectSchema(ctx context.Context, db *sql.DB) (store.Capabilities, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name IN ('match_rooms', 'match_moves', 'match_queue', 'match_messages', 'matches')`)
	if err != nil {
		return store.Capabilities{}, fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	tables := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return store.Capabilities{}, err
		}
		tables[table] = true
		have[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return store.Capabilities{}, err
	}
	return capabilitiesFrom(tables, have), nil
}

func capabilitiesFrom(tables, have map[string]bool) store.Capabilities {
	all := func(cols ...string) bool {
		for _, c := range cols {
			if !have[c] {
				return false
			}
		}
		return true
	}
	timing := all("match_rooms.ready_at", "match_rooms.start_at")
	return store.Capabilities{
		Matches:   tables["match_rooms"] && tables["match_moves"],
		Queue:     tables["match_queue"],
		Summaries: tables["matches"],
		Chat:      tables["match_messages"],
		Promotion: have["match_moves.promotion"],
		Timing:    timing,
		Presence: timing && all("match_rooms.white_seen_at", "match_rooms.black_seen_at",
			"match_rooms.white_ready_at", "match_rooms.black_ready_at", "match_rooms.aborted_at"),
		RoomFinishedAt:    have["match_rooms.finished_at"],
		SummaryStartedAt:  have["matches.started_at"],
		SummaryFinishedAt: have["matches.finished_at"],
	}
}

func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&tx{reader: reader{q: sqlTx, caps: s.caps}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			obslog.L().Warn("store_rollback_error", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

func (s *Store) TouchSeen(ctx context.Context, matchID string, side domain.Side, at time.Time, bumpUpdated bool) error {
	if !s.caps.Presence {
		return nil
	}
	col := "white_seen_at"
	if side == domain.SideBlack {
		col = "black_seen_at"
	}
	q := fmt.Sprintf(`UPDATE match_rooms SET %s = $2 WHERE match_id = $1`, col)
	if bumpUpdated {
		q = fmt.Sprintf(`UPDATE match_rooms SET %s = $2, updated_at = $2 WHERE match_id = $1`, col)
	}
	res, err := s.db.ExecContext(ctx, q, matchID, at)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUserTickets(ctx context.Context, userID string) error {
	if !s.caps.Queue {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM match_queue WHERE user_id = $1`, userID)
	return mapErr(err)
}

func (s *Store) LookupSession(ctx context.Context, token string) (string, error) {
	var uid string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE token = $1 LIMIT 1`, token).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", mapErr(err)
	}
	return uid, nil
}

// mapErr turns unique and exclusion violations into store.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation", "exclusion_violation", "serialization_failure":
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		}
	}
	return err
}
