package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
)

// PostgresRepository upserts records into match_archive.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository { return &PostgresRepository{db: db} }

func (r *PostgresRepository) Save(ctx context.Context, rec *Record) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	moves := rec.MovesUCI
	if moves == nil {
		moves = []string{}
	}
	movesRaw, err := json.Marshal(moves)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO match_archive (
        match_id, white_id, black_id, result, method,
        ply_count, moves_uci, pgn, final_fen, finished_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
      ON CONFLICT (match_id) DO UPDATE SET
        result=EXCLUDED.result,
        method=EXCLUDED.method,
        ply_count=EXCLUDED.ply_count,
        moves_uci=EXCLUDED.moves_uci,
        pgn=EXCLUDED.pgn,
        final_fen=EXCLUDED.final_fen,
        finished_at=EXCLUDED.finished_at,
        archived_at=now()`,
		rec.MatchID, rec.WhiteID, rec.BlackID, rec.Result, rec.Method,
		len(rec.MovesUCI), string(movesRaw), rec.PGN, rec.FinalFEN, rec.FinishedAt,
	)
	return err
}

// MemoryRepository keeps records in process.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Record)}
}

func (r *MemoryRepository) Save(_ context.Context, rec *Record) error {
	r.mu.Lock()
	r.rows[rec.MatchID] = *rec
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(matchID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[matchID]
	return rec, ok
}
