package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/lifecycle"
	"github.com/park285/warchess-server/internal/store"
	"github.com/park285/warchess-server/internal/store/memstore"
)

func seed(t *testing.T, st *memstore.Store, status domain.Status, label string, moves [][2]string) string {
	t.Helper()
	st.AddUser("white-user", "Alice \"Ace\"")
	st.AddUser("black-user", "Bob")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := domain.NewID()
	room := &domain.Room{
		MatchID: id, WhiteID: "white-user", BlackID: "black-user",
		Status: status, SideToMove: domain.SideWhite, LastMove: label,
		MoveCount: len(moves), CreatedAt: now, UpdatedAt: now,
	}
	if status == domain.StatusFinished {
		room.FinishedAt = &now
	}
	st.PutRoom(room)
	recs := make([]domain.MoveRecord, len(moves))
	side := domain.SideWhite
	for i, mv := range moves {
		recs[i] = domain.MoveRecord{MatchID: id, Ply: i + 1, Side: side, From: mv[0], To: mv[1], CreatedAt: now}
		side = side.Opponent()
	}
	st.PutMoves(id, recs)
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertSummary(context.Background(), domain.Summary{
			MatchID: id, UserID: "white-user", Mode: domain.SummaryMode, Opponent: "Bob",
			Status: string(status), LastMove: label, TimeControl: "5+3", Side: "Blancs", CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	return id
}

var foolsMate = [][2]string{{"f2", "f3"}, {"e7", "e5"}, {"g2", "g4"}, {"d8", "h4"}}

func TestBuildCheckmate(t *testing.T) {
	st := memstore.New()
	id := seed(t, st, domain.StatusFinished, "Qh4# (Echec et mat)", foolsMate)

	rec, err := New(st, nil).Build(context.Background(), id, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rec.Result != "black" || rec.Method != "checkmate" {
		t.Fatalf("outcome: %s/%s", rec.Result, rec.Method)
	}
	if strings.Join(rec.MovesSAN, " ") != "f3 e5 g4 Qh4#" {
		t.Fatalf("san: %v", rec.MovesSAN)
	}
	for _, want := range []string{
		"[White \"Alice 'Ace'\"]",
		"[TimeControl \"5+3\"]",
		"[Result \"0-1\"]",
		"1. f3 e5 2. g4 Qh4# 0-1",
	} {
		if !strings.Contains(rec.PGN, want) {
			t.Fatalf("pgn missing %q:\n%s", want, rec.PGN)
		}
	}
	if !strings.HasPrefix(rec.FinalFEN, "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w") {
		t.Fatalf("fen: %s", rec.FinalFEN)
	}
}

func TestBuildSkipsOpenMatches(t *testing.T) {
	st := memstore.New()
	id := seed(t, st, domain.StatusStarted, "e4", [][2]string{{"e2", "e4"}})
	if _, err := New(st, nil).Build(context.Background(), id, ""); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}
}

func TestOutcomeFromLabel(t *testing.T) {
	cases := []struct {
		label   string
		endedBy domain.Side
		result  string
		method  string
	}{
		{"Match nul", domain.SideWhite, "draw", "draw"},
		{"Temps ecoule", domain.SideBlack, "", "timeout"},
		{"Abandon", "", "", "resign"},
		{"Abandon", domain.SideWhite, "black", "resign"},
		{"Abandon", domain.SideBlack, "white", "resign"},
	}
	for _, tc := range cases {
		st := memstore.New()
		id := seed(t, st, domain.StatusFinished, tc.label, [][2]string{{"e2", "e4"}})
		rec, err := New(st, nil).Build(context.Background(), id, tc.endedBy)
		if err != nil {
			t.Fatalf("%s: %v", tc.label, err)
		}
		if rec.Result != tc.result || rec.Method != tc.method {
			t.Fatalf("%s by %q: got %s/%s", tc.label, tc.endedBy, rec.Result, rec.Method)
		}
	}
	if mapResultToPGN("") != "*" || mapResultToPGN("draw") != "1/2-1/2" {
		t.Fatalf("pgn result mapping")
	}
}

func TestFinishArchivesThroughMachine(t *testing.T) {
	st := memstore.New()
	id := seed(t, st, domain.StatusStarted, "e4", [][2]string{{"e2", "e4"}})
	repo := NewMemoryRepository()
	m := lifecycle.New(st, lifecycle.DefaultConfig(), lifecycle.WithArchiver(New(st, repo)))

	if _, err := m.Finish(context.Background(), id, "black-user", "draw"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, ok := repo.Get(id)
	if !ok {
		t.Fatalf("match was not archived")
	}
	if rec.Method != "draw" || !strings.HasSuffix(rec.PGN, "1. e4 1/2-1/2") {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestResignArchivesWinner(t *testing.T) {
	st := memstore.New()
	id := seed(t, st, domain.StatusStarted, "e4", [][2]string{{"e2", "e4"}})
	repo := NewMemoryRepository()
	m := lifecycle.New(st, lifecycle.DefaultConfig(), lifecycle.WithArchiver(New(st, repo)))

	if _, err := m.Finish(context.Background(), id, "black-user", "resign"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, ok := repo.Get(id)
	if !ok {
		t.Fatalf("match was not archived")
	}
	if rec.Result != "white" || rec.Method != "resign" || !strings.HasSuffix(rec.PGN, "1. e4 1-0") {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestArchiveMissingMatchIsQuiet(t *testing.T) {
	repo := NewMemoryRepository()
	New(memstore.New(), repo).Archive(context.Background(), domain.NewID(), "")
	var nilArchiver *Archiver
	nilArchiver.Archive(context.Background(), "x", "")
	if len(repo.rows) != 0 {
		t.Fatalf("nothing should be stored")
	}
}
