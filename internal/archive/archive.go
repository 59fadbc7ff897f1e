// Package archive stores finished matches as PGN.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/store"
)

var ErrNotFinished = errors.New("archive: match is not finished")

// Record is one archived match.
type Record struct {
	MatchID     string
	WhiteID     string
	WhiteName   string
	BlackID     string
	BlackName   string
	TimeControl string
	Result      string // white, black, draw or "" when unknown
	Method      string
	MovesUCI    []string
	MovesSAN    []string
	PGN         string
	FinalFEN    string
	StartedAt   time.Time
	FinishedAt  time.Time
}

type Repository interface {
	Save(ctx context.Context, rec *Record) error
}

// Archiver builds records from the match store after a finish.
type Archiver struct {
	store   store.Reader
	repo    Repository
	timeout time.Duration
}

func New(st store.Reader, repo Repository) *Archiver {
	return &Archiver{store: st, repo: repo, timeout: 5 * time.Second}
}

// Archive saves matchID. It is best effort; failures are only logged.
func (a *Archiver) Archive(ctx context.Context, matchID string, endedBy domain.Side) {
	if a == nil || a.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	rec, err := a.Build(ctx, matchID, endedBy)
	if err == nil {
		err = a.repo.Save(ctx, rec)
	}
	if err != nil {
		obslog.L().Warn("match_archive_failed", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	obslog.L().Info("match_archived",
		zap.String("match_id", matchID),
		zap.String("result", rec.Result),
		zap.String("method", rec.Method),
		zap.Int("plies", len(rec.MovesUCI)))
}

// Build replays the stored move log and assembles the record. endedBy is
// the side that resigned or claimed the result, if any.
func (a *Archiver) Build(ctx context.Context, matchID string, endedBy domain.Side) (*Record, error) {
	room, err := a.store.GetRoom(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	if room.Status != domain.StatusFinished {
		return nil, ErrNotFinished
	}
	recs, err := a.store.ListMoves(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load moves: %w", err)
	}

	game := nchess.NewGame()
	rec := &Record{
		MatchID:   room.MatchID,
		WhiteID:   room.WhiteID,
		BlackID:   room.BlackID,
		StartedAt: room.CreatedAt,
	}
	if room.StartAt != nil {
		rec.StartedAt = *room.StartAt
	}
	rec.FinishedAt = room.UpdatedAt
	if room.FinishedAt != nil {
		rec.FinishedAt = *room.FinishedAt
	}
	for _, r := range recs {
		uci := strings.ToLower(r.From + r.To + r.Promotion)
		pos := game.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", r.Ply, uci, err)
		}
		san := nchess.AlgebraicNotation{}.Encode(pos, mv)
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", r.Ply, uci, err)
		}
		rec.MovesUCI = append(rec.MovesUCI, uci)
		rec.MovesSAN = append(rec.MovesSAN, san)
	}
	rec.FinalFEN = game.FEN()
	rec.Result, rec.Method = outcome(game, room.LastMove, endedBy)

	rec.WhiteName = a.name(ctx, room.WhiteID)
	rec.BlackName = a.name(ctx, room.BlackID)
	if s, err := a.store.GetSummary(ctx, matchID, room.WhiteID); err == nil && s != nil {
		rec.TimeControl = s.TimeControl
	}
	rec.PGN = buildPGN(rec)
	return rec, nil
}

func (a *Archiver) name(ctx context.Context, userID string) string {
	if n, err := a.store.DisplayName(ctx, userID); err == nil && strings.TrimSpace(n) != "" {
		return n
	}
	return userID
}

// outcome prefers the board verdict and falls back to the finish label.
// A resignation is lost by the side that resigned.
func outcome(game *nchess.Game, label string, endedBy domain.Side) (result, method string) {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return "white", "checkmate"
	case nchess.BlackWon:
		return "black", "checkmate"
	case nchess.Draw:
		if game.Method() == nchess.Stalemate {
			return "draw", "stalemate"
		}
		return "draw", "draw"
	}
	switch {
	case strings.HasPrefix(label, "Match nul"):
		return "draw", "draw"
	case strings.HasPrefix(label, "Temps ecoule"):
		return "", "timeout"
	case strings.HasPrefix(label, "Abandon"):
		if endedBy == domain.SideWhite || endedBy == domain.SideBlack {
			return string(endedBy.Opponent()), "resign"
		}
		return "", "resign"
	default:
		return "", "finished"
	}
}

func mapResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(rec *Record) string {
	var b strings.Builder
	date := rec.FinishedAt
	if date.IsZero() {
		date = time.Now()
	}
	pgnResult := mapResultToPGN(rec.Result)
	b.WriteString("[Event \"WarChess\"]\n")
	b.WriteString("[Site \"warchess\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(rec.WhiteName))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(rec.BlackName))
	if strings.TrimSpace(rec.TimeControl) != "" {
		fmt.Fprintf(&b, "[TimeControl \"%s\"]\n", sanitizePGN(rec.TimeControl))
	}
	if strings.TrimSpace(rec.Method) != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(rec.Method))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", pgnResult)

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, rec.MovesSAN[i])
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(rec.MovesSAN[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
