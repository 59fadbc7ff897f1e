package matchdto

import "time"

func equalSnapshots(a, b *Snapshot) bool {
	if a.MatchID != b.MatchID || a.WhiteID != b.WhiteID || a.BlackID != b.BlackID ||
		a.Status != b.Status || a.SideToMove != b.SideToMove || a.LastMove != b.LastMove ||
		a.MoveCount != b.MoveCount || a.YourSide != b.YourSide || a.Mode != b.Mode ||
		a.Opponent != b.Opponent || a.TimeControl != b.TimeControl || a.Side != b.Side ||
		a.FEN != b.FEN {
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	for _, p := range [][2]*time.Time{
		{a.ReadyAt, b.ReadyAt}, {a.StartAt, b.StartAt}, {a.FinishedAt, b.FinishedAt},
		{a.AbortedAt, b.AbortedAt}, {a.WhiteReadyAt, b.WhiteReadyAt}, {a.BlackReadyAt, b.BlackReadyAt},
	} {
		if !equalTime(p[0], p[1]) {
			return false
		}
	}
	if len(a.Moves) != len(b.Moves) || len(a.Messages) != len(b.Messages) {
		return false
	}
	for i := range a.Moves {
		x, y := a.Moves[i], b.Moves[i]
		if x.Ply != y.Ply || x.Side != y.Side || x.From != y.From || x.To != y.To ||
			x.Promotion != y.Promotion || x.Notation != y.Notation || !x.CreatedAt.Equal(y.CreatedAt) {
			return false
		}
	}
	for i := range a.Messages {
		x, y := a.Messages[i], b.Messages[i]
		if x.ID != y.ID || x.UserID != y.UserID || x.UserName != y.UserName ||
			x.Message != y.Message || !x.CreatedAt.Equal(y.CreatedAt) {
			return false
		}
	}
	return true
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
