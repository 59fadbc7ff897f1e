package rules

type offset struct{ df, dr int }

var (
	knightOffsets = [8]offset{{1, 2}, {2, 1}, {2, -1}, {1, -2}, {-1, -2}, {-2, -1}, {-2, 1}, {-1, 2}}
	kingOffsets   = [8]offset{{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}}
	rookDirs      = [4]offset{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	bishopDirs    = [4]offset{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
)

// step returns the square reached from sq by o, or NoSquare off the board.
func step(sq Square, o offset) Square {
	f, r := sq.File()+o.df, sq.Rank()+o.dr
	if f < 0 || f > 7 || r < 0 || r > 7 {
		return NoSquare
	}
	return SquareAt(f, r)
}

func pawnDir(c Color) int {
	if c == White {
		return 1
	}
	return -1
}

// IsAttacked reports whether any piece of color by attacks sq.
func IsAttacked(pos Position, sq Square, by Color) bool {
	// a pawn of color by attacks sq from one rank behind it
	dr := -pawnDir(by)
	for _, df := range [2]int{-1, 1} {
		if from := step(sq, offset{df, dr}); from != NoSquare && pos.board[from] == NewPiece(Pawn, by) {
			return true
		}
	}
	for _, o := range knightOffsets {
		if from := step(sq, o); from != NoSquare && pos.board[from] == NewPiece(Knight, by) {
			return true
		}
	}
	for _, o := range kingOffsets {
		if from := step(sq, o); from != NoSquare && pos.board[from] == NewPiece(King, by) {
			return true
		}
	}
	if rayHits(pos, sq, rookDirs[:], NewPiece(Rook, by), NewPiece(Queen, by)) {
		return true
	}
	return rayHits(pos, sq, bishopDirs[:], NewPiece(Bishop, by), NewPiece(Queen, by))
}

func rayHits(pos Position, sq Square, dirs []offset, a, b Piece) bool {
	for _, d := range dirs {
		for cur := step(sq, d); cur != NoSquare; cur = step(cur, d) {
			pc := pos.board[cur]
			if pc.IsEmpty() {
				continue
			}
			if pc == a || pc == b {
				return true
			}
			break
		}
	}
	return false
}

// InCheck reports whether side's king is attacked. A position without a
// king for side is never in check.
func InCheck(pos Position, side Color) bool {
	k := pos.kingSquare(side)
	if k == NoSquare {
		return false
	}
	return IsAttacked(pos, k, side.Opponent())
}
