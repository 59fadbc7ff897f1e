package rules

var promotionOrder = [4]Kind{Queen, Rook, Bishop, Knight}

// LegalMoves returns every legal move for side. Promotions are expanded
// into four moves in q, r, b, n order.
func LegalMoves(pos Position, side Color) []Move {
	pseudo := pseudoLegal(pos, side)
	legal := make([]Move, 0, len(pseudo))
	for _, mv := range pseudo {
		if !InCheck(Apply(pos, mv), side) {
			legal = append(legal, mv)
		}
	}
	return legal
}

func pseudoLegal(pos Position, side Color) []Move {
	moves := make([]Move, 0, 48)
	for i, pc := range pos.board {
		if pc.IsEmpty() || pc.Color() != side {
			continue
		}
		from := Square(i)
		switch pc.Kind() {
		case Pawn:
			moves = pawnMoves(pos, from, side, moves)
		case Knight:
			moves = leaperMoves(pos, from, side, knightOffsets[:], moves)
		case Bishop:
			moves = sliderMoves(pos, from, side, bishopDirs[:], moves)
		case Rook:
			moves = sliderMoves(pos, from, side, rookDirs[:], moves)
		case Queen:
			moves = sliderMoves(pos, from, side, rookDirs[:], moves)
			moves = sliderMoves(pos, from, side, bishopDirs[:], moves)
		case King:
			moves = leaperMoves(pos, from, side, kingOffsets[:], moves)
			moves = castleMoves(pos, from, side, moves)
		}
	}
	return moves
}

func pawnMoves(pos Position, from Square, side Color, moves []Move) []Move {
	dir := pawnDir(side)
	startRank, lastRank := 1, 7
	if side == Black {
		startRank, lastRank = 6, 0
	}
	add := func(to Square) {
		if to.Rank() == lastRank {
			for _, k := range promotionOrder {
				moves = append(moves, Move{From: from, To: to, Promotion: k})
			}
			return
		}
		moves = append(moves, Move{From: from, To: to})
	}

	if one := step(from, offset{0, dir}); one != NoSquare && pos.board[one].IsEmpty() {
		add(one)
		if from.Rank() == startRank {
			if two := step(one, offset{0, dir}); two != NoSquare && pos.board[two].IsEmpty() {
				moves = append(moves, Move{From: from, To: two})
			}
		}
	}
	for _, df := range [2]int{-1, 1} {
		to := step(from, offset{df, dir})
		if to == NoSquare {
			continue
		}
		target := pos.board[to]
		switch {
		case !target.IsEmpty() && target.Color() != side:
			add(to)
		case target.IsEmpty() && to == pos.EnPassant && side == pos.Turn:
			moves = append(moves, Move{From: from, To: to})
		}
	}
	return moves
}

func leaperMoves(pos Position, from Square, side Color, offsets []offset, moves []Move) []Move {
	for _, o := range offsets {
		to := step(from, o)
		if to == NoSquare {
			continue
		}
		if target := pos.board[to]; target.IsEmpty() || target.Color() != side {
			moves = append(moves, Move{From: from, To: to})
		}
	}
	return moves
}

func sliderMoves(pos Position, from Square, side Color, dirs []offset, moves []Move) []Move {
	for _, d := range dirs {
		for to := step(from, d); to != NoSquare; to = step(to, d) {
			target := pos.board[to]
			if target.IsEmpty() {
				moves = append(moves, Move{From: from, To: to})
				continue
			}
			if target.Color() != side {
				moves = append(moves, Move{From: from, To: to})
			}
			break
		}
	}
	return moves
}

type castleRule struct {
	right   Castling
	king    Square
	rook    Square
	empty   []Square
	transit []Square // king start, pass-through and landing squares
	to      Square
}

var castleRules = map[Color][2]castleRule{
	White: {
		{WhiteKingSide, 4, 7, []Square{5, 6}, []Square{4, 5, 6}, 6},
		{WhiteQueenSide, 4, 0, []Square{1, 2, 3}, []Square{4, 3, 2}, 2},
	},
	Black: {
		{BlackKingSide, 60, 63, []Square{61, 62}, []Square{60, 61, 62}, 62},
		{BlackQueenSide, 60, 56, []Square{57, 58, 59}, []Square{60, 59, 58}, 58},
	},
}

func castleMoves(pos Position, from Square, side Color, moves []Move) []Move {
	enemy := side.Opponent()
	for _, rule := range castleRules[side] {
		if from != rule.king || !pos.Castling.Has(rule.right) {
			continue
		}
		if pos.board[rule.rook] != NewPiece(Rook, side) {
			continue
		}
		if !allEmpty(pos, rule.empty) || anyAttacked(pos, rule.transit, enemy) {
			continue
		}
		moves = append(moves, Move{From: from, To: rule.to})
	}
	return moves
}

func allEmpty(pos Position, squares []Square) bool {
	for _, sq := range squares {
		if !pos.board[sq].IsEmpty() {
			return false
		}
	}
	return true
}

func anyAttacked(pos Position, squares []Square, by Color) bool {
	for _, sq := range squares {
		if IsAttacked(pos, sq, by) {
			return true
		}
	}
	return false
}
