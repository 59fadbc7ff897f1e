package rules

// castling rights lost when a piece leaves or lands on these squares
var rightsBySquare = map[Square]Castling{
	0:  WhiteQueenSide,
	4:  WhiteKingSide | WhiteQueenSide,
	7:  WhiteKingSide,
	56: BlackQueenSide,
	60: BlackKingSide | BlackQueenSide,
	63: BlackKingSide,
}

// Apply plays mv on a copy of pos and returns it. The move is not checked
// for legality; callers obtain moves from LegalMoves or FindLegalMove.
func Apply(pos Position, mv Move) Position {
	next := pos
	piece := next.board[mv.From]
	mover := piece.Color()
	captured := next.board[mv.To]

	next.board[mv.From] = Empty
	if piece.Kind() == Pawn && mv.From.File() != mv.To.File() && captured.IsEmpty() {
		// en passant: the captured pawn sits beside the origin square
		victim := SquareAt(mv.To.File(), mv.From.Rank())
		captured = next.board[victim]
		next.board[victim] = Empty
	}

	placed := piece
	if mv.Promotion != NoKind && piece.Kind() == Pawn {
		placed = NewPiece(mv.Promotion, mover)
	}
	next.board[mv.To] = placed

	if piece.Kind() == King {
		rank := mv.From.Rank()
		switch mv.To.File() - mv.From.File() {
		case 2:
			next.board[SquareAt(5, rank)] = next.board[SquareAt(7, rank)]
			next.board[SquareAt(7, rank)] = Empty
		case -2:
			next.board[SquareAt(3, rank)] = next.board[SquareAt(0, rank)]
			next.board[SquareAt(0, rank)] = Empty
		}
	}

	next.Castling &^= rightsBySquare[mv.From] | rightsBySquare[mv.To]

	next.EnPassant = NoSquare
	if piece.Kind() == Pawn {
		if d := mv.To.Rank() - mv.From.Rank(); d == 2 || d == -2 {
			next.EnPassant = SquareAt(mv.From.File(), mv.From.Rank()+d/2)
		}
	}

	if piece.Kind() == Pawn || !captured.IsEmpty() {
		next.HalfMove = 0
	} else {
		next.HalfMove++
	}
	if mover == Black {
		next.FullMove++
	}
	next.Turn = mover.Opponent()
	return next
}
