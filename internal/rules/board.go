package rules

import (
	"errors"
	"strings"
)

// Color identifies a side.
type Color uint8

const (
	White Color = iota
	Black
)

func (c Color) Opponent() Color { return c ^ 1 }

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

type Kind uint8

const (
	NoKind Kind = iota
	Pawn
	Knight
	Bishop
	Rook
	Queen
	King
)

// Letter returns the lower-case letter used in UCI promotion suffixes.
func (k Kind) Letter() string {
	switch k {
	case Pawn:
		return "p"
	case Knight:
		return "n"
	case Bishop:
		return "b"
	case Rook:
		return "r"
	case Queen:
		return "q"
	case King:
		return "k"
	default:
		return ""
	}
}

var ErrBadPromotion = errors.New("rules: invalid promotion piece")

// ParsePromotion maps q/r/b/n (any case) to a Kind. Empty input yields NoKind.
func ParsePromotion(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return NoKind, nil
	case "q":
		return Queen, nil
	case "r":
		return Rook, nil
	case "b":
		return Bishop, nil
	case "n":
		return Knight, nil
	default:
		return NoKind, ErrBadPromotion
	}
}

// Piece packs a kind and a color. The zero value is an empty cell.
type Piece uint8

const Empty Piece = 0

func NewPiece(k Kind, c Color) Piece { return Piece(k) | Piece(c)<<3 }

func (p Piece) Kind() Kind    { return Kind(p & 7) }
func (p Piece) Color() Color  { return Color(p >> 3 & 1) }
func (p Piece) IsEmpty() bool { return p.Kind() == NoKind }

// Square indexes the board as rank*8+file, a1 = 0, h8 = 63.
type Square int8

const NoSquare Square = -1

func SquareAt(file, rank int) Square { return Square(rank*8 + file) }

func (s Square) File() int { return int(s) % 8 }
func (s Square) Rank() int { return int(s) / 8 }

func (s Square) Valid() bool { return s >= 0 && s < 64 }

func (s Square) String() string {
	if !s.Valid() {
		return "-"
	}
	return string([]byte{byte('a' + s.File()), byte('1' + s.Rank())})
}

var ErrBadSquare = errors.New("rules: invalid square")

// ParseSquare accepts algebraic squares such as "e4".
func ParseSquare(s string) (Square, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return NoSquare, ErrBadSquare
	}
	return SquareAt(int(s[0]-'a'), int(s[1]-'1')), nil
}

// Castling is a bit set of the four castling rights.
type Castling uint8

const (
	WhiteKingSide Castling = 1 << iota
	WhiteQueenSide
	BlackKingSide
	BlackQueenSide
)

func (c Castling) Has(r Castling) bool { return c&r != 0 }

// Position is an immutable snapshot of a game. Methods and package
// functions never modify a Position in place; Apply returns a copy.
type Position struct {
	board     [64]Piece
	Turn      Color
	Castling  Castling
	EnPassant Square
	HalfMove  int
	FullMove  int
}

// Initial returns the standard starting position.
func Initial() Position {
	var p Position
	back := [8]Kind{Rook, Knight, Bishop, Queen, King, Bishop, Knight, Rook}
	for f := 0; f < 8; f++ {
		p.board[SquareAt(f, 0)] = NewPiece(back[f], White)
		p.board[SquareAt(f, 1)] = NewPiece(Pawn, White)
		p.board[SquareAt(f, 6)] = NewPiece(Pawn, Black)
		p.board[SquareAt(f, 7)] = NewPiece(back[f], Black)
	}
	p.Turn = White
	p.Castling = WhiteKingSide | WhiteQueenSide | BlackKingSide | BlackQueenSide
	p.EnPassant = NoSquare
	p.FullMove = 1
	return p
}

func (p Position) PieceAt(sq Square) Piece {
	if !sq.Valid() {
		return Empty
	}
	return p.board[sq]
}

func (p Position) kingSquare(c Color) Square {
	want := NewPiece(King, c)
	for i, pc := range p.board {
		if pc == want {
			return Square(i)
		}
	}
	return NoSquare
}

// Move is a from/to pair plus an optional promotion piece. Castling and en
// passant are recognised from the position when the move is applied.
type Move struct {
	From      Square
	To        Square
	Promotion Kind
}

// String renders the move in UCI form, e.g. "e7e8q".
func (m Move) String() string {
	return m.From.String() + m.To.String() + m.Promotion.Letter()
}
