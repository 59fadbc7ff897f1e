package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var sanLetters = map[Kind]string{Knight: "N", Bishop: "B", Rook: "R", Queen: "Q", King: "K"}

// SAN renders mv, which must be legal in pos, in standard algebraic notation.
func SAN(pos Position, mv Move) string {
	piece := pos.board[mv.From]
	var b strings.Builder

	switch {
	case piece.Kind() == King && mv.To.File()-mv.From.File() == 2:
		b.WriteString("O-O")
	case piece.Kind() == King && mv.To.File()-mv.From.File() == -2:
		b.WriteString("O-O-O")
	default:
		capture := !pos.board[mv.To].IsEmpty() ||
			(piece.Kind() == Pawn && mv.From.File() != mv.To.File())
		if piece.Kind() == Pawn {
			if capture {
				b.WriteByte(byte('a' + mv.From.File()))
			}
		} else {
			b.WriteString(sanLetters[piece.Kind()])
			b.WriteString(disambiguation(pos, mv, piece))
		}
		if capture {
			b.WriteByte('x')
		}
		b.WriteString(mv.To.String())
		if mv.Promotion != NoKind {
			b.WriteByte('=')
			b.WriteString(sanLetters[mv.Promotion])
		}
	}

	next := Apply(pos, mv)
	if InCheck(next, next.Turn) {
		if len(LegalMoves(next, next.Turn)) == 0 {
			b.WriteByte('#')
		} else {
			b.WriteByte('+')
		}
	}
	return b.String()
}

func disambiguation(pos Position, mv Move, piece Piece) string {
	sameFile, sameRank, others := false, false, false
	for _, other := range LegalMoves(pos, piece.Color()) {
		if other.To != mv.To || other.From == mv.From || pos.board[other.From] != piece {
			continue
		}
		others = true
		if other.From.File() == mv.From.File() {
			sameFile = true
		}
		if other.From.Rank() == mv.From.Rank() {
			sameRank = true
		}
	}
	switch {
	case !others:
		return ""
	case !sameFile:
		return string(byte('a' + mv.From.File()))
	case !sameRank:
		return string(byte('1' + mv.From.Rank()))
	default:
		return mv.From.String()
	}
}

var fenLetters = map[Kind]byte{Pawn: 'p', Knight: 'n', Bishop: 'b', Rook: 'r', Queen: 'q', King: 'k'}

// FEN encodes pos in Forsyth-Edwards notation.
func FEN(pos Position) string {
	var b strings.Builder
	for r := 7; r >= 0; r-- {
		gap := 0
		for f := 0; f < 8; f++ {
			pc := pos.board[SquareAt(f, r)]
			if pc.IsEmpty() {
				gap++
				continue
			}
			if gap > 0 {
				b.WriteByte(byte('0' + gap))
				gap = 0
			}
			ch := fenLetters[pc.Kind()]
			if pc.Color() == White {
				ch -= 'a' - 'A'
			}
			b.WriteByte(ch)
		}
		if gap > 0 {
			b.WriteByte(byte('0' + gap))
		}
		if r > 0 {
			b.WriteByte('/')
		}
	}
	b.WriteByte(' ')
	b.WriteString(pos.Turn.String()[:1])
	b.WriteByte(' ')
	rights := ""
	for _, r := range []struct {
		c Castling
		s string
	}{{WhiteKingSide, "K"}, {WhiteQueenSide, "Q"}, {BlackKingSide, "k"}, {BlackQueenSide, "q"}} {
		if pos.Castling.Has(r.c) {
			rights += r.s
		}
	}
	if rights == "" {
		rights = "-"
	}
	b.WriteString(rights)
	b.WriteByte(' ')
	b.WriteString(pos.EnPassant.String())
	fmt.Fprintf(&b, " %d %d", pos.HalfMove, pos.FullMove)
	return b.String()
}

var ErrBadFEN = errors.New("rules: invalid FEN")

// ParseFEN decodes a FEN string. The move counters are optional.
func ParseFEN(s string) (Position, error) {
	fields := strings.Fields(s)
	if len(fields) < 4 {
		return Position{}, ErrBadFEN
	}
	var pos Position
	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return Position{}, ErrBadFEN
	}
	for i, row := range ranks {
		r, f := 7-i, 0
		for _, ch := range row {
			if ch >= '1' && ch <= '8' {
				f += int(ch - '0')
				continue
			}
			if f > 7 {
				return Position{}, ErrBadFEN
			}
			color := Black
			lower := ch
			if ch >= 'A' && ch <= 'Z' {
				color = White
				lower = ch + ('a' - 'A')
			}
			kind := NoKind
			for k, l := range fenLetters {
				if rune(l) == lower {
					kind = k
				}
			}
			if kind == NoKind {
				return Position{}, ErrBadFEN
			}
			pos.board[SquareAt(f, r)] = NewPiece(kind, color)
			f++
		}
		if f != 8 {
			return Position{}, ErrBadFEN
		}
	}
	switch fields[1] {
	case "w":
		pos.Turn = White
	case "b":
		pos.Turn = Black
	default:
		return Position{}, ErrBadFEN
	}
	for _, ch := range fields[2] {
		switch ch {
		case 'K':
			pos.Castling |= WhiteKingSide
		case 'Q':
			pos.Castling |= WhiteQueenSide
		case 'k':
			pos.Castling |= BlackKingSide
		case 'q':
			pos.Castling |= BlackQueenSide
		case '-':
		default:
			return Position{}, ErrBadFEN
		}
	}
	pos.EnPassant = NoSquare
	if fields[3] != "-" {
		sq, err := ParseSquare(fields[3])
		if err != nil {
			return Position{}, ErrBadFEN
		}
		pos.EnPassant = sq
	}
	pos.FullMove = 1
	if len(fields) >= 6 {
		hm, err1 := strconv.Atoi(fields[4])
		fm, err2 := strconv.Atoi(fields[5])
		if err1 != nil || err2 != nil {
			return Position{}, ErrBadFEN
		}
		pos.HalfMove, pos.FullMove = hm, fm
	}
	return pos, nil
}
