package rules

// FindLegalMove resolves a client request to a concrete legal move for the
// side to move. With an explicit promotion the candidate must match it
// exactly. Without one, a non-promotion candidate wins, then the queen
// promotion, then whatever was generated first.
func FindLegalMove(pos Position, from, to Square, promotion Kind) (Move, bool) {
	var candidates []Move
	for _, mv := range LegalMoves(pos, pos.Turn) {
		if mv.From == from && mv.To == to {
			candidates = append(candidates, mv)
		}
	}
	if len(candidates) == 0 {
		return Move{}, false
	}
	if promotion != NoKind {
		for _, mv := range candidates {
			if mv.Promotion == promotion {
				return mv, true
			}
		}
		return Move{}, false
	}
	for _, mv := range candidates {
		if mv.Promotion == NoKind {
			return mv, true
		}
	}
	for _, mv := range candidates {
		if mv.Promotion == Queen {
			return mv, true
		}
	}
	return candidates[0], true
}

// Step is one persisted move as stored in the log.
type Step struct {
	From      string
	To        string
	Promotion string
}

// Replay folds steps over the initial position. It returns false, along
// with the last good position, as soon as one step does not resolve.
func Replay(steps []Step) (Position, bool) {
	pos := Initial()
	for _, st := range steps {
		from, err := ParseSquare(st.From)
		if err != nil {
			return pos, false
		}
		to, err := ParseSquare(st.To)
		if err != nil {
			return pos, false
		}
		promo, err := ParsePromotion(st.Promotion)
		if err != nil {
			return pos, false
		}
		mv, ok := FindLegalMove(pos, from, to, promo)
		if !ok {
			return pos, false
		}
		pos = Apply(pos, mv)
	}
	return pos, true
}

// Outcome classifies a position for the side to move.
type Outcome uint8

const (
	Ongoing Outcome = iota
	Checkmate
	Stalemate
)

func (o Outcome) String() string {
	switch o {
	case Checkmate:
		return "checkmate"
	case Stalemate:
		return "stalemate"
	default:
		return "ongoing"
	}
}

func Evaluate(pos Position) Outcome {
	if len(LegalMoves(pos, pos.Turn)) > 0 {
		return Ongoing
	}
	if InCheck(pos, pos.Turn) {
		return Checkmate
	}
	return Stalemate
}
