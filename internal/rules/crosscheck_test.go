package rules

import (
	"math/rand"
	"strings"
	"testing"

	nchess "github.com/corentings/chess/v2"
)

// fenPrefix keeps placement, side to move and castling rights; libraries
// disagree on when to print the en passant square.
func fenPrefix(fen string) string {
	f := strings.Fields(fen)
	if len(f) < 3 {
		return fen
	}
	return strings.Join(f[:3], " ")
}

func TestCrossCheckAgainstReferenceLibrary(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for game := 0; game < 25; game++ {
		pos := Initial()
		ref := nchess.NewGame()
		for ply := 0; ply < 120; ply++ {
			if ref.Outcome() != nchess.NoOutcome {
				break
			}
			moves := LegalMoves(pos, pos.Turn)
			if want := len(ref.ValidMoves()); want != len(moves) {
				t.Fatalf("move count at %s = %d, want %d", FEN(pos), len(moves), want)
			}
			if len(moves) == 0 {
				break
			}
			mv := moves[rng.Intn(len(moves))]
			if err := ref.PushNotationMove(mv.String(), nchess.UCINotation{}, nil); err != nil {
				t.Fatalf("reference rejected %s at %s: %v", mv, FEN(pos), err)
			}
			pos = Apply(pos, mv)
			if got, want := fenPrefix(FEN(pos)), fenPrefix(ref.FEN()); got != want {
				t.Fatalf("after %s: fen = %q, want %q", mv, got, want)
			}
		}
	}
}
