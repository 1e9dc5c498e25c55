package matchmaking

import (
	"github.com/google/uuid"
)

// matchNamespace scopes match ids derived from player ids.
var matchNamespace = uuid.MustParse("6f1c1d5e-4b7a-4f8e-9a53-2d0c7b1e8a41")

// Match pairs two players. Left is the older queue entry.
type Match struct {
	ID    string
	Left  *Player
	Right *Player
}

// NewMatch pairs left and right and records each as the other's opponent.
// Every process pairing the same two entries derives the same id.
func NewMatch(left, right *Player) Match {
	left.SetOpponent(right.ID())
	right.SetOpponent(left.ID())

	return Match{
		ID:    uuid.NewSHA1(matchNamespace, []byte(left.ID()+"|"+right.ID())).String(),
		Left:  left,
		Right: right,
	}
}

// Host is the server that runs the match's simulation.
func (m Match) Host() string {
	return m.Left.Server()
}

// Side returns 0 for the left player, 1 for the right player and -1 when id
// is not part of the match.
func (m Match) Side(id string) int {
	switch id {
	case m.Left.ID():
		return 0
	case m.Right.ID():
		return 1
	}
	return -1
}

func (m Match) Players() [2]*Player {
	return [2]*Player{m.Left, m.Right}
}
