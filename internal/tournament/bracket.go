package tournament

import (
	"fmt"
	"math/rand"
)

// Match is one pairing in a bracket round. An empty PlayerB is a bye.
type Match struct {
	ID      string `json:"id"`
	Round   int    `json:"round"`
	PlayerA string `json:"playerA,omitempty"`
	PlayerB string `json:"playerB,omitempty"`
	Winner  string `json:"winner,omitempty"`
}

// Bracket is a single-elimination tree stored round by round.
type Bracket struct {
	Rounds [][]Match `json:"rounds"`
}

// Seeder orders registered players before pairing.
type Seeder interface {
	Order(players []string) []string
}

// RegistrationOrder pairs players as they registered: 1v2, 3v4, ...
type RegistrationOrder struct{}

func (RegistrationOrder) Order(players []string) []string {
	return append([]string(nil), players...)
}

// SeededShuffle shuffles with a fixed seed, so the same registrations always
// produce the same bracket.
type SeededShuffle struct {
	Seed int64
}

func (s SeededShuffle) Order(players []string) []string {
	out := append([]string(nil), players...)
	rng := rand.New(rand.NewSource(s.Seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// SeederFor returns the shuffle policy for a non-zero seed and registration
// order otherwise.
func SeederFor(seed int64) Seeder {
	if seed != 0 {
		return SeededShuffle{Seed: seed}
	}
	return RegistrationOrder{}
}

// NewBracket pairs ordered players and lays out every later round. Byes are
// decided immediately and their players advance.
func NewBracket(ordered []string) *Bracket {
	b := &Bracket{}
	if len(ordered) == 0 {
		return b
	}

	first := make([]Match, 0, (len(ordered)+1)/2)
	for i := 0; i < len(ordered); i += 2 {
		m := Match{Round: 0, PlayerA: ordered[i]}
		if i+1 < len(ordered) {
			m.PlayerB = ordered[i+1]
		}
		first = append(first, m)
	}
	b.Rounds = append(b.Rounds, first)

	for prev := len(first); prev > 1; {
		next := (prev + 1) / 2
		b.Rounds = append(b.Rounds, make([]Match, next))
		prev = next
	}

	for r := range b.Rounds {
		for i := range b.Rounds[r] {
			b.Rounds[r][i].Round = r
			b.Rounds[r][i].ID = fmt.Sprintf("r%d-m%d", r+1, i+1)
		}
	}

	for i, m := range b.Rounds[0] {
		if m.PlayerB == "" {
			b.decide(0, i, m.PlayerA)
		}
	}
	return b
}

// Champion returns the winner of the final, if decided.
func (b *Bracket) Champion() string {
	if len(b.Rounds) == 0 {
		return ""
	}
	last := b.Rounds[len(b.Rounds)-1]
	if len(last) != 1 {
		return ""
	}
	return last[0].Winner
}

// Find locates a match by id.
func (b *Bracket) Find(matchID string) (round, index int, ok bool) {
	for r, matches := range b.Rounds {
		for i, m := range matches {
			if m.ID == matchID {
				return r, i, true
			}
		}
	}
	return 0, 0, false
}

// decide records a winner and advances them. A next-round slot that has no
// second feeder becomes a bye and is decided in turn.
func (b *Bracket) decide(round, index int, winner string) {
	b.Rounds[round][index].Winner = winner
	if round+1 >= len(b.Rounds) {
		return
	}

	slot := index / 2
	next := &b.Rounds[round+1][slot]
	if index%2 == 0 {
		next.PlayerA = winner
	} else {
		next.PlayerB = winner
	}

	if index%2 == 0 && index+1 >= len(b.Rounds[round]) {
		b.decide(round+1, slot, winner)
	}
}

func (b *Bracket) clone() *Bracket {
	if b == nil {
		return nil
	}
	out := &Bracket{Rounds: make([][]Match, len(b.Rounds))}
	for i, r := range b.Rounds {
		out.Rounds[i] = append([]Match(nil), r...)
	}
	return out
}
