package tournament

import (
	"testing"
)

func TestRegistrationOrderPairs(t *testing.T) {
	b := NewBracket(RegistrationOrder{}.Order([]string{"1", "2", "3", "4", "5"}))

	if len(b.Rounds) != 3 {
		t.Fatalf("Expected 3 rounds, got %d", len(b.Rounds))
	}

	first := b.Rounds[0]
	want := [][2]string{{"1", "2"}, {"3", "4"}, {"5", ""}}
	for i, pair := range want {
		if first[i].PlayerA != pair[0] || first[i].PlayerB != pair[1] {
			t.Errorf("Match %d: expected %v, got %s v %s", i, pair, first[i].PlayerA, first[i].PlayerB)
		}
	}

	// 5 has a bye in round one and again in round two.
	if first[2].Winner != "5" {
		t.Errorf("Expected bye winner 5, got %q", first[2].Winner)
	}
	if b.Rounds[1][1].Winner != "5" {
		t.Errorf("Expected 5 to advance through the second bye, got %+v", b.Rounds[1][1])
	}
	if b.Rounds[2][0].PlayerB != "5" {
		t.Errorf("Expected 5 waiting in the final, got %+v", b.Rounds[2][0])
	}
}

func TestBracketShapes(t *testing.T) {
	tests := []struct {
		players int
		rounds  []int
	}{
		{2, []int{1}},
		{3, []int{2, 1}},
		{4, []int{2, 1}},
		{6, []int{3, 2, 1}},
		{8, []int{4, 2, 1}},
		{9, []int{5, 3, 2, 1}},
	}

	for _, tt := range tests {
		players := make([]string, tt.players)
		for i := range players {
			players[i] = string(rune('a' + i))
		}
		b := NewBracket(players)

		if len(b.Rounds) != len(tt.rounds) {
			t.Errorf("%d players: expected %d rounds, got %d", tt.players, len(tt.rounds), len(b.Rounds))
			continue
		}
		for r, n := range tt.rounds {
			if len(b.Rounds[r]) != n {
				t.Errorf("%d players: round %d has %d matches, want %d", tt.players, r, len(b.Rounds[r]), n)
			}
		}
	}
}

func TestSeededShuffleIsDeterministic(t *testing.T) {
	players := []string{"a", "b", "c", "d", "e", "f"}

	first := SeededShuffle{Seed: 7}.Order(players)
	second := SeededShuffle{Seed: 7}.Order(players)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Same seed produced different orders: %v vs %v", first, second)
		}
	}
	if players[0] != "a" {
		t.Error("Order must not mutate its input")
	}
}

func TestSeederFor(t *testing.T) {
	if _, ok := SeederFor(0).(RegistrationOrder); !ok {
		t.Error("Expected registration order for seed 0")
	}
	if s, ok := SeederFor(3).(SeededShuffle); !ok || s.Seed != 3 {
		t.Error("Expected seeded shuffle for non-zero seed")
	}
}
