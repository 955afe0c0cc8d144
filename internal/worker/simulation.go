package worker

import (
	"fmt"
	"math"

	"match-server/internal/protocol"
)

// Simulation is the live state of one game inside a worker. It is only ever
// touched by the worker goroutine that owns it.
type Simulation interface {
	Apply(move protocol.Move) error
	// Tick advances one step. done reports that the match finished.
	Tick() (state protocol.GameState, done bool)
}

// Simulator creates simulations when a game starts.
type Simulator interface {
	New(gameID string, players []string) Simulation
}

// Arena world constants
const (
	ArenaWidth   = 100.0
	ArenaHeight  = 100.0
	ArenaSpeed   = 1.5  // units per tick at full input
	CentreRadius = 12.0 // scoring ring around the arena centre
	spawnRadius  = 35.0
)

// ArenaSimulator plays king-of-the-hill on a bounded grid: every tick spent
// inside the centre ring scores a point.
type ArenaSimulator struct {
	MatchTicks int
}

// NewArenaSimulator returns a simulator whose matches last matchTicks ticks.
func NewArenaSimulator(matchTicks int) *ArenaSimulator {
	if matchTicks <= 0 {
		matchTicks = 20 * 180
	}
	return &ArenaSimulator{MatchTicks: matchTicks}
}

// New places players evenly on a circle around the centre.
func (s *ArenaSimulator) New(gameID string, players []string) Simulation {
	a := &arena{
		gameID:     gameID,
		matchTicks: uint64(s.MatchTicks),
		players:    make(map[string]*arenaPlayer, len(players)),
		order:      append([]string(nil), players...),
	}
	for i, id := range players {
		angle := 2 * math.Pi * float64(i) / float64(max(len(players), 1))
		a.players[id] = &arenaPlayer{
			x: ArenaWidth/2 + spawnRadius*math.Cos(angle),
			y: ArenaHeight/2 + spawnRadius*math.Sin(angle),
		}
	}
	return a
}

type arenaPlayer struct {
	x, y   float64
	vx, vy float64
	score  int
}

type arena struct {
	gameID     string
	tick       uint64
	matchTicks uint64
	players    map[string]*arenaPlayer
	order      []string
}

func (a *arena) Apply(move protocol.Move) error {
	p, ok := a.players[move.UserID]
	if !ok {
		return fmt.Errorf("player %s is not in game %s", move.UserID, a.gameID)
	}
	p.vx = clamp(move.DX, -1, 1)
	p.vy = clamp(move.DY, -1, 1)
	return nil
}

func (a *arena) Tick() (protocol.GameState, bool) {
	a.tick++

	cx, cy := ArenaWidth/2, ArenaHeight/2
	for _, p := range a.players {
		p.x = clamp(p.x+p.vx*ArenaSpeed, 0, ArenaWidth)
		p.y = clamp(p.y+p.vy*ArenaSpeed, 0, ArenaHeight)
		if math.Hypot(p.x-cx, p.y-cy) <= CentreRadius {
			p.score++
		}
	}

	return a.state(), a.tick >= a.matchTicks
}

func (a *arena) state() protocol.GameState {
	st := protocol.GameState{
		GameID:  a.gameID,
		Tick:    a.tick,
		Players: make([]protocol.PlayerState, 0, len(a.order)),
	}
	for _, id := range a.order {
		p := a.players[id]
		st.Players = append(st.Players, protocol.PlayerState{UserID: id, X: p.x, Y: p.y, Score: p.score})
	}
	return st
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// scoresOf extracts final scores from a state snapshot.
func scoresOf(st protocol.GameState) map[string]int {
	scores := make(map[string]int, len(st.Players))
	for _, p := range st.Players {
		scores[p.UserID] = p.Score
	}
	return scores
}
