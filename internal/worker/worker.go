package worker

import (
	"fmt"
	"log"
	"time"

	"match-server/internal/metrics"
	"match-server/internal/protocol"

	"github.com/jonboulle/clockwork"
)

// OutputKind distinguishes worker outputs.
type OutputKind int

const (
	OutputState OutputKind = iota
	OutputEnded
)

// Output is what a worker reports back to the pool.
type Output struct {
	Kind   OutputKind
	GameID string
	State  protocol.GameState
	Ended  protocol.GameEnded
}

type death struct {
	index      int
	generation int
	cause      string
}

type liveGame struct {
	sim    Simulation
	paused bool
	last   protocol.GameState
}

// worker runs the simulations of the games assigned to it. It receives only
// through its inbox and reports only through the pool's channels.
type worker struct {
	index      int
	generation int
	tickRate   int

	inbox  chan protocol.Control
	out    chan<- Output
	deaths chan<- death

	sim   Simulator
	games map[string]*liveGame
	clock clockwork.Clock

	stop chan struct{}
	done chan struct{}
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 Worker %d panicked: %v", w.index, r)
			select {
			case w.deaths <- death{index: w.index, generation: w.generation, cause: fmt.Sprint(r)}:
			case <-w.stop:
			}
		}
	}()

	ticker := w.clock.NewTicker(time.Second / time.Duration(w.tickRate))
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.inbox:
			w.handle(msg)
		case <-ticker.Chan():
			w.tick()
		case <-w.stop:
			return
		}
	}
}

func (w *worker) handle(msg protocol.Control) {
	switch msg.Action {
	case protocol.ActionStart:
		ack := protocol.Ack{CorrelationID: msg.CorrelationID, GameID: msg.GameID}
		// A start retried after a timeout finds the game running and is acked again.
		switch {
		case len(msg.Players) == 0:
			ack.Err = "start without players"
		case w.games[msg.GameID] == nil:
			w.games[msg.GameID] = &liveGame{sim: w.sim.New(msg.GameID, msg.Players)}
		}
		if msg.Reply != nil {
			select {
			case msg.Reply <- ack:
			case <-w.stop:
			}
		}

	case protocol.ActionPause, protocol.ActionResume:
		g, ok := w.games[msg.GameID]
		if !ok {
			return
		}
		g.paused = msg.Action == protocol.ActionPause
		g.last.Paused = g.paused
		w.emit(Output{Kind: OutputState, GameID: msg.GameID, State: g.last})

	case protocol.ActionAbort:
		delete(w.games, msg.GameID)

	case protocol.ActionMove:
		g, ok := w.games[msg.GameID]
		if !ok || g.paused || msg.Move == nil {
			return
		}
		if err := g.sim.Apply(*msg.Move); err != nil {
			log.Printf("⚠️ Worker %d rejected move: %v", w.index, err)
		}
	}
}

func (w *worker) tick() {
	if len(w.games) == 0 {
		return
	}
	start := time.Now()

	for id, g := range w.games {
		if g.paused {
			continue
		}
		st, done := g.sim.Tick()
		g.last = st
		w.emit(Output{Kind: OutputState, GameID: id, State: st})

		if done {
			delete(w.games, id)
			ended := Output{
				Kind:   OutputEnded,
				GameID: id,
				Ended:  protocol.GameEnded{GameID: id, Reason: protocol.EndFinished, Scores: scoresOf(st)},
			}
			select {
			case w.out <- ended:
			case <-w.stop:
				return
			}
		}
	}

	metrics.RecordTick(time.Since(start))
}

// emit drops state frames instead of blocking the tick loop. The next tick
// carries a fresher frame anyway.
func (w *worker) emit(o Output) {
	select {
	case w.out <- o:
	default:
		metrics.RecordEventDropped()
	}
}
