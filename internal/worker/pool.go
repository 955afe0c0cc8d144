// Package worker owns the fixed pool of simulation workers and the
// authoritative game -> worker index.
//
// Workers are goroutines that talk to the pool only through channels. A
// worker that panics is replaced with an empty one; the games it owned are
// ended with reason worker_crash.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/games"
	"match-server/internal/metrics"
	"match-server/internal/protocol"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Sink receives worker outputs. It is called from a single dispatcher goroutine.
type Sink interface {
	Deliver(Output)
}

// Notifier is told about games ended by a worker failure.
type Notifier interface {
	WorkerCrashed(index int, ended []games.Game)
}

// Config sizes the pool.
type Config struct {
	Workers      int
	TickRate     int
	InboxSize    int
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 3 * time.Second
	}
	return c
}

type entry struct {
	w        *worker
	owned    map[string]struct{}
	restarts int
}

// Pool assigns games to workers and routes control messages to them.
type Pool struct {
	cfg   Config
	sim   Simulator
	games *games.Registry
	clock clockwork.Clock

	mu      sync.Mutex
	entries []*entry
	owner   map[string]int // game id -> worker index
	waiters map[string]chan protocol.Ack

	sink     Sink
	notifier Notifier

	out    chan Output
	acks   chan protocol.Ack
	deaths chan death

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewPool builds a pool. Workers start with Start.
func NewPool(cfg Config, sim Simulator, registry *games.Registry, clock clockwork.Clock) *Pool {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Pool{
		cfg:     cfg,
		sim:     sim,
		games:   registry,
		clock:   clock,
		entries: make([]*entry, cfg.Workers),
		owner:   make(map[string]int),
		waiters: make(map[string]chan protocol.Ack),
		out:     make(chan Output, cfg.InboxSize*cfg.Workers),
		acks:    make(chan protocol.Ack, cfg.Workers),
		deaths:  make(chan death, cfg.Workers),
		stopCh:  make(chan struct{}),
	}
	for i := range p.entries {
		p.entries[i] = &entry{owned: make(map[string]struct{})}
	}
	return p
}

// Attach sets the output sink and crash notifier. Call before Start.
func (p *Pool) Attach(sink Sink, notifier Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	p.notifier = notifier
}

// Start spawns every worker and the pool's dispatch loops.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	for i, e := range p.entries {
		e.w = p.spawnLocked(i, 0)
	}
	p.mu.Unlock()

	p.wg.Add(3)
	go p.dispatchOutputs()
	go p.dispatchAcks()
	go p.supervise()

	log.Printf("👷 Worker pool started: %d workers at %d TPS", p.cfg.Workers, p.cfg.TickRate)
}

// Stop halts all workers and dispatch loops. A stopped pool has no workers;
// Route reports not found and Kill only ends the games still assigned.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	workers := make([]*worker, 0, len(p.entries))
	for _, e := range p.entries {
		if e.w != nil {
			close(e.w.stop)
			workers = append(workers, e.w)
			e.w = nil
		}
	}
	p.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	close(p.stopCh)
	p.wg.Wait()
	log.Println("🛑 Worker pool stopped")
}

func (p *Pool) spawnLocked(index, generation int) *worker {
	w := &worker{
		index:      index,
		generation: generation,
		tickRate:   p.cfg.TickRate,
		inbox:      make(chan protocol.Control, p.cfg.InboxSize),
		out:        p.out,
		deaths:     p.deaths,
		sim:        p.sim,
		games:      make(map[string]*liveGame),
		clock:      p.clock,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.run()
	return w
}

// Assign places gameID on the least-loaded worker; ties go to the lowest
// index. Assigning an already assigned game returns its current worker.
func (p *Pool) Assign(gameID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.owner[gameID]; ok {
		return idx, nil
	}
	if len(p.entries) == 0 {
		return 0, apperror.Capacity(apperror.CodeAtCapacity, "no workers available")
	}

	best := 0
	for i := 1; i < len(p.entries); i++ {
		if len(p.entries[i].owned) < len(p.entries[best].owned) {
			best = i
		}
	}

	p.entries[best].owned[gameID] = struct{}{}
	p.owner[gameID] = best
	metrics.SetWorkerGames(best, len(p.entries[best].owned))
	return best, nil
}

// Release removes gameID from its worker. Unknown ids are ignored.
func (p *Pool) Release(gameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.owner[gameID]
	if !ok {
		return
	}
	delete(p.owner, gameID)
	delete(p.entries[idx].owned, gameID)
	metrics.SetWorkerGames(idx, len(p.entries[idx].owned))
}

// Owner returns the worker index of gameID.
func (p *Pool) Owner(gameID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.owner[gameID]
	return idx, ok
}

// Loads returns the number of games per worker, by index.
func (p *Pool) Loads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	loads := make([]int, len(p.entries))
	for i, e := range p.entries {
		loads[i] = len(e.owned)
	}
	return loads
}

// Restarts returns how many times each worker has been respawned.
func (p *Pool) Restarts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.restarts
	}
	return out
}

// Route delivers msg to the worker that owns msg.GameID.
//
// Start actions wait for the worker's acknowledgment for at most the
// configured start timeout. A timeout leaves the assignment in place; the
// caller may retry. Other actions return once enqueued.
func (p *Pool) Route(ctx context.Context, msg protocol.Control) error {
	p.mu.Lock()
	idx, ok := p.owner[msg.GameID]
	var w *worker
	if ok {
		w = p.entries[idx].w
	}
	p.mu.Unlock()

	if !ok || w == nil {
		return apperror.NotFound("game %s has no worker", msg.GameID)
	}

	msg.SentAt = p.clock.Now()
	if msg.Action != protocol.ActionStart {
		return p.enqueue(ctx, w, msg)
	}

	msg.CorrelationID = uuid.NewString()
	msg.Reply = p.acks
	reply := make(chan protocol.Ack, 1)

	p.mu.Lock()
	p.waiters[msg.CorrelationID] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, msg.CorrelationID)
		p.mu.Unlock()
	}()

	timer := p.clock.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case w.inbox <- msg:
	case <-w.stop:
		return apperror.NotFound("game %s has no worker", msg.GameID)
	case <-timer.Chan():
		metrics.RecordStartTimeout()
		return apperror.Timeout("worker %d did not accept start in %s", idx, p.cfg.StartTimeout)
	case <-ctx.Done():
		return apperror.Timeout("start cancelled: %v", ctx.Err())
	}

	select {
	case ack := <-reply:
		return p.acknowledged(msg, ack)
	case <-w.stop:
		select {
		case ack := <-reply:
			return p.acknowledged(msg, ack)
		default:
		}
		return apperror.NotFound("game %s has no worker", msg.GameID)
	case <-timer.Chan():
		metrics.RecordStartTimeout()
		log.Printf("⚠️ Start of game %s on worker %d not acknowledged within %s", msg.GameID, idx, p.cfg.StartTimeout)
		return apperror.Timeout("worker %d did not acknowledge start in %s", idx, p.cfg.StartTimeout)
	case <-ctx.Done():
		return apperror.Timeout("start cancelled: %v", ctx.Err())
	}
}

func (p *Pool) acknowledged(msg protocol.Control, ack protocol.Ack) error {
	metrics.RecordStartAck(p.clock.Since(msg.SentAt))
	if ack.Err != "" {
		return apperror.Validation("%s", ack.Err)
	}
	return nil
}

func (p *Pool) enqueue(ctx context.Context, w *worker, msg protocol.Control) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-w.stop:
		return apperror.NotFound("game %s has no worker", msg.GameID)
	case <-ctx.Done():
		return apperror.Timeout("worker %d inbox full", w.index)
	}
}

// Kill forces the worker at index through the crash path.
func (p *Pool) Kill(index int) {
	p.WorkerDied(index)
}

// WorkerDied ends every game owned by the worker at index, clears their
// routing entries and replaces the worker with a fresh one.
func (p *Pool) WorkerDied(index int) {
	p.mu.Lock()
	if index < 0 || index >= len(p.entries) {
		p.mu.Unlock()
		return
	}
	e := p.entries[index]

	owned := make([]string, 0, len(e.owned))
	for id := range e.owned {
		owned = append(owned, id)
		delete(p.owner, id)
	}
	e.owned = make(map[string]struct{})
	e.restarts++

	if e.w != nil {
		close(e.w.stop)
	}
	generation := 0
	if e.w != nil {
		generation = e.w.generation + 1
	}
	if p.started {
		e.w = p.spawnLocked(index, generation)
	}
	notifier := p.notifier
	p.mu.Unlock()

	metrics.RecordWorkerRestart()
	metrics.SetWorkerGames(index, 0)

	var ended []games.Game
	if p.games != nil {
		ended = p.games.EndAll(owned, protocol.EndWorkerCrash)
	}
	log.Printf("👷 Worker %d respawned, %d games ended", index, len(ended))

	if notifier != nil && len(ended) > 0 {
		notifier.WorkerCrashed(index, ended)
	}
}

func (p *Pool) supervise() {
	defer p.wg.Done()
	for {
		select {
		case d := <-p.deaths:
			p.mu.Lock()
			current := p.entries[d.index].w
			stale := current == nil || current.generation != d.generation
			p.mu.Unlock()
			if stale {
				continue
			}
			log.Printf("⚠️ Worker %d died: %s", d.index, d.cause)
			p.WorkerDied(d.index)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) dispatchAcks() {
	defer p.wg.Done()
	for {
		select {
		case ack := <-p.acks:
			p.mu.Lock()
			reply, ok := p.waiters[ack.CorrelationID]
			delete(p.waiters, ack.CorrelationID)
			p.mu.Unlock()

			if !ok {
				log.Printf("⚠️ Late start ack for game %s (%s)", ack.GameID, ack.CorrelationID)
				continue
			}
			reply <- ack
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) dispatchOutputs() {
	defer p.wg.Done()
	for {
		select {
		case o := <-p.out:
			p.mu.Lock()
			sink := p.sink
			p.mu.Unlock()
			if sink != nil {
				sink.Deliver(o)
			}
		case <-p.stopCh:
			return
		}
	}
}
