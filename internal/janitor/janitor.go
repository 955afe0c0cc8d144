// Package janitor runs the periodic sweeps that keep the in-memory
// registries from growing: expired join tokens and waiting games nobody
// connected to.
package janitor

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"match-server/internal/games"
	"match-server/internal/pending"
)

// IdleEnder ends a waiting game unless someone is connected to it.
type IdleEnder interface {
	EndIdle(gameID string) bool
}

// Config sets the sweep cadence.
type Config struct {
	TokenSweepInterval time.Duration
	LobbyIdleTTL       time.Duration
}

// Janitor owns the gocron scheduler.
type Janitor struct {
	cfg    Config
	tokens *pending.Registry
	games  *games.Registry
	ender  IdleEnder
	sched  gocron.Scheduler
}

// New registers both sweeps. Call Start to begin running them.
func New(cfg Config, tokens *pending.Registry, registry *games.Registry, ender IdleEnder) (*Janitor, error) {
	if cfg.TokenSweepInterval <= 0 {
		cfg.TokenSweepInterval = 30 * time.Second
	}
	if cfg.LobbyIdleTTL <= 0 {
		cfg.LobbyIdleTTL = 15 * time.Minute
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	j := &Janitor{cfg: cfg, tokens: tokens, games: registry, ender: ender, sched: sched}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.TokenSweepInterval),
		gocron.NewTask(j.SweepTokens),
		gocron.WithName("pending-token-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule token sweep: %w", err)
	}

	idleEvery := cfg.LobbyIdleTTL / 4
	if idleEvery < time.Second {
		idleEvery = cfg.LobbyIdleTTL
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(idleEvery),
		gocron.NewTask(j.SweepIdleGames),
		gocron.WithName("idle-lobby-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule idle sweep: %w", err)
	}

	return j, nil
}

// Start begins running the sweeps.
func (j *Janitor) Start() {
	j.sched.Start()
	log.Printf("🧹 Janitor started (tokens every %s, idle lobbies after %s)",
		j.cfg.TokenSweepInterval, j.cfg.LobbyIdleTTL)
}

// Stop waits for running sweeps and stops the scheduler.
func (j *Janitor) Stop() error {
	return j.sched.Shutdown()
}

// SweepTokens drops expired join tokens.
func (j *Janitor) SweepTokens() {
	j.tokens.Sweep()
}

// SweepIdleGames ends waiting games older than the idle TTL with no bound channel.
func (j *Janitor) SweepIdleGames() {
	ended := 0
	for _, id := range j.games.StaleWaiting(j.cfg.LobbyIdleTTL) {
		if j.ender.EndIdle(id) {
			ended++
		}
	}
	if ended > 0 {
		log.Printf("🧹 Ended %d idle lobbies", ended)
	}
}
