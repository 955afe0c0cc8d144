// Package games is the authoritative store of live games, their participants
// and the user -> game membership index.
//
// A user belongs to at most one non-ended game. The membership check and the
// mutation that adds the user happen under the same lock, so two concurrent
// creates or joins by one user cannot both succeed.
package games

import (
	"crypto/rand"
	"log"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/metrics"
	"match-server/internal/protocol"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Status is the lifecycle state of a game.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
)

// Join codes avoid 0/O and 1/I so they can be read aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// DefaultMaxParticipants caps players per game.
const DefaultMaxParticipants = 8

// NoWorker marks a game that has not been assigned yet.
const NoWorker = -1

// Game is a snapshot of one game. The registry keeps the original.
type Game struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	Status       Status     `json:"status"`
	Host         string     `json:"host"`
	Participants []string   `json:"participants"`
	WorkerIndex  int        `json:"workerIndex"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	EndReason    string     `json:"endReason,omitempty"`
}

// HasParticipant reports whether userID is in the game.
func (g Game) HasParticipant(userID string) bool {
	for _, p := range g.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (g *Game) snapshot() Game {
	out := *g
	out.Participants = append([]string(nil), g.Participants...)
	return out
}

// Registry holds every non-ended game.
type Registry struct {
	mu              sync.RWMutex
	games           map[string]*Game
	byCode          map[string]string // code -> game id
	byUser          map[string]string // user id -> game id
	maxParticipants int
	clock           clockwork.Clock
}

// NewRegistry creates an empty registry. A nil clock uses the real clock.
func NewRegistry(maxParticipants int, clock clockwork.Clock) *Registry {
	if maxParticipants < 2 {
		maxParticipants = DefaultMaxParticipants
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		games:           make(map[string]*Game),
		byCode:          make(map[string]string),
		byUser:          make(map[string]string),
		maxParticipants: maxParticipants,
		clock:           clock,
	}
}

// Create registers a new waiting game hosted by hostUserID.
func (r *Registry) Create(hostUserID string) (Game, error) {
	if hostUserID == "" {
		return Game{}, apperror.Validation("host user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUser[hostUserID]; ok {
		return Game{}, apperror.Conflict(apperror.CodeAlreadyInGame, "user is already in game %s", existing)
	}

	code, err := r.uniqueCodeLocked()
	if err != nil {
		return Game{}, apperror.Internal(err, "generate join code")
	}

	g := &Game{
		ID:           uuid.NewString(),
		Code:         code,
		Status:       StatusWaiting,
		Host:         hostUserID,
		Participants: []string{hostUserID},
		WorkerIndex:  NoWorker,
		CreatedAt:    r.clock.Now(),
	}
	r.games[g.ID] = g
	r.byCode[code] = g.ID
	r.byUser[hostUserID] = g.ID
	metrics.SetActiveGames(len(r.games))

	log.Printf("🎮 Game %s created by %s (code %s)", g.ID, hostUserID, code)
	return g.snapshot(), nil
}

// uniqueCodeLocked draws codes until one is unused. Caller holds r.mu.
func (r *Registry) uniqueCodeLocked() (string, error) {
	for {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.byCode[code]; !taken {
			return code, nil
		}
	}
}

func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var sb strings.Builder
	sb.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Get returns a snapshot of the game.
func (r *Registry) Get(gameID string) (Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.games[gameID]
	if !ok {
		return Game{}, apperror.NotFound("game %s not found", gameID)
	}
	return g.snapshot(), nil
}

// FindByCode resolves a join code, ignoring case and surrounding spaces.
func (r *Registry) FindByCode(code string) (Game, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return Game{}, apperror.NotFound("no game with code %s", code)
	}
	return r.games[id].snapshot(), nil
}

// AddParticipant admits userID to a waiting game.
func (r *Registry) AddParticipant(gameID, userID string) (Game, error) {
	if userID == "" {
		return Game{}, apperror.Validation("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return Game{}, apperror.NotFound("game %s not found", gameID)
	}
	if existing, ok := r.byUser[userID]; ok {
		return Game{}, apperror.Conflict(apperror.CodeAlreadyInGame, "user is already in game %s", existing)
	}
	if g.Status != StatusWaiting {
		return Game{}, apperror.Conflict(apperror.CodeGameNotJoinable, "game is %s", g.Status)
	}
	if len(g.Participants) >= r.maxParticipants {
		return Game{}, apperror.Conflict(apperror.CodeGameFull, "game is full (%d players)", r.maxParticipants)
	}

	g.Participants = append(g.Participants, userID)
	r.byUser[userID] = gameID
	return g.snapshot(), nil
}

// RemoveParticipant takes userID out of a waiting game. The host role passes
// to the next participant; an empty game is evicted. The returned bool reports
// eviction.
func (r *Registry) RemoveParticipant(gameID, userID string) (Game, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return Game{}, false, apperror.NotFound("game %s not found", gameID)
	}
	if g.Status != StatusWaiting {
		return Game{}, false, apperror.Conflict(apperror.CodeInvalidTransition, "cannot leave a %s game", g.Status)
	}

	idx := -1
	for i, p := range g.Participants {
		if p == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Game{}, false, apperror.Forbidden("user is not in game %s", gameID)
	}

	g.Participants = append(g.Participants[:idx], g.Participants[idx+1:]...)
	delete(r.byUser, userID)

	if len(g.Participants) == 0 {
		now := r.clock.Now()
		g.Status = StatusEnded
		g.EndedAt = &now
		g.EndReason = protocol.EndAbandoned
		r.evictLocked(g)
		log.Printf("🎮 Game %s evicted: last participant left", gameID)
		return g.snapshot(), true, nil
	}
	if g.Host == userID {
		g.Host = g.Participants[0]
	}
	return g.snapshot(), false, nil
}

// validTransition lists the allowed edges of the game state machine.
func validTransition(from, to Status) bool {
	switch to {
	case StatusActive:
		return from == StatusWaiting || from == StatusPaused
	case StatusPaused:
		return from == StatusActive
	case StatusEnded:
		return from != StatusEnded
	}
	return false
}

// Transition moves a game to status to. Paused -> active is a resume.
// Reaching ended evicts the game and frees its participants.
func (r *Registry) Transition(gameID string, to Status, reason string) (Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return Game{}, apperror.NotFound("game %s not found", gameID)
	}
	if !validTransition(g.Status, to) {
		return Game{}, apperror.Conflict(apperror.CodeInvalidTransition, "cannot go from %s to %s", g.Status, to)
	}

	now := r.clock.Now()
	if g.Status == StatusWaiting && to == StatusActive {
		g.StartedAt = &now
	}
	g.Status = to
	if to == StatusEnded {
		g.EndedAt = &now
		g.EndReason = reason
		r.evictLocked(g)
	}
	return g.snapshot(), nil
}

// evictLocked drops g and its indexes. Caller holds r.mu.
func (r *Registry) evictLocked(g *Game) {
	delete(r.games, g.ID)
	delete(r.byCode, g.Code)
	for _, p := range g.Participants {
		if r.byUser[p] == g.ID {
			delete(r.byUser, p)
		}
	}
	metrics.SetActiveGames(len(r.games))
	if g.EndReason != "" {
		metrics.RecordGameEnded(g.EndReason)
	}
}

// EndAll ends every listed game that is still registered and returns the
// snapshots of the games it ended.
func (r *Registry) EndAll(gameIDs []string, reason string) []Game {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	ended := make([]Game, 0, len(gameIDs))
	for _, id := range gameIDs {
		g, ok := r.games[id]
		if !ok {
			continue
		}
		g.Status = StatusEnded
		g.EndedAt = &now
		g.EndReason = reason
		r.evictLocked(g)
		ended = append(ended, g.snapshot())
	}
	return ended
}

// SetWorker records which worker simulates the game.
func (r *Registry) SetWorker(gameID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return apperror.NotFound("game %s not found", gameID)
	}
	g.WorkerIndex = index
	return nil
}

// IsUserInGame reports whether the user belongs to any non-ended game.
func (r *Registry) IsUserInGame(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// GameOf returns the id of the user's current game.
func (r *Registry) GameOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// List returns snapshots of all games ordered by creation time.
func (r *Registry) List() []Game {
	r.mu.RLock()
	out := make([]Game, 0, len(r.games))
	for _, g := range r.games {
		out = append(out, g.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of registered games.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.games)
}

// StaleWaiting returns ids of games that have been waiting longer than age.
func (r *Registry) StaleWaiting(age time.Duration) []string {
	cutoff := r.clock.Now().Add(-age)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, g := range r.games {
		if g.Status == StatusWaiting && g.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
