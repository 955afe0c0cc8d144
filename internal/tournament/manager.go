// Package tournament runs the tournament lifecycle:
// waiting -> in_progress -> completed | cancelled.
//
// Every transition on one tournament runs under that tournament's own mutex,
// so the player set and the status are always observed together. The
// manager's map lock only guards lookup, insert and delete.
package tournament

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/metrics"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Status is the lifecycle state of a tournament.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Player count bounds for a tournament.
const (
	MinMaxPlayers  = 2
	MaxMaxPlayers  = 64
	maxNameLength  = 64
	DefaultMinimum = 2
)

// Change names passed to a Listener.
const (
	ChangeCreated   = "created"
	ChangeJoined    = "joined"
	ChangeLeft      = "left"
	ChangeDeleted   = "deleted"
	ChangeStarted   = "started"
	ChangeResult    = "result"
	ChangeCompleted = "completed"
	ChangeCancelled = "cancelled"
)

// Tournament is a snapshot; the manager keeps the original.
type Tournament struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	Status      Status     `json:"status"`
	Players     []string   `json:"players"`
	MaxPlayers  int        `json:"maxPlayers"`
	Bracket     *Bracket   `json:"bracket,omitempty"`
	Winner      string     `json:"winner,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasPlayer reports whether userID is registered.
func (t Tournament) HasPlayer(userID string) bool {
	for _, p := range t.Players {
		if p == userID {
			return true
		}
	}
	return false
}

// Listener observes transitions. It is called after the tournament lock is
// released and must not block.
type Listener interface {
	TournamentChanged(t Tournament, change string)
}

type item struct {
	mu      sync.Mutex
	t       Tournament
	deleted bool
}

func (it *item) snapshot() Tournament {
	out := it.t
	out.Players = append([]string(nil), it.t.Players...)
	out.Bracket = it.t.Bracket.clone()
	return out
}

// Manager owns every tournament.
type Manager struct {
	mu         sync.RWMutex
	items      map[string]*item
	minPlayers int
	seeder     Seeder
	clock      clockwork.Clock
	listener   Listener
}

// NewManager creates a manager. A nil seeder keeps registration order and a
// nil clock uses the real clock.
func NewManager(minPlayers int, seeder Seeder, clock clockwork.Clock) *Manager {
	if minPlayers < 2 {
		minPlayers = DefaultMinimum
	}
	if seeder == nil {
		seeder = RegistrationOrder{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		items:      make(map[string]*item),
		minPlayers: minPlayers,
		seeder:     seeder,
		clock:      clock,
	}
}

// SetListener registers the transition observer.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Manager) notify(t Tournament, change string) {
	m.mu.RLock()
	l := m.listener
	m.mu.RUnlock()

	metrics.RecordTournamentTransition(change)
	if l != nil {
		l.TournamentChanged(t, change)
	}
}

// Create registers a new waiting tournament with its owner as first player.
func (m *Manager) Create(owner, name string, maxPlayers int) (Tournament, error) {
	name = strings.TrimSpace(name)
	switch {
	case owner == "":
		return Tournament{}, apperror.Validation("owner is required")
	case name == "":
		return Tournament{}, apperror.Validation("name is required")
	case len(name) > maxNameLength:
		return Tournament{}, apperror.Validation("name must be at most %d characters", maxNameLength)
	case maxPlayers < MinMaxPlayers || maxPlayers > MaxMaxPlayers:
		return Tournament{}, apperror.Validation("maxPlayers must be between %d and %d", MinMaxPlayers, MaxMaxPlayers)
	}

	it := &item{t: Tournament{
		ID:         uuid.NewString(),
		Name:       name,
		Owner:      owner,
		Status:     StatusWaiting,
		Players:    []string{owner},
		MaxPlayers: maxPlayers,
		CreatedAt:  m.clock.Now(),
	}}

	m.mu.Lock()
	m.items[it.t.ID] = it
	m.mu.Unlock()

	snap := it.snapshot()
	log.Printf("🏆 Tournament %s (%s) created by %s", snap.ID, snap.Name, owner)
	m.notify(snap, ChangeCreated)
	return snap, nil
}

// lock fetches and locks the tournament. The caller must unlock it.
func (m *Manager) lock(id string) (*item, error) {
	m.mu.RLock()
	it, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperror.NotFound("tournament %s not found", id)
	}

	it.mu.Lock()
	if it.deleted {
		it.mu.Unlock()
		return nil, apperror.NotFound("tournament %s not found", id)
	}
	return it, nil
}

// Get returns a snapshot of the tournament.
func (m *Manager) Get(id string) (Tournament, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}
	defer it.mu.Unlock()
	return it.snapshot(), nil
}

// List returns every tournament, optionally filtered by status.
func (m *Manager) List(status Status) []Tournament {
	m.mu.RLock()
	items := make([]*item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, it)
	}
	m.mu.RUnlock()

	out := make([]Tournament, 0, len(items))
	for _, it := range items {
		it.mu.Lock()
		if !it.deleted && (status == "" || it.t.Status == status) {
			out = append(out, it.snapshot())
		}
		it.mu.Unlock()
	}
	sortByCreation(out)
	return out
}

// Join registers userID in a waiting tournament.
func (m *Manager) Join(id, userID string) (Tournament, error) {
	if userID == "" {
		return Tournament{}, apperror.Validation("user id is required")
	}
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}

	if it.t.Status != StatusWaiting {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeTournamentStarted, "tournament is %s", it.t.Status)
	}
	if it.t.HasPlayer(userID) {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeAlreadyJoined, "already registered")
	}
	if len(it.t.Players) >= it.t.MaxPlayers {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeTournamentFull, "tournament is full (%d players)", it.t.MaxPlayers)
	}

	it.t.Players = append(it.t.Players, userID)
	snap := it.snapshot()
	it.mu.Unlock()

	m.notify(snap, ChangeJoined)
	return snap, nil
}

// Leave unregisters userID from a waiting tournament. When the last player
// leaves the tournament is deleted. The returned bool reports deletion.
func (m *Manager) Leave(id, userID string) (Tournament, bool, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, false, err
	}

	idx := -1
	for i, p := range it.t.Players {
		if p == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		it.mu.Unlock()
		return Tournament{}, false, apperror.Conflict(apperror.CodeNotInTournament, "not registered in tournament")
	}
	if it.t.Status != StatusWaiting {
		it.mu.Unlock()
		return Tournament{}, false, apperror.Conflict(apperror.CodeTournamentStarted, "cannot leave a tournament that is %s", it.t.Status)
	}

	it.t.Players = append(it.t.Players[:idx], it.t.Players[idx+1:]...)
	if it.t.Owner == userID && len(it.t.Players) > 0 {
		it.t.Owner = it.t.Players[0]
	}
	deleted := len(it.t.Players) == 0
	if deleted {
		it.deleted = true
	}
	snap := it.snapshot()
	it.mu.Unlock()

	if deleted {
		m.mu.Lock()
		delete(m.items, id)
		m.mu.Unlock()
		log.Printf("🏆 Tournament %s deleted: last player left", id)
		m.notify(snap, ChangeDeleted)
		return snap, true, nil
	}

	m.notify(snap, ChangeLeft)
	return snap, false, nil
}

// Start builds the bracket and moves the tournament to in_progress. Only a
// registered player may start it.
func (m *Manager) Start(id, requester string) (Tournament, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}

	if !it.t.HasPlayer(requester) {
		it.mu.Unlock()
		return Tournament{}, apperror.Forbidden("only registered players can start the tournament")
	}
	if it.t.Status != StatusWaiting {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeTournamentStarted, "tournament is %s", it.t.Status)
	}
	if len(it.t.Players) < m.minPlayers {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeNotEnoughPlayers, "need at least %d players, have %d", m.minPlayers, len(it.t.Players))
	}

	now := m.clock.Now()
	it.t.Bracket = NewBracket(m.seeder.Order(it.t.Players))
	it.t.Status = StatusInProgress
	it.t.StartedAt = &now
	snap := it.snapshot()
	it.mu.Unlock()

	log.Printf("🏆 Tournament %s started with %d players", id, len(snap.Players))
	m.notify(snap, ChangeStarted)
	return snap, nil
}

// ReportResult records the winner of a bracket match. Deciding the final
// completes the tournament.
func (m *Manager) ReportResult(id, matchID, winner string) (Tournament, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}

	if it.t.Status != StatusInProgress || it.t.Bracket == nil {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeInvalidTransition, "tournament is %s", it.t.Status)
	}
	r, i, ok := it.t.Bracket.Find(matchID)
	if !ok {
		it.mu.Unlock()
		return Tournament{}, apperror.NotFound("match %s not found", matchID)
	}
	match := it.t.Bracket.Rounds[r][i]
	if match.Winner != "" {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeInvalidTransition, "match %s already decided", matchID)
	}
	if match.PlayerA == "" || match.PlayerB == "" {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeInvalidTransition, "match %s is not ready", matchID)
	}
	if winner != match.PlayerA && winner != match.PlayerB {
		it.mu.Unlock()
		return Tournament{}, apperror.Validation("%s did not play match %s", winner, matchID)
	}

	it.t.Bracket.decide(r, i, winner)
	change := ChangeResult
	if champion := it.t.Bracket.Champion(); champion != "" {
		m.completeLocked(it, champion)
		change = ChangeCompleted
	}
	snap := it.snapshot()
	it.mu.Unlock()

	m.notify(snap, change)
	return snap, nil
}

// Complete ends an in-progress tournament. The winner is set when the final
// has been decided.
func (m *Manager) Complete(id string) (Tournament, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}
	if it.t.Status != StatusInProgress {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeInvalidTransition, "cannot complete a tournament that is %s", it.t.Status)
	}
	m.completeLocked(it, it.t.Bracket.Champion())
	snap := it.snapshot()
	it.mu.Unlock()

	m.notify(snap, ChangeCompleted)
	return snap, nil
}

func (m *Manager) completeLocked(it *item, winner string) {
	now := m.clock.Now()
	it.t.Status = StatusCompleted
	it.t.Winner = winner
	it.t.CompletedAt = &now
	log.Printf("🏆 Tournament %s completed (winner %q)", it.t.ID, winner)
}

// Cancel ends an in-progress tournament without a winner.
func (m *Manager) Cancel(id string) (Tournament, error) {
	it, err := m.lock(id)
	if err != nil {
		return Tournament{}, err
	}
	if it.t.Status != StatusInProgress {
		it.mu.Unlock()
		return Tournament{}, apperror.Conflict(apperror.CodeInvalidTransition, "cannot cancel a tournament that is %s", it.t.Status)
	}
	now := m.clock.Now()
	it.t.Status = StatusCancelled
	it.t.CompletedAt = &now
	snap := it.snapshot()
	it.mu.Unlock()

	log.Printf("🏆 Tournament %s cancelled", id)
	m.notify(snap, ChangeCancelled)
	return snap, nil
}

// Count returns the number of live tournaments.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func sortByCreation(ts []Tournament) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].CreatedAt.Before(ts[j].CreatedAt) })
}
