// Package lobby coordinates the game lifecycle across the registries: it
// creates and joins games, hands out single-use channel tokens, drives the
// worker pool and fans worker output out to bound game channels and stream
// clients.
package lobby

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/events"
	"match-server/internal/games"
	"match-server/internal/metrics"
	"match-server/internal/pending"
	"match-server/internal/profile"
	"match-server/internal/protocol"
	"match-server/internal/stream"
	"match-server/internal/tournament"
	"match-server/internal/worker"
)

// Pusher delivers events to a user's stream clients. *stream.Manager implements it.
type Pusher interface {
	Push(userID string, event protocol.Event) int
}

// Deps are the collaborators of a Coordinator. Events and Profiles may be nil.
type Deps struct {
	Games    *games.Registry
	Pool     *worker.Pool
	Tokens   *pending.Registry
	Streams  Pusher
	Events   events.Publisher
	Profiles profile.Resolver
}

// JoinTicket is returned by create and join. The token opens the game channel.
type JoinTicket struct {
	Game      games.Game `json:"game"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// GameView is a game snapshot with participant display info.
type GameView struct {
	games.Game
	Players []profile.Info `json:"players"`
}

// Coordinator implements the lobby operations.
type Coordinator struct {
	games    *games.Registry
	pool     *worker.Pool
	tokens   *pending.Registry
	streams  Pusher
	events   events.Publisher
	profiles profile.Resolver

	mu   sync.Mutex
	hubs map[string]*Hub
}

var (
	_ worker.Sink         = (*Coordinator)(nil)
	_ worker.Notifier     = (*Coordinator)(nil)
	_ tournament.Listener = (*Coordinator)(nil)
)

// New builds a coordinator and attaches it to the pool as sink and notifier.
func New(d Deps) *Coordinator {
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	c := &Coordinator{
		games:    d.Games,
		pool:     d.Pool,
		tokens:   d.Tokens,
		streams:  d.Streams,
		events:   d.Events,
		profiles: d.Profiles,
		hubs:     make(map[string]*Hub),
	}
	d.Pool.Attach(c, c)
	return c
}

// CreateGame registers a game hosted by userID, assigns it a worker and
// issues the host's channel token.
func (c *Coordinator) CreateGame(ctx context.Context, userID string) (JoinTicket, error) {
	g, err := c.games.Create(userID)
	if err != nil {
		return JoinTicket{}, err
	}

	idx, err := c.pool.Assign(g.ID)
	if err != nil {
		c.endGame(g.ID, protocol.EndAbandoned, nil)
		return JoinTicket{}, err
	}
	if err := c.games.SetWorker(g.ID, idx); err != nil {
		c.pool.Release(g.ID)
		return JoinTicket{}, err
	}
	g.WorkerIndex = idx

	ticket, err := c.issue(g, userID)
	if err != nil {
		c.endGame(g.ID, protocol.EndAbandoned, nil)
		return JoinTicket{}, err
	}

	log.Printf("🎮 Game %s (%s) created by %s on worker %d", g.ID, g.Code, userID, idx)
	c.events.Publish(events.GameSubject("created"), g)
	return ticket, nil
}

// JoinByCode joins the waiting game with the given join code.
func (c *Coordinator) JoinByCode(ctx context.Context, userID, code string) (JoinTicket, error) {
	g, err := c.games.FindByCode(code)
	if err != nil {
		return JoinTicket{}, err
	}
	return c.JoinGame(ctx, userID, g.ID)
}

// JoinGame adds userID to a waiting game and issues a channel token. A
// participant rejoining the same game only gets a fresh token.
func (c *Coordinator) JoinGame(ctx context.Context, userID, gameID string) (JoinTicket, error) {
	g, err := c.games.Get(gameID)
	if err != nil {
		return JoinTicket{}, err
	}
	if g.HasParticipant(userID) {
		return c.issue(g, userID)
	}

	g, err = c.games.AddParticipant(gameID, userID)
	if err != nil {
		return JoinTicket{}, err
	}
	ticket, err := c.issue(g, userID)
	if err != nil {
		return JoinTicket{}, err
	}

	joined := protocol.Event{Name: protocol.EventGameJoined, Data: map[string]interface{}{
		"gameId": g.ID,
		"player": profile.Lookup(ctx, c.profiles, userID),
	}}
	c.broadcast(g.ID, joined)
	c.pushTo(g.Participants, userID, joined)
	log.Printf("🎮 %s joined game %s (%d players)", userID, g.ID, len(g.Participants))
	return ticket, nil
}

func (c *Coordinator) issue(g games.Game, userID string) (JoinTicket, error) {
	conn, err := c.tokens.Issue(userID, g.ID)
	if err != nil {
		return JoinTicket{}, err
	}
	return JoinTicket{Game: g, Token: conn.Token, ExpiresAt: conn.ExpiresAt}, nil
}

// View returns the game with participant display info. Only participants may look.
func (c *Coordinator) View(ctx context.Context, userID, gameID string) (GameView, error) {
	g, err := c.participantGame(userID, gameID)
	if err != nil {
		return GameView{}, err
	}
	return GameView{Game: g, Players: profile.LookupAll(ctx, c.profiles, g.Participants)}, nil
}

// StartGame starts a waiting game. Only the host may start it. The call
// returns once the owning worker acknowledged the start; a timeout is
// retryable and leaves the game waiting on its worker.
func (c *Coordinator) StartGame(ctx context.Context, userID, gameID string) (games.Game, error) {
	g, err := c.games.Get(gameID)
	if err != nil {
		return games.Game{}, err
	}
	if g.Host != userID {
		return games.Game{}, apperror.Forbidden("only the host can start the game")
	}
	if g.Status != games.StatusWaiting {
		return games.Game{}, apperror.Conflict(apperror.CodeInvalidTransition, "game is %s", g.Status)
	}

	err = c.pool.Route(ctx, protocol.Control{
		GameID:  gameID,
		Action:  protocol.ActionStart,
		Players: g.Participants,
	})
	if err != nil {
		return games.Game{}, err
	}

	g, err = c.games.Transition(gameID, games.StatusActive, "")
	if err != nil {
		return games.Game{}, err
	}

	c.announce(g, protocol.Event{Name: protocol.EventGameStarted, Data: g})
	c.events.Publish(events.GameSubject("started"), g)
	log.Printf("🎮 Game %s started with %d players", g.ID, len(g.Participants))
	return g, nil
}

// PauseGame pauses an active game.
func (c *Coordinator) PauseGame(ctx context.Context, userID, gameID string) (games.Game, error) {
	return c.toggle(ctx, userID, gameID, games.StatusPaused, protocol.ActionPause, protocol.EventGamePaused)
}

// ResumeGame resumes a paused game.
func (c *Coordinator) ResumeGame(ctx context.Context, userID, gameID string) (games.Game, error) {
	return c.toggle(ctx, userID, gameID, games.StatusActive, protocol.ActionResume, protocol.EventGameResumed)
}

func (c *Coordinator) toggle(ctx context.Context, userID, gameID string, to games.Status, action protocol.Action, event string) (games.Game, error) {
	g, err := c.participantGame(userID, gameID)
	if err != nil {
		return games.Game{}, err
	}
	from := games.StatusActive
	if to == games.StatusActive {
		from = games.StatusPaused
	}
	if g.Status != from {
		return games.Game{}, apperror.Conflict(apperror.CodeInvalidTransition, "game is %s", g.Status)
	}

	// The worker is told first so a failed route leaves both sides unchanged.
	if err := c.pool.Route(ctx, protocol.Control{GameID: gameID, Action: action}); err != nil {
		return games.Game{}, err
	}
	g, err = c.games.Transition(gameID, to, "")
	if err != nil {
		return games.Game{}, err
	}

	c.broadcast(gameID, protocol.Event{Name: event, Data: g})
	c.events.Publish(events.GameSubject(string(action)), g)
	return g, nil
}

// AbortGame ends a game immediately. Only the host may abort.
func (c *Coordinator) AbortGame(ctx context.Context, userID, gameID string) (games.Game, error) {
	g, err := c.games.Get(gameID)
	if err != nil {
		return games.Game{}, err
	}
	if g.Host != userID {
		return games.Game{}, apperror.Forbidden("only the host can abort the game")
	}

	if err := c.pool.Route(ctx, protocol.Control{GameID: gameID, Action: protocol.ActionAbort}); err != nil &&
		!errors.Is(err, apperror.ErrNotFound) {
		return games.Game{}, err
	}

	ended, ok := c.endGame(gameID, protocol.EndAborted, nil)
	if !ok {
		return games.Game{}, apperror.NotFound("game %s not found", gameID)
	}
	return ended, nil
}

// LeaveGame removes userID from a waiting game. The last player leaving
// ends the game.
func (c *Coordinator) LeaveGame(ctx context.Context, userID, gameID string) error {
	g, evicted, err := c.games.RemoveParticipant(gameID, userID)
	if err != nil {
		return err
	}

	if hub := c.existingHub(gameID); hub != nil {
		hub.Kick(userID)
	}
	if evicted {
		c.cleanup(g, protocol.EndAbandoned, nil)
		return nil
	}

	left := protocol.Event{Name: protocol.EventGameLeft, Data: map[string]string{
		"gameId": g.ID,
		"userId": userID,
		"host":   g.Host,
	}}
	c.broadcast(g.ID, left)
	c.pushTo(g.Participants, "", left)
	log.Printf("🎮 %s left game %s", userID, g.ID)
	return nil
}

// Redeem consumes a channel token and returns the game it opens.
func (c *Coordinator) Redeem(token string) (pending.Connection, games.Game, error) {
	conn, err := c.tokens.Redeem(token)
	if err != nil {
		return pending.Connection{}, games.Game{}, err
	}
	g, err := c.games.Get(conn.GameID)
	if err != nil {
		return pending.Connection{}, games.Game{}, err
	}
	if !g.HasParticipant(conn.UserID) {
		return pending.Connection{}, games.Game{}, apperror.Forbidden("user is no longer in game %s", g.ID)
	}
	return conn, g, nil
}

// Bind attaches a redeemed game channel. The channel receives game:bound
// and every later game event until it closes or the game ends.
func (c *Coordinator) Bind(conn pending.Connection, ch stream.Conn) error {
	g, err := c.games.Get(conn.GameID)
	if err != nil {
		return err
	}

	hub := c.hub(conn.GameID)
	b, ok := hub.add(conn.UserID, ch)
	if !ok {
		return apperror.NotFound("game %s has ended", conn.GameID)
	}
	// The game may have ended between the lookup and the hub insert.
	if _, err := c.games.Get(conn.GameID); err != nil {
		hub.remove(b)
		c.dropHub(conn.GameID, hub)
		return err
	}
	metrics.SetGameChannels(c.channelCount())

	_ = ch.Send(protocol.Event{Name: protocol.EventGameBound, Data: map[string]interface{}{
		"game":   g,
		"userId": conn.UserID,
	}})
	log.Printf("🎟️ %s bound to game %s", conn.UserID, conn.GameID)

	go func() {
		<-ch.Done()
		c.unbind(conn.GameID, hub, b)
	}()
	return nil
}

func (c *Coordinator) unbind(gameID string, hub *Hub, b *binding) {
	removed, stillBound := hub.remove(b)
	if !removed {
		return
	}
	metrics.SetGameChannels(c.channelCount())
	if stillBound {
		return
	}

	g, err := c.games.Get(gameID)
	if err != nil || g.Status != games.StatusWaiting || !g.HasParticipant(b.userID) {
		return
	}
	log.Printf("🎮 %s disconnected from waiting game %s", b.userID, gameID)
	if err := c.LeaveGame(context.Background(), b.userID, gameID); err != nil {
		log.Printf("⚠️ Could not remove %s from game %s: %v", b.userID, gameID, err)
	}
}

// HandleAction applies one inbound game channel message. The returned event,
// if any, is a direct reply for the sending channel.
func (c *Coordinator) HandleAction(ctx context.Context, userID, gameID string, msg protocol.ClientMessage) (*protocol.Event, error) {
	action, err := protocol.ParseAction(msg.Action)
	if err != nil {
		return nil, apperror.Validation("%v", err)
	}

	switch action {
	case protocol.ActionPing:
		return &protocol.Event{Name: protocol.EventPong}, nil
	case protocol.ActionStart:
		_, err = c.StartGame(ctx, userID, gameID)
	case protocol.ActionPause:
		_, err = c.PauseGame(ctx, userID, gameID)
	case protocol.ActionResume:
		_, err = c.ResumeGame(ctx, userID, gameID)
	case protocol.ActionAbort:
		_, err = c.AbortGame(ctx, userID, gameID)
	case protocol.ActionMove:
		err = c.move(ctx, userID, gameID, msg)
	}
	return nil, err
}

func (c *Coordinator) move(ctx context.Context, userID, gameID string, msg protocol.ClientMessage) error {
	g, err := c.participantGame(userID, gameID)
	if err != nil {
		return err
	}
	if g.Status != games.StatusActive {
		return apperror.Conflict(apperror.CodeInvalidTransition, "game is %s", g.Status)
	}
	return c.pool.Route(ctx, protocol.Control{
		GameID: gameID,
		Action: protocol.ActionMove,
		Move:   &protocol.Move{UserID: userID, DX: msg.DX, DY: msg.DY},
	})
}

// Deliver receives worker output on the pool's dispatcher goroutine.
func (c *Coordinator) Deliver(o worker.Output) {
	switch o.Kind {
	case worker.OutputState:
		c.broadcast(o.GameID, protocol.Event{Name: protocol.EventGameState, Data: o.State})
	case worker.OutputEnded:
		c.endGame(o.GameID, o.Ended.Reason, o.Ended.Scores)
	}
}

// WorkerCrashed ends the games a failed worker owned. The registry has
// already marked them ended.
func (c *Coordinator) WorkerCrashed(index int, ended []games.Game) {
	log.Printf("⚠️ Worker %d crashed, notifying %d games", index, len(ended))
	for _, g := range ended {
		c.cleanup(g, protocol.EndWorkerCrash, nil)
	}
}

// TournamentChanged pushes tournament updates to registered players.
func (c *Coordinator) TournamentChanged(t tournament.Tournament, change string) {
	c.pushTo(t.Players, "", protocol.Event{Name: protocol.EventTournament, Data: map[string]interface{}{
		"change":     change,
		"tournament": t,
	}})
	c.events.Publish(events.TournamentSubject(change), t)
}

// endGame transitions gameID to ended and cleans up. It reports false when
// the game was already gone.
func (c *Coordinator) endGame(gameID, reason string, scores map[string]int) (games.Game, bool) {
	g, err := c.games.Transition(gameID, games.StatusEnded, reason)
	if err != nil {
		return games.Game{}, false
	}
	c.cleanup(g, reason, scores)
	return g, true
}

// cleanup releases everything held for an ended game and tells its players.
func (c *Coordinator) cleanup(g games.Game, reason string, scores map[string]int) {
	c.pool.Release(g.ID)
	revoked := c.tokens.Revoke(g.ID)

	final := protocol.Event{Name: protocol.EventGameEnded, Data: protocol.GameEnded{
		GameID: g.ID,
		Reason: reason,
		Scores: scores,
	}}

	c.mu.Lock()
	hub := c.hubs[g.ID]
	delete(c.hubs, g.ID)
	c.mu.Unlock()
	if hub != nil {
		hub.close(final)
	}
	metrics.SetGameChannels(c.channelCount())

	c.pushTo(g.Participants, "", final)
	c.events.Publish(events.GameSubject("ended"), map[string]interface{}{
		"game":   g,
		"reason": reason,
		"scores": scores,
	})
	log.Printf("🎮 Game %s ended (%s), %d tokens revoked", g.ID, reason, revoked)
}

// EndIdle ends a waiting game nobody is connected to. Used by the janitor.
func (c *Coordinator) EndIdle(gameID string) bool {
	if hub := c.existingHub(gameID); hub != nil && hub.Len() > 0 {
		return false
	}
	_, ok := c.endGame(gameID, protocol.EndIdle, nil)
	return ok
}

// Shutdown closes every game channel with a server:shutdown event.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	hubs := make([]*Hub, 0, len(c.hubs))
	for _, h := range c.hubs {
		hubs = append(hubs, h)
	}
	c.hubs = make(map[string]*Hub)
	c.mu.Unlock()

	for _, h := range hubs {
		h.close(protocol.Event{Name: protocol.EventShutdown})
	}
}

// Stats is the lobby part of /api/stats.
type Stats struct {
	Games         int `json:"games"`
	Channels      int `json:"channels"`
	PendingTokens int `json:"pendingTokens"`
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Games:         c.games.Count(),
		Channels:      c.channelCount(),
		PendingTokens: c.tokens.Len(),
	}
}

func (c *Coordinator) participantGame(userID, gameID string) (games.Game, error) {
	g, err := c.games.Get(gameID)
	if err != nil {
		return games.Game{}, err
	}
	if !g.HasParticipant(userID) {
		return games.Game{}, apperror.Forbidden("not a participant of game %s", gameID)
	}
	return g, nil
}

// announce sends event to the game's channels and its players' streams.
func (c *Coordinator) announce(g games.Game, event protocol.Event) {
	c.broadcast(g.ID, event)
	c.pushTo(g.Participants, "", event)
}

func (c *Coordinator) broadcast(gameID string, event protocol.Event) {
	if hub := c.existingHub(gameID); hub != nil {
		hub.Broadcast(event)
	}
}

func (c *Coordinator) pushTo(userIDs []string, except string, event protocol.Event) {
	if c.streams == nil {
		return
	}
	for _, id := range userIDs {
		if id != except {
			c.streams.Push(id, event)
		}
	}
}

func (c *Coordinator) hub(gameID string) *Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hubs[gameID]
	if !ok {
		h = newHub(gameID)
		c.hubs[gameID] = h
	}
	return h
}

func (c *Coordinator) dropHub(gameID string, h *Hub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hubs[gameID] == h && h.Len() == 0 {
		delete(c.hubs, gameID)
	}
}

func (c *Coordinator) existingHub(gameID string) *Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubs[gameID]
}

func (c *Coordinator) channelCount() int {
	c.mu.Lock()
	hubs := make([]*Hub, 0, len(c.hubs))
	for _, h := range c.hubs {
		hubs = append(hubs, h)
	}
	c.mu.Unlock()

	n := 0
	for _, h := range hubs {
		n += h.Len()
	}
	return n
}
