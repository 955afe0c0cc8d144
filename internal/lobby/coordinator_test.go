package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-server/internal/apperror"
	"match-server/internal/games"
	"match-server/internal/pending"
	"match-server/internal/protocol"
	"match-server/internal/stream"
	"match-server/internal/tournament"
	"match-server/internal/worker"
)

type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) Send(e protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) last(name string) (protocol.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Name == name {
			return c.events[i], true
		}
	}
	return protocol.Event{}, false
}

type fixture struct {
	clock   *clockwork.FakeClock
	games   *games.Registry
	pool    *worker.Pool
	tokens  *pending.Registry
	streams *stream.Manager
	lobby   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{clock: clock}
	f.games = games.NewRegistry(4, clock)
	f.pool = worker.NewPool(worker.Config{Workers: 2, TickRate: 10, StartTimeout: time.Second},
		worker.NewArenaSimulator(1000), f.games, clock)
	f.tokens = pending.NewRegistry(5*time.Minute, clock)
	f.streams = stream.NewManager(stream.Config{MaxPerUser: 2, MaxTotal: 20}, clock)
	f.lobby = New(Deps{Games: f.games, Pool: f.pool, Tokens: f.tokens, Streams: f.streams})
	f.pool.Start()
	t.Cleanup(f.pool.Stop)
	return f
}

func (f *fixture) stream(t *testing.T, userID string) *fakeConn {
	t.Helper()
	c := newFakeConn()
	_, err := f.streams.Add(userID, c, "")
	require.NoError(t, err)
	return c
}

func (f *fixture) bind(t *testing.T, ticket JoinTicket) *fakeConn {
	t.Helper()
	conn, _, err := f.lobby.Redeem(ticket.Token)
	require.NoError(t, err)
	ch := newFakeConn()
	require.NoError(t, f.lobby.Bind(conn, ch))
	return ch
}

func TestCreateIssueRedeemRoundTrip(t *testing.T) {
	f := newFixture(t)

	ticket, err := f.lobby.CreateGame(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, games.StatusWaiting, ticket.Game.Status)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), ticket.ExpiresAt)

	idx, ok := f.pool.Owner(ticket.Game.ID)
	require.True(t, ok)
	assert.Equal(t, idx, ticket.Game.WorkerIndex)

	conn, g, err := f.lobby.Redeem(ticket.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.UserID)
	assert.Equal(t, ticket.Game.ID, g.ID)

	_, _, err = f.lobby.Redeem(ticket.Token)
	assert.True(t, errors.Is(err, apperror.ErrInvalidOrExpired))
}

func TestJoinAndStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceStream := f.stream(t, "alice")

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	joined, err := f.lobby.JoinByCode(ctx, "bob", host.Game.Code)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, joined.Game.Participants)

	ev, ok := aliceStream.last(protocol.EventGameJoined)
	require.True(t, ok)
	assert.Equal(t, host.Game.ID, ev.Data.(map[string]interface{})["gameId"])

	_, err = f.lobby.CreateGame(ctx, "bob")
	assert.True(t, errors.Is(err, apperror.ErrAlreadyInGame))

	rejoin, err := f.lobby.JoinGame(ctx, "bob", host.Game.ID)
	require.NoError(t, err, "participants can fetch a fresh token")
	assert.NotEqual(t, joined.Token, rejoin.Token)

	_, err = f.lobby.StartGame(ctx, "bob", host.Game.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	g, err := f.lobby.StartGame(ctx, "alice", host.Game.ID)
	require.NoError(t, err)
	assert.Equal(t, games.StatusActive, g.Status)
	_, ok = aliceStream.last(protocol.EventGameStarted)
	assert.True(t, ok)

	_, err = f.lobby.StartGame(ctx, "alice", host.Game.ID)
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))

	_, err = f.lobby.JoinGame(ctx, "carol", host.Game.ID)
	assert.Equal(t, apperror.CodeGameNotJoinable, apperror.Body(err).Error)
}

func TestPauseResumeAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	ch := f.bind(t, host)
	id := host.Game.ID

	_, err = f.lobby.PauseGame(ctx, "alice", id)
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition), "waiting games cannot pause")

	_, err = f.lobby.StartGame(ctx, "alice", id)
	require.NoError(t, err)

	g, err := f.lobby.PauseGame(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, games.StatusPaused, g.Status)
	_, ok := ch.last(protocol.EventGamePaused)
	assert.True(t, ok)

	_, err = f.lobby.PauseGame(ctx, "mallory", id)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	g, err = f.lobby.ResumeGame(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, games.StatusActive, g.Status)

	g, err = f.lobby.AbortGame(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, protocol.EndAborted, g.EndReason)

	ev, ok := ch.last(protocol.EventGameEnded)
	require.True(t, ok)
	assert.Equal(t, protocol.EndAborted, ev.Data.(protocol.GameEnded).Reason)
	assert.True(t, ch.closed())
	assert.False(t, f.games.IsUserInGame("alice"))
	_, owned := f.pool.Owner(id)
	assert.False(t, owned)
}

func TestPauseRouteFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	ch := f.bind(t, host)
	id := host.Game.ID
	_, err = f.lobby.StartGame(ctx, "alice", id)
	require.NoError(t, err)

	_, err = f.lobby.ResumeGame(ctx, "alice", id)
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition), "active games cannot resume")

	f.pool.Release(id)
	_, err = f.lobby.PauseGame(ctx, "alice", id)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	g, err := f.games.Get(id)
	require.NoError(t, err)
	assert.Equal(t, games.StatusActive, g.Status)
	_, ok := ch.last(protocol.EventGamePaused)
	assert.False(t, ok)
}

func TestWorkerOutputFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	guest, err := f.lobby.JoinGame(ctx, "bob", host.Game.ID)
	require.NoError(t, err)
	ch := f.bind(t, host)
	bobStream := f.stream(t, "bob")

	// An unredeemed token for a third participant is revoked at game end.
	_, err = f.lobby.JoinGame(ctx, "carol", host.Game.ID)
	require.NoError(t, err)
	_ = guest

	f.lobby.Deliver(worker.Output{Kind: worker.OutputState, GameID: host.Game.ID,
		State: protocol.GameState{GameID: host.Game.ID, Tick: 7}})
	ev, ok := ch.last(protocol.EventGameState)
	require.True(t, ok)
	assert.Equal(t, uint64(7), ev.Data.(protocol.GameState).Tick)

	_, err = f.lobby.StartGame(ctx, "alice", host.Game.ID)
	require.NoError(t, err)

	f.lobby.Deliver(worker.Output{Kind: worker.OutputEnded, GameID: host.Game.ID,
		Ended: protocol.GameEnded{GameID: host.Game.ID, Reason: protocol.EndFinished, Scores: map[string]int{"alice": 3}}})

	ev, ok = bobStream.last(protocol.EventGameEnded)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"alice": 3}, ev.Data.(protocol.GameEnded).Scores)
	assert.True(t, ch.closed())
	assert.Equal(t, 0, f.tokens.Len())

	_, err = f.games.Get(host.Game.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestWorkerCrashEndsGamesAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceStream := f.stream(t, "alice")

	ticket, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	_, err = f.lobby.StartGame(ctx, "alice", ticket.Game.ID)
	require.NoError(t, err)

	f.pool.Kill(ticket.Game.WorkerIndex)

	ev, ok := aliceStream.last(protocol.EventGameEnded)
	require.True(t, ok)
	assert.Equal(t, protocol.EndWorkerCrash, ev.Data.(protocol.GameEnded).Reason)

	err = f.pool.Route(ctx, protocol.Control{GameID: ticket.Game.ID, Action: protocol.ActionPause})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
	assert.False(t, f.games.IsUserInGame("alice"))
}

func TestLastChannelDisconnectLeavesWaitingGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	guest, err := f.lobby.JoinGame(ctx, "bob", host.Game.ID)
	require.NoError(t, err)

	aliceCh := f.bind(t, host)
	bobCh := f.bind(t, guest)

	_ = bobCh.Close()
	assert.Eventually(t, func() bool {
		g, err := f.games.Get(host.Game.ID)
		return err == nil && len(g.Participants) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.games.IsUserInGame("bob"))

	_ = aliceCh.Close()
	assert.Eventually(t, func() bool {
		_, err := f.games.Get(host.Game.ID)
		return errors.Is(err, apperror.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, owned := f.pool.Owner(host.Game.ID)
		return !owned
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	_, err = f.lobby.JoinGame(ctx, "bob", host.Game.ID)
	require.NoError(t, err)

	require.NoError(t, f.lobby.LeaveGame(ctx, "alice", host.Game.ID))
	g, err := f.games.Get(host.Game.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", g.Host)

	err = f.lobby.LeaveGame(ctx, "alice", host.Game.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	require.NoError(t, f.lobby.LeaveGame(ctx, "bob", host.Game.ID))
	_, err = f.games.Get(host.Game.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestHandleAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	id := host.Game.ID

	reply, err := f.lobby.HandleAction(ctx, "alice", id, protocol.ClientMessage{Action: "ping"})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.EventPong, reply.Name)

	_, err = f.lobby.HandleAction(ctx, "alice", id, protocol.ClientMessage{Action: "fly"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.lobby.HandleAction(ctx, "alice", id, protocol.ClientMessage{Action: "move", DX: 1})
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))

	_, err = f.lobby.HandleAction(ctx, "alice", id, protocol.ClientMessage{Action: "start"})
	require.NoError(t, err)
	_, err = f.lobby.HandleAction(ctx, "alice", id, protocol.ClientMessage{Action: "move", DX: 1})
	assert.NoError(t, err)
}

func TestEndIdleSkipsConnectedGames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	busy, err := f.lobby.CreateGame(ctx, "alice")
	require.NoError(t, err)
	f.bind(t, busy)
	idle, err := f.lobby.CreateGame(ctx, "bob")
	require.NoError(t, err)

	assert.False(t, f.lobby.EndIdle(busy.Game.ID))
	assert.True(t, f.lobby.EndIdle(idle.Game.ID))
	assert.False(t, f.lobby.EndIdle(idle.Game.ID))
	assert.Equal(t, 1, f.lobby.Stats().Games)
}

func TestTournamentChangesReachPlayers(t *testing.T) {
	f := newFixture(t)
	aliceStream := f.stream(t, "alice")
	mgr := tournament.NewManager(2, nil, f.clock)
	mgr.SetListener(f.lobby)

	tr, err := mgr.Create("alice", "Friday cup", 4)
	require.NoError(t, err)
	_, err = mgr.Join(tr.ID, "bob")
	require.NoError(t, err)

	ev, ok := aliceStream.last(protocol.EventTournament)
	require.True(t, ok)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, tournament.ChangeJoined, data["change"])
}
