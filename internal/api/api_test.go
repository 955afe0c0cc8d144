package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-server/internal/auth"
	"match-server/internal/chat"
	"match-server/internal/games"
	"match-server/internal/lobby"
	"match-server/internal/pending"
	"match-server/internal/protocol"
	"match-server/internal/ratelimit"
	"match-server/internal/stream"
	"match-server/internal/tournament"
	"match-server/internal/worker"
)

// ============================================================================
// Test server
// ============================================================================

type testServer struct {
	*httptest.Server
	lobby       *lobby.Coordinator
	tournaments *tournament.Manager
}

type serverOptions struct {
	limits  *ratelimit.Registry
	streams stream.Config
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	registry := games.NewRegistry(4, nil)
	pool := worker.NewPool(worker.Config{Workers: 2, TickRate: 20, StartTimeout: 2 * time.Second},
		worker.NewArenaSimulator(100000), registry, nil)
	if opts.streams.MaxPerUser == 0 {
		opts.streams = stream.Config{MaxPerUser: 2, MaxTotal: 10}
	}
	streams := stream.NewManager(opts.streams, nil)
	coordinator := lobby.New(lobby.Deps{
		Games:   registry,
		Pool:    pool,
		Tokens:  pending.NewRegistry(time.Minute, nil),
		Streams: streams,
	})
	tournaments := tournament.NewManager(2, nil, nil)
	tournaments.SetListener(coordinator)

	limits := opts.limits
	if limits == nil {
		limits = ratelimit.NewRegistry()
	}
	queue := chat.NewDeliveryQueue(streams, chat.DefaultQueueConfig())
	queue.Start()

	pool.Start()
	router := NewRouter(RouterConfig{
		Lobby:          coordinator,
		Tournaments:    tournaments,
		Chat:           chat.NewHandler(registry, tournaments, limits, nil, queue, nil),
		Streams:        streams,
		Pool:           pool,
		ChatQueue:      queue,
		Auth:           auth.Header{},
		Limits:         limits,
		DisableLogging: true,
	})
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ts.Close()
		streams.Close()
		coordinator.Shutdown()
		pool.Stop()
		queue.Stop()
		limits.Stop()
	})
	return &testServer{Server: ts, lobby: coordinator, tournaments: tournaments}
}

func (s *testServer) do(t *testing.T, method, path, user, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *testServer) createGame(t *testing.T, host string) (gameID, token string) {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/games", host, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	game := body["game"].(map[string]interface{})
	return game["id"].(string), body["token"].(string)
}

func readEvent(t *testing.T, ws *websocket.Conn, name string) protocol.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev struct {
			Name string          `json:"event"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, ws.ReadJSON(&ev))
		if ev.Name == name {
			var data interface{}
			_ = json.Unmarshal(ev.Data, &data)
			return protocol.Event{Name: ev.Name, Data: data}
		}
	}
}

// ============================================================================
// Router Tests
// ============================================================================

// TestNewRouterHasNoSideEffects verifies that NewRouter is a pure function
// with no goroutines started and no network listeners opened.
func TestNewRouterHasNoSideEffects(t *testing.T) {
	router := NewRouter(RouterConfig{DisableLogging: true})
	require.NotNil(t, router)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, body := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, body := ts.do(t, http.MethodPost, "/api/games", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])
}

// ============================================================================
// Game Tests
// ============================================================================

func TestGameLifecycle(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, token := ts.createGame(t, "alice")
	assert.NotEmpty(t, token)

	// Bob joins by id; joining twice only refreshes the token.
	resp, body := ts.do(t, http.MethodPost, "/api/games/join", "bob", `{"gameId":"`+gameID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, _ = ts.do(t, http.MethodPost, "/api/games/join", "bob", `{"gameId":"`+gameID+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/games/"+gameID, "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["participants"], 2)

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/start", "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/start", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(games.StatusActive), body["status"])

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/start", "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/pause", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(games.StatusPaused), body["status"])

	resp, _ = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/resume", "bob", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/abort", "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/abort", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(games.StatusEnded), body["status"])

	resp, _ = ts.do(t, http.MethodGet, "/api/games/"+gameID, "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJoinGameValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing code and id", `{}`, http.StatusBadRequest, "invalid_request"},
		{"invalid json", `{invalid}`, http.StatusBadRequest, "invalid_request"},
		{"unknown code", `{"code":"ZZZZZZ"}`, http.StatusNotFound, "not_found"},
		{"unknown id", `{"gameId":"nope"}`, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/games/join", "bob", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestJoinByCodeAndLeave(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, _ := ts.createGame(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/api/games/"+gameID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := body["code"].(string)

	resp, body = ts.do(t, http.MethodPost, "/api/games/join", "bob", `{"code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, _ = ts.do(t, http.MethodGet, "/api/games/"+gameID, "carol", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/games/"+gameID+"/leave", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["left"])
}

// ============================================================================
// Game Channel Tests
// ============================================================================

func TestGameChannelTokenIsSingleUse(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, token := ts.createGame(t, "alice")

	ws, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	bound := readEvent(t, ws, protocol.EventGameBound)
	data := bound.Data.(map[string]interface{})
	assert.Equal(t, "alice", data["userId"])
	assert.Equal(t, gameID, data["game"].(map[string]interface{})["id"])

	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGameChannelPlainGETKeepsTokenAndGame(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, token := ts.createGame(t, "alice")

	resp, err := http.Get(ts.URL + "/api/games/ws?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/api/games/"+gameID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(games.StatusWaiting), body["status"])

	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()
	bound := readEvent(t, ws, protocol.EventGameBound)
	assert.Equal(t, "alice", bound.Data.(map[string]interface{})["userId"])
}

func TestGameChannelRejectedOriginKeepsToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, token := ts.createGame(t, "alice")

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/games/"+gameID, "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	header.Set("Origin", "http://localhost:5173")
	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), header)
	require.NoError(t, err)
	defer ws.Close()
	readEvent(t, ws, protocol.EventGameBound)
}

func TestGameChannelActions(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, token := ts.createGame(t, "alice")
	resp, _ := ts.do(t, http.MethodPost, "/api/games/join", "bob", `{"gameId":"`+gameID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/api/games/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()
	readEvent(t, ws, protocol.EventGameBound)

	require.NoError(t, ws.WriteJSON(protocol.ClientMessage{Action: "ping"}))
	readEvent(t, ws, protocol.EventPong)

	require.NoError(t, ws.WriteJSON(protocol.ClientMessage{Action: "move", DX: 1}))
	ev := readEvent(t, ws, protocol.EventError)
	assert.Equal(t, "invalid_transition", ev.Data.(map[string]interface{})["code"])

	require.NoError(t, ws.WriteJSON(protocol.ClientMessage{Action: "dance"}))
	ev = readEvent(t, ws, protocol.EventError)
	assert.Equal(t, "invalid_request", ev.Data.(map[string]interface{})["code"])

	require.NoError(t, ws.WriteJSON(protocol.ClientMessage{Action: "start"}))
	readEvent(t, ws, protocol.EventGameStarted)
	readEvent(t, ws, protocol.EventGameState)

	require.NoError(t, ws.WriteJSON(protocol.ClientMessage{Action: "abort"}))
	ended := readEvent(t, ws, protocol.EventGameEnded)
	assert.Equal(t, protocol.EndAborted, ended.Data.(map[string]interface{})["reason"])
}

// ============================================================================
// Stream Tests
// ============================================================================

func dialStream(ts *testServer, user string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set(auth.UserHeader, user)
	return websocket.DefaultDialer.Dial(ts.wsURL("/api/stream"), header)
}

func TestStreamCaps(t *testing.T) {
	ts := newTestServer(t, serverOptions{streams: stream.Config{MaxPerUser: 1, MaxTotal: 2}})

	alice, _, err := dialStream(ts, "alice")
	require.NoError(t, err)
	defer alice.Close()
	readEvent(t, alice, protocol.EventStreamReady)

	_, resp, err := dialStream(ts, "alice")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "too_many_connections", body["error"])

	bob, _, err := dialStream(ts, "bob")
	require.NoError(t, err)
	defer bob.Close()
	readEvent(t, bob, protocol.EventStreamReady)

	_, resp, err = dialStream(ts, "carol")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "at_capacity", body["error"])
}

func TestStreamReceivesGameEvents(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, _ := ts.createGame(t, "alice")

	ws, _, err := dialStream(ts, "alice")
	require.NoError(t, err)
	defer ws.Close()
	readEvent(t, ws, protocol.EventStreamReady)

	resp, _ := ts.do(t, http.MethodPost, "/api/games/join", "bob", `{"gameId":"`+gameID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := readEvent(t, ws, protocol.EventGameJoined)
	player := ev.Data.(map[string]interface{})["player"].(map[string]interface{})
	assert.Equal(t, "bob", player["userId"])
}

// ============================================================================
// Tournament Tests
// ============================================================================

func TestTournamentFlow(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, body := ts.do(t, http.MethodPost, "/api/tournaments", "alice", `{"name":"Cup","maxPlayers":4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	id := body["id"].(string)

	resp, _ = ts.do(t, http.MethodPost, "/api/tournaments", "alice", `{"name":"","maxPlayers":4}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/start", "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "not_enough_players", body["error"])

	resp, _ = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/join", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/start", "carol", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/start", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(tournament.StatusInProgress), body["status"])

	// Joining or leaving a started tournament is forbidden.
	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/join", "carol", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tournament_started", body["error"])
	resp, _ = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/leave", "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/tournaments?status=in_progress", "carol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tournaments"], 1)

	resp, _ = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/cancel", "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/cancel", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(tournament.StatusCancelled), body["status"])
}

func TestTournamentLeaveDeletesWhenEmpty(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, body := ts.do(t, http.MethodPost, "/api/tournaments", "alice", `{"name":"Solo","maxPlayers":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["id"].(string)

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/leave", "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_in_tournament", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/tournaments/"+id+"/leave", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deleted"])

	resp, _ = ts.do(t, http.MethodGet, "/api/tournaments/"+id, "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// Chat Tests
// ============================================================================

func TestChatRequiresMembership(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	gameID, _ := ts.createGame(t, "alice")

	resp, body := ts.do(t, http.MethodPost, "/api/chat", "bob", `{"scope":"game:`+gameID+`","text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/chat", "alice", `{"scope":"game:`+gameID+`","text":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "hi", body["text"])

	resp, _ = ts.do(t, http.MethodPost, "/api/chat", "alice", `{"scope":"lobby","text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// Rate Limit Tests
// ============================================================================

func TestHTTPRateLimit(t *testing.T) {
	limits := ratelimit.NewRegistry()
	limits.Register(ratelimit.HTTP, ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
		PerSecond: 0.001,
		Burst:     2,
	}, nil))
	ts := newTestServer(t, serverOptions{limits: limits})

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/health", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", body["error"])
}

func TestJoinRateLimitIsPerUser(t *testing.T) {
	limits := ratelimit.NewRegistry()
	limits.Register(ratelimit.Join, ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
		PerSecond: 0.001,
		Burst:     1,
	}, nil))
	ts := newTestServer(t, serverOptions{limits: limits})

	ts.createGame(t, "alice")
	resp, _ := ts.do(t, http.MethodPost, "/api/games", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	ts.createGame(t, "bob")
}

// ============================================================================
// Stats and Origin Tests
// ============================================================================

func TestStats(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.createGame(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/api/stats", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := body["workers"].(map[string]interface{})
	assert.Len(t, workers["loads"], 2)
	assert.Contains(t, body, "lobby")
	assert.Contains(t, body, "chatQueue")
}

func TestIsAllowedOrigin(t *testing.T) {
	allowed := []string{"http://localhost:*", "https://play.example.com"}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://play.example.com", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAllowedOrigin(tt.origin, allowed), tt.origin)
	}
}
