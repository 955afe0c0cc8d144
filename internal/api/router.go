package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"match-server/internal/auth"
	"match-server/internal/chat"
	"match-server/internal/lobby"
	"match-server/internal/ratelimit"
	"match-server/internal/stream"
	"match-server/internal/tournament"
	"match-server/internal/worker"
)

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Lobby:       coordinator,
//	    Tournaments: manager,
//	    Auth:        auth.Header{},
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	Lobby       *lobby.Coordinator  // required
	Tournaments *tournament.Manager // required
	Chat        *chat.Handler       // required
	Streams     *stream.Manager     // required
	Pool        *worker.Pool        // required, read for /api/stats
	ChatQueue   *chat.DeliveryQueue // optional, read for /api/stats

	// Auth verifies callers. If nil, the trusted X-User-ID header is used.
	Auth auth.Authenticator

	// Limits holds the named limiters. Names that are not registered are not enforced.
	Limits *ratelimit.Registry

	// CORSOrigins is an optional list of allowed CORS and websocket origins.
	// If nil, only localhost origins are allowed.
	CORSOrigins []string

	// SendBuffer is the number of outbound events buffered per websocket.
	SendBuffer int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// routerHandlers holds the dependencies the handlers use.
type routerHandlers struct {
	lobby       *lobby.Coordinator
	tournaments *tournament.Manager
	chat        *chat.Handler
	streams     *stream.Manager
	pool        *worker.Pool
	chatQueue   *chat.DeliveryQueue
	sendBuffer  int
	upgrader    *websocket.Upgrader
	actionWait  time.Duration
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE - it has no side effects:
//   - No goroutines are started
//   - No network listeners are opened
//   - No background workers are launched
//
// This makes it safe to use in tests with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(recordRequests)

	limits := cfg.Limits
	if limits == nil {
		limits = ratelimit.NewRegistry()
	}

	// Per-IP limiting BEFORE CORS to reject early and save CPU
	r.Use(limit(limits, ratelimit.HTTP, ratelimit.KeyByIP))

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", auth.UserHeader},
		AllowCredentials: true,
	}))

	authenticator := cfg.Auth
	if authenticator == nil {
		authenticator = auth.Header{}
	}

	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}

	h := &routerHandlers{
		lobby:       cfg.Lobby,
		tournaments: cfg.Tournaments,
		chat:        cfg.Chat,
		streams:     cfg.Streams,
		pool:        cfg.Pool,
		chatQueue:   cfg.ChatQueue,
		sendBuffer:  sendBuffer,
		upgrader:    newUpgrader(corsOrigins),
		actionWait:  5 * time.Second,
	}

	byUser := ratelimit.KeyByUser(auth.UserID)

	r.Route("/api", func(r chi.Router) {
		// The join token is the credential for game channels.
		r.Get("/games/ws", h.handleGameChannel)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(authenticator))

			r.With(limit(limits, ratelimit.Join, byUser)).Post("/games", h.handleCreateGame)
			r.With(limit(limits, ratelimit.Join, byUser)).Post("/games/join", h.handleJoinGame)
			r.Get("/games/{id}", h.handleGetGame)
			r.Post("/games/{id}/start", gameAction(h.lobby.StartGame))
			r.Post("/games/{id}/pause", gameAction(h.lobby.PauseGame))
			r.Post("/games/{id}/resume", gameAction(h.lobby.ResumeGame))
			r.Post("/games/{id}/abort", gameAction(h.lobby.AbortGame))
			r.Post("/games/{id}/leave", h.handleLeaveGame)

			r.Post("/tournaments", h.handleCreateTournament)
			r.Get("/tournaments", h.handleListTournaments)
			r.Get("/tournaments/{id}", h.handleGetTournament)
			r.With(limit(limits, ratelimit.Join, byUser)).Post("/tournaments/{id}/join", h.handleJoinTournament)
			r.Post("/tournaments/{id}/leave", h.handleLeaveTournament)
			r.Post("/tournaments/{id}/start", h.handleStartTournament)
			r.Post("/tournaments/{id}/results", h.handleReportResult)
			r.Post("/tournaments/{id}/complete", h.handleCompleteTournament)
			r.Post("/tournaments/{id}/cancel", h.handleCancelTournament)

			r.Post("/chat", h.handlePostChat)

			r.With(limit(limits, ratelimit.Streaming, byUser)).Get("/stream", h.handleStream)

			r.Get("/stats", h.handleGetStats)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// limit applies the named limiter if it is registered.
func limit(limits *ratelimit.Registry, name string, key ratelimit.KeyFunc) func(http.Handler) http.Handler {
	l, ok := limits.Get(name)
	if !ok {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(l, key, name)
}
