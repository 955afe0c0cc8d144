package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server is the public HTTP API server with websocket support.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer builds the router from cfg.
//
// IMPORTANT: Nothing listens until Start() is called. For testing HTTP
// endpoints use NewRouter() or Router() with httptest.
func NewServer(addr string, cfg RouterConfig) *Server {
	router := NewRouter(cfg)
	return &Server{
		router: router,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start listens and serves until Stop is called. It returns nil after a
// graceful shutdown.
func (s *Server) Start() error {
	log.Printf("🌐 API server starting on %s", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the HTTP handler for use with httptest.
//
// Example:
//
//	server := api.NewServer(":3000", cfg)
//	ts := httptest.NewServer(server.Router())
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/health")
func (s *Server) Router() http.Handler {
	return s.router
}

// Stop stops accepting requests and waits for in-flight ones. Hijacked
// websockets are not tracked here; close them through their owners.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
