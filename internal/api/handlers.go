package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"match-server/internal/apperror"
	"match-server/internal/auth"
	"match-server/internal/games"
	"match-server/internal/lobby"
	"match-server/internal/tournament"
)

// Game handlers

func (h *routerHandlers) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.lobby.CreateGame(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *routerHandlers) handleJoinGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		GameID string `json:"gameId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user := auth.UserID(r.Context())
	var (
		ticket lobby.JoinTicket
		err    error
	)
	switch {
	case strings.TrimSpace(req.Code) != "":
		ticket, err = h.lobby.JoinByCode(r.Context(), user, req.Code)
	case req.GameID != "":
		ticket, err = h.lobby.JoinGame(r.Context(), user, req.GameID)
	default:
		err = apperror.Validation("code or gameId is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *routerHandlers) handleGetGame(w http.ResponseWriter, r *http.Request) {
	view, err := h.lobby.View(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// gameAction adapts a lobby operation on {id} that returns the updated game.
func gameAction(fn func(ctx context.Context, userID, gameID string) (games.Game, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := fn(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func (h *routerHandlers) handleLeaveGame(w http.ResponseWriter, r *http.Request) {
	if err := h.lobby.LeaveGame(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

// Tournament handlers

func (h *routerHandlers) handleCreateTournament(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		MaxPlayers int    `json:"maxPlayers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := h.tournaments.Create(auth.UserID(r.Context()), req.Name, req.MaxPlayers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleListTournaments(w http.ResponseWriter, r *http.Request) {
	status := tournament.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tournaments": h.tournaments.List(status),
	})
}

func (h *routerHandlers) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	t, err := h.tournaments.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleJoinTournament(w http.ResponseWriter, r *http.Request) {
	t, err := h.tournaments.Join(chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleLeaveTournament(w http.ResponseWriter, r *http.Request) {
	t, deleted, err := h.tournaments.Leave(chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tournament": t,
		"deleted":    deleted,
	})
}

func (h *routerHandlers) handleStartTournament(w http.ResponseWriter, r *http.Request) {
	t, err := h.tournaments.Start(chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MatchID string `json:"matchId"`
		Winner  string `json:"winner"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.requireOwner(r, id); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.tournaments.ReportResult(id, req.MatchID, req.Winner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleCompleteTournament(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requireOwner(r, id); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.tournaments.Complete(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *routerHandlers) handleCancelTournament(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requireOwner(r, id); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.tournaments.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// requireOwner restricts result reporting and terminal transitions to the owner.
func (h *routerHandlers) requireOwner(r *http.Request, id string) error {
	t, err := h.tournaments.Get(id)
	if err != nil {
		return err
	}
	if t.Owner != auth.UserID(r.Context()) {
		return apperror.Forbidden("only the tournament owner can do this")
	}
	return nil
}

// Chat

func (h *routerHandlers) handlePostChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
		Text  string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.chat.Post(r.Context(), auth.UserID(r.Context()), req.Scope, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Stats

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"workers": map[string]interface{}{
			"loads":    h.pool.Loads(),
			"restarts": h.pool.Restarts(),
		},
		"lobby":       h.lobby.Stats(),
		"streams":     h.streams.Count(),
		"tournaments": h.tournaments.Count(),
	}
	if h.chatQueue != nil {
		stats["chatQueue"] = h.chatQueue.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// Helper functions (package-level for reuse)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperror.Validation("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err to its status and stable JSON body. Internal errors
// are logged with detail and reported generically.
func writeError(w http.ResponseWriter, err error) {
	status := apperror.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("❌ Internal error: %v", err)
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, apperror.Body(err))
}
