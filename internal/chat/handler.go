// Package chat posts messages into game and tournament rooms and announces
// presence. Messages are not persisted; they are fanned out to the members'
// stream clients and forgotten.
package chat

import (
	"context"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"match-server/internal/apperror"
	"match-server/internal/games"
	"match-server/internal/profile"
	"match-server/internal/ratelimit"
	"match-server/internal/tournament"
)

// Handler validates and queues chat messages.
type Handler struct {
	games       *games.Registry
	tournaments *tournament.Manager
	limits      *ratelimit.Registry
	profiles    profile.Resolver
	queue       *DeliveryQueue
	clock       clockwork.Clock
}

// NewHandler wires a chat handler. profiles may be nil.
func NewHandler(g *games.Registry, t *tournament.Manager, limits *ratelimit.Registry,
	profiles profile.Resolver, queue *DeliveryQueue, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		games:       g,
		tournaments: t,
		limits:      limits,
		profiles:    profiles,
		queue:       queue,
		clock:       clock,
	}
}

// Post sends text from sender to every member of scope.
func (h *Handler) Post(ctx context.Context, sender, rawScope, text string) (Message, error) {
	scope, ok := ParseScope(rawScope)
	if !ok {
		return Message{}, apperror.Validation("scope must be game:<id> or tournament:<id>")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, apperror.Validation("text is required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return Message{}, apperror.Validation("text exceeds %d characters", MaxTextLength)
	}

	if h.limits != nil && !h.limits.Check(ratelimit.Chat, sender) {
		log.Printf("🚫 Chat rate limited: %s", sender)
		return Message{}, ratelimit.Denied(ratelimit.Chat)
	}

	members, err := h.members(scope)
	if err != nil {
		return Message{}, err
	}
	if !contains(members, sender) {
		return Message{}, apperror.Forbidden("not a member of %s", scope)
	}

	msg := Message{
		ID:     uuid.NewString(),
		Scope:  scope.String(),
		Sender: profile.Lookup(ctx, h.profiles, sender),
		Text:   text,
		SentAt: h.clock.Now().UTC(),
	}
	if !h.queue.Enqueue(msg, members) {
		return Message{}, apperror.Capacity(apperror.CodeAtCapacity, "chat is busy, try again")
	}
	return msg, nil
}

func (h *Handler) members(scope Scope) ([]string, error) {
	switch scope.Kind {
	case ScopeGame:
		g, err := h.games.Get(scope.ID)
		if err != nil {
			return nil, err
		}
		return g.Participants, nil
	case ScopeTournament:
		t, err := h.tournaments.Get(scope.ID)
		if err != nil {
			return nil, err
		}
		return t.Players, nil
	}
	return nil, apperror.Validation("unknown scope %q", scope.Kind)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
