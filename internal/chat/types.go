package chat

import (
	"strings"
	"time"

	"match-server/internal/profile"
)

// MaxTextLength caps a chat message in runes.
const MaxTextLength = 500

// ScopeKind is what a chat scope is attached to.
type ScopeKind string

const (
	ScopeGame       ScopeKind = "game"
	ScopeTournament ScopeKind = "tournament"
)

// Scope identifies a chat room, e.g. "game:<id>" or "tournament:<id>".
type Scope struct {
	Kind ScopeKind
	ID   string
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseScope parses "game:<id>" and "tournament:<id>".
func ParseScope(raw string) (Scope, bool) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return Scope{}, false
	}
	switch ScopeKind(kind) {
	case ScopeGame, ScopeTournament:
		return Scope{Kind: ScopeKind(kind), ID: id}, true
	}
	return Scope{}, false
}

// Message is a chat message as delivered to stream clients.
type Message struct {
	ID     string       `json:"id"`
	Scope  string       `json:"scope"`
	Sender profile.Info `json:"sender"`
	Text   string       `json:"text"`
	SentAt time.Time    `json:"sentAt"`
}

// delivery is one accepted message and the members it goes to.
type delivery struct {
	msg        Message
	recipients []string
	acceptedAt time.Time
}

// Presence is the payload of presence updates.
type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
