// Package pending brokers the one-time handshake between an HTTP join request
// and the websocket connection that follows it.
//
// A token resolves to exactly one (user, game) pair and can be redeemed once.
// Expiry is enforced at redemption time; Sweep only reclaims memory.
package pending

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long an issued token stays redeemable.
const DefaultTTL = 5 * time.Minute

// tokenBytes is the entropy of a token before hex encoding.
const tokenBytes = 32

// Connection is a pending authorization for one websocket upgrade.
type Connection struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	GameID    string    `json:"gameId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Registry maps tokens to pending connections.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Connection
	ttl     time.Duration
	clock   clockwork.Clock
}

// NewRegistry creates a registry. A nil clock uses the real clock.
func NewRegistry(ttl time.Duration, clock clockwork.Clock) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		entries: make(map[string]Connection),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue mints a token binding userID to gameID.
func (r *Registry) Issue(userID, gameID string) (Connection, error) {
	if userID == "" || gameID == "" {
		return Connection{}, apperror.Validation("userId and gameId are required")
	}

	token, err := generateToken()
	if err != nil {
		return Connection{}, apperror.Internal(err, "generate token")
	}

	now := r.clock.Now()
	conn := Connection{
		Token:     token,
		UserID:    userID,
		GameID:    gameID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	r.entries[token] = conn
	r.mu.Unlock()

	metrics.RecordTokenIssued()
	return conn, nil
}

// Redeem consumes a token. Check and delete happen in one critical section,
// so among concurrent redeemers exactly one wins.
func (r *Registry) Redeem(token string) (Connection, error) {
	r.mu.Lock()
	conn, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	r.mu.Unlock()

	if !ok {
		return Connection{}, invalidOrExpired()
	}
	if !r.clock.Now().Before(conn.ExpiresAt) {
		metrics.RecordTokensExpired(1)
		return Connection{}, invalidOrExpired()
	}

	metrics.RecordTokenRedeemed()
	return conn, nil
}

// Revoke drops every token issued for gameID. Used when a game ends.
func (r *Registry) Revoke(gameID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, conn := range r.entries {
		if conn.GameID == gameID {
			delete(r.entries, token)
			removed++
		}
	}
	return removed
}

// Sweep removes expired, unredeemed tokens and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	removed := 0
	for token, conn := range r.entries {
		if !now.Before(conn.ExpiresAt) {
			delete(r.entries, token)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		metrics.RecordTokensExpired(removed)
		log.Printf("🎟️ Swept %d expired join tokens", removed)
	}
	return removed
}

// Len returns the number of outstanding tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func invalidOrExpired() error {
	return &apperror.Error{
		Kind:    apperror.KindUnauthenticated,
		Code:    apperror.CodeInvalidOrExpired,
		Message: "token is invalid or expired",
	}
}

// generateToken creates a cryptographically random, unguessable token.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
