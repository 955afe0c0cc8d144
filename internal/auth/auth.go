// Package auth verifies the caller's session and puts the user id on the
// request context. Account management lives elsewhere; this package only
// answers "who is calling".
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"match-server/internal/apperror"
)

// UserHeader is trusted by the Header authenticator.
const UserHeader = "X-User-ID"

// TokenQueryParam carries the bearer token for websocket upgrades, where
// browsers cannot set an Authorization header.
const TokenQueryParam = "access_token"

// Authenticator resolves the user id behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWT verifies HS256 bearer tokens. The subject claim is the user id.
type JWT struct {
	Secret []byte
}

// Authenticate reads the token from the Authorization header or the
// access_token query parameter.
func (a JWT) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", apperror.Unauthenticated("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", apperror.Unauthenticated("invalid session token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperror.Unauthenticated("session token has no subject")
	}
	return sub, nil
}

// IssueToken signs a session token for userID. Used by tests and tooling;
// production tokens come from the account service.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Header trusts an upstream proxy to set X-User-ID. Development and tests only.
type Header struct{}

func (Header) Authenticate(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		return "", apperror.Unauthenticated("missing %s header", UserHeader)
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

type ctxKey struct{}

// WithUserID returns a context carrying the user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id, or "" when there is none.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware rejects unauthenticated requests with 401.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				log.Printf("🔐 Rejected %s %s: %v", r.Method, r.URL.Path, err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(apperror.Body(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// New picks an authenticator for the configured mode.
func New(mode, secret string) Authenticator {
	if mode == "jwt" && secret != "" {
		return JWT{Secret: []byte(secret)}
	}
	log.Printf("⚠️ Using trusted %s header authentication", UserHeader)
	return Header{}
}
