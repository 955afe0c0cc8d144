package ratelimit

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	"match-server/internal/apperror"
	"match-server/internal/metrics"
)

// KeyFunc extracts the limiter key from a request. An empty key skips the check.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over limit with 429 before the handler runs.
func Middleware(l Limiter, key KeyFunc, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !l.Allow(k) {
				log.Printf("🚫 %s limiter rejected %s", name, k)
				metrics.RecordConnectionRejected("rate_limit")
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(apperror.Response{
					Error:   apperror.CodeRateLimited,
					Message: "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Denied builds the error handlers return when a limiter check fails inline.
func Denied(name string) error {
	return apperror.Capacity(apperror.CodeRateLimited, "%s rate limit exceeded", name)
}

// KeyByIP keys requests by client address.
func KeyByIP(r *http.Request) string {
	return "ip:" + GetClientIP(r)
}

// KeyByUser keys requests by the authenticated user, falling back to the
// client address when there is none.
func KeyByUser(userOf func(context.Context) string) KeyFunc {
	return func(r *http.Request) string {
		if id := userOf(r.Context()); id != "" {
			return "user:" + id
		}
		return KeyByIP(r)
	}
}

// GetClientIP extracts the client IP from an HTTP request.
// Handles X-Forwarded-For header for proxied requests.
func GetClientIP(r *http.Request) string {
	// CAUTION: This can be spoofed if not behind a trusted proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
