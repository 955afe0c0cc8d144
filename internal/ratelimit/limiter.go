// Package ratelimit provides named, per-key rate limiters.
//
// Limiters are checked before any state change, so a denied request never
// leaves a partial mutation behind.
package ratelimit

import (
	"fmt"
	"sync"
)

// Limiter decides whether one more event for key is allowed now.
type Limiter interface {
	Allow(key string) bool
}

// Stopper is implemented by limiters that run background cleanup.
type Stopper interface {
	Stop()
}

// Names of the limiters the server registers.
const (
	HTTP      = "http"
	Streaming = "streaming"
	Join      = "join"
	Chat      = "chat"
)

// Registry holds limiters by name.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]Limiter)}
}

// Register adds or replaces the limiter called name.
func (r *Registry) Register(name string, l Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = l
}

// Get returns the limiter called name.
func (r *Registry) Get(name string) (Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// MustGet is Get for wiring code where a missing limiter is a programming error.
func (r *Registry) MustGet(name string) Limiter {
	l, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("ratelimit: no limiter named %q", name))
	}
	return l
}

// Check consults the named limiter. Unknown names allow everything.
func (r *Registry) Check(name, key string) bool {
	l, ok := r.Get(name)
	if !ok {
		return true
	}
	return l.Allow(key)
}

// Stop stops every limiter that runs background work.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.limiters {
		if s, ok := l.(Stopper); ok {
			s.Stop()
		}
	}
}
