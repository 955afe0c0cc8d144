package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"match-server/internal/apperror"
)

const (
	DefaultMaxProfiles = 1000
	ProfileTTL         = 10 * time.Minute
)

type cachedProfile struct {
	info      Info
	missing   bool
	fetchedAt time.Time
}

// Cache stores resolved profiles with LRU eviction and a TTL.
// Missing profiles are cached too so hot chat scopes don't hammer the store.
type Cache struct {
	mu      sync.Mutex
	next    Resolver
	entries map[string]*cachedProfile
	order   []string // LRU order (oldest first)
	maxSize int
	ttl     time.Duration
	clock   clockwork.Clock
}

// NewCache wraps next.
func NewCache(next Resolver, maxSize int, ttl time.Duration, clock clockwork.Clock) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxProfiles
	}
	if ttl <= 0 {
		ttl = ProfileTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		next:    next,
		entries: make(map[string]*cachedProfile),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clock,
	}
}

// DisplayInfo returns a cached profile or asks the wrapped resolver.
func (c *Cache) DisplayInfo(ctx context.Context, userID string) (Info, error) {
	if e, ok := c.get(userID); ok {
		if e.missing {
			return Info{}, apperror.NotFound("profile %s not found", userID)
		}
		return e.info, nil
	}

	info, err := c.next.DisplayInfo(ctx, userID)
	switch {
	case err == nil:
		c.put(userID, &cachedProfile{info: info, fetchedAt: c.clock.Now()})
	case errors.Is(err, apperror.ErrNotFound):
		c.put(userID, &cachedProfile{missing: true, fetchedAt: c.clock.Now()})
	}
	return info, err
}

func (c *Cache) get(userID string) (*cachedProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	if c.clock.Since(e.fetchedAt) > c.ttl {
		c.remove(userID)
		return nil, false
	}
	c.touch(userID)
	return e, true
}

func (c *Cache) put(userID string, e *cachedProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[userID]; ok {
		c.entries[userID] = e
		c.touch(userID)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evict()
	}
	c.entries[userID] = e
	c.order = append(c.order, userID)
}

// touch moves userID to the most recently used end.
func (c *Cache) touch(userID string) {
	for i, id := range c.order {
		if id == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, userID)
}

func (c *Cache) remove(userID string) {
	delete(c.entries, userID)
	for i, id := range c.order {
		if id == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evict removes the least recently used profile
func (c *Cache) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
