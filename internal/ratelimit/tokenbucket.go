package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// TokenBucketConfig configures a per-key token bucket.
type TokenBucketConfig struct {
	PerSecond       float64       // Refill rate per key
	Burst           int           // Bucket size
	CleanupInterval time.Duration // How often idle keys are dropped
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// TokenBucket keeps one x/time/rate limiter per key and forgets keys that
// have been idle for two cleanup intervals.
type TokenBucket struct {
	buckets  sync.Map // map[string]*bucketEntry
	cfg      TokenBucketConfig
	clock    clockwork.Clock
	stopChan chan struct{}
	stopOnce sync.Once

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewTokenBucket creates the limiter and starts its cleanup loop.
func NewTokenBucket(cfg TokenBucketConfig, clock clockwork.Clock) *TokenBucket {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tb := &TokenBucket{
		cfg:      cfg,
		clock:    clock,
		stopChan: make(chan struct{}),
	}
	go tb.cleanupLoop()
	return tb
}

// PerMinute is a convenience for limits expressed per minute with an equal burst.
func PerMinute(n int) TokenBucketConfig {
	return TokenBucketConfig{PerSecond: float64(n) / 60, Burst: n}
}

// Stop ends the cleanup loop.
func (tb *TokenBucket) Stop() {
	tb.stopOnce.Do(func() { close(tb.stopChan) })
}

func (tb *TokenBucket) bucket(key string, now time.Time) *rate.Limiter {
	if v, ok := tb.buckets.Load(key); ok {
		e := v.(*bucketEntry)
		e.lastSeen.Store(now.UnixNano())
		return e.limiter
	}

	e := &bucketEntry{limiter: rate.NewLimiter(rate.Limit(tb.cfg.PerSecond), tb.cfg.Burst)}
	e.lastSeen.Store(now.UnixNano())
	actual, _ := tb.buckets.LoadOrStore(key, e)
	return actual.(*bucketEntry).limiter
}

// Allow takes one token from key's bucket.
func (tb *TokenBucket) Allow(key string) bool {
	now := tb.clock.Now()
	if tb.bucket(key, now).AllowN(now, 1) {
		tb.allowed.Add(1)
		return true
	}
	tb.rejected.Add(1)
	return false
}

func (tb *TokenBucket) cleanupLoop() {
	ticker := tb.clock.NewTicker(tb.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tb.stopChan:
			return
		case <-ticker.Chan():
			tb.cleanup()
		}
	}
}

func (tb *TokenBucket) cleanup() {
	cutoff := tb.clock.Now().Add(-2 * tb.cfg.CleanupInterval).UnixNano()
	tb.buckets.Range(func(key, value interface{}) bool {
		if value.(*bucketEntry).lastSeen.Load() < cutoff {
			tb.buckets.Delete(key)
		}
		return true
	})
}

// Stats returns allow/reject counters.
func (tb *TokenBucket) Stats() map[string]uint64 {
	return map[string]uint64{
		"allowed":  tb.allowed.Load(),
		"rejected": tb.rejected.Load(),
	}
}
