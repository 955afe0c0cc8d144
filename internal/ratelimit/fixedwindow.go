package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FixedWindowConfig configures a per-key fixed window with an optional
// minimum gap between events.
type FixedWindowConfig struct {
	MaxPerWindow int
	Window       time.Duration
	Cooldown     time.Duration
}

type windowState struct {
	count     int
	windowEnd time.Time
	last      time.Time
}

// FixedWindow counts events per key per window.
type FixedWindow struct {
	mu       sync.Mutex
	keys     map[string]*windowState
	cfg      FixedWindowConfig
	clock    clockwork.Clock
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFixedWindow creates the limiter and starts its cleanup loop.
func NewFixedWindow(cfg FixedWindowConfig, clock clockwork.Clock) *FixedWindow {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fw := &FixedWindow{
		keys:     make(map[string]*windowState),
		cfg:      cfg,
		clock:    clock,
		stopChan: make(chan struct{}),
	}
	go fw.cleanupLoop()
	return fw
}

// Allow records one event for key if the window and cooldown permit it.
func (fw *FixedWindow) Allow(key string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.clock.Now()
	st, ok := fw.keys[key]
	if !ok {
		fw.keys[key] = &windowState{count: 1, windowEnd: now.Add(fw.cfg.Window), last: now}
		return true
	}

	if now.Sub(st.last) < fw.cfg.Cooldown {
		return false
	}

	if !now.Before(st.windowEnd) {
		st.count = 1
		st.windowEnd = now.Add(fw.cfg.Window)
		st.last = now
		return true
	}

	if st.count >= fw.cfg.MaxPerWindow {
		return false
	}

	st.count++
	st.last = now
	return true
}

// Stop ends the cleanup loop.
func (fw *FixedWindow) Stop() {
	fw.stopOnce.Do(func() { close(fw.stopChan) })
}

func (fw *FixedWindow) cleanupLoop() {
	ticker := fw.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-fw.stopChan:
			return
		case <-ticker.Chan():
			fw.cleanup()
		}
	}
}

// cleanup drops keys idle for longer than five windows.
func (fw *FixedWindow) cleanup() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	cutoff := fw.clock.Now().Add(-5 * fw.cfg.Window)
	for key, st := range fw.keys {
		if st.last.Before(cutoff) {
			delete(fw.keys, key)
		}
	}
}
