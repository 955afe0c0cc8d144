package lobby

import (
	"sync"

	"match-server/internal/protocol"
	"match-server/internal/stream"
)

// binding is one game channel bound to a user after token redemption.
type binding struct {
	userID string
	conn   stream.Conn
}

// Hub holds the game channels bound to one game.
type Hub struct {
	gameID string

	mu       sync.Mutex
	bindings map[*binding]struct{}
	closed   bool
}

func newHub(gameID string) *Hub {
	return &Hub{gameID: gameID, bindings: make(map[*binding]struct{})}
}

// add registers conn for userID. It fails once the hub is closed.
func (h *Hub) add(userID string, conn stream.Conn) (*binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	b := &binding{userID: userID, conn: conn}
	h.bindings[b] = struct{}{}
	return b, true
}

// remove unregisters b and reports whether the user has channels left.
func (h *Hub) remove(b *binding) (removed, userStillBound bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bindings[b]; !ok {
		return false, false
	}
	delete(h.bindings, b)
	for other := range h.bindings {
		if other.userID == b.userID {
			return true, true
		}
	}
	return true, false
}

// Broadcast sends event to every bound channel. Channels that fail to accept
// it are closed; their watcher unbinds them.
func (h *Hub) Broadcast(event protocol.Event) int {
	targets := h.snapshot("")
	sent := 0
	for _, b := range targets {
		if err := b.conn.Send(event); err != nil {
			_ = b.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// Send delivers event to userID's channels only.
func (h *Hub) Send(userID string, event protocol.Event) int {
	sent := 0
	for _, b := range h.snapshot(userID) {
		if err := b.conn.Send(event); err == nil {
			sent++
		}
	}
	return sent
}

// Kick closes every channel of userID.
func (h *Hub) Kick(userID string) {
	for _, b := range h.snapshot(userID) {
		_ = b.conn.Close()
	}
}

// close sends a final event, closes every channel and refuses new ones.
func (h *Hub) close(final protocol.Event) {
	h.mu.Lock()
	h.closed = true
	targets := make([]*binding, 0, len(h.bindings))
	for b := range h.bindings {
		targets = append(targets, b)
	}
	h.bindings = make(map[*binding]struct{})
	h.mu.Unlock()

	for _, b := range targets {
		_ = b.conn.Send(final)
		_ = b.conn.Close()
	}
}

// Len returns the number of bound channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bindings)
}

func (h *Hub) snapshot(userID string) []*binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*binding, 0, len(h.bindings))
	for b := range h.bindings {
		if userID == "" || b.userID == userID {
			out = append(out, b)
		}
	}
	return out
}
