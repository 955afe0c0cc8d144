// Package stream tracks long-lived event stream clients under a global cap
// and a per-user cap.
//
// Counters change only when a client attaches or detaches. Detach is
// idempotent: a client removed twice (explicit close racing a transport
// disconnect) decrements once.
package stream

import (
	"log"
	"sync"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/metrics"
	"match-server/internal/protocol"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Conn is the transport behind a client. Send must not block for long;
// implementations buffer and drop slow consumers.
type Conn interface {
	Send(event protocol.Event) error
	Close() error
	Done() <-chan struct{}
}

// Policy decides what happens when a user already holds MaxPerUser clients.
type Policy string

const (
	PolicyReject  Policy = "reject"
	PolicyReplace Policy = "replace"
)

// Config holds the connection caps.
type Config struct {
	MaxPerUser int
	MaxTotal   int
	Policy     Policy
}

// Client is one attached stream.
type Client struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Session     string    `json:"session,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`

	conn Conn
}

// Observer is told about attach and detach. Calls happen outside the
// manager's lock.
type Observer interface {
	ClientAttached(c *Client)
	ClientDetached(c *Client)
}

// Manager is the registry of stream clients.
type Manager struct {
	cfg   Config
	clock clockwork.Clock

	mu       sync.Mutex
	byID     map[string]*Client
	byUser   map[string][]*Client // oldest first
	closed   bool
	observer Observer
}

// NewManager creates a manager. A nil clock uses the real clock.
func NewManager(cfg Config, clock clockwork.Clock) *Manager {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 1
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 500
	}
	if cfg.Policy != PolicyReplace {
		cfg.Policy = PolicyReject
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:    cfg,
		clock:  clock,
		byID:   make(map[string]*Client),
		byUser: make(map[string][]*Client),
	}
}

// SetObserver registers the attach/detach observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Add admits conn for userID. Cap checks and registration happen in one
// critical section. Under PolicyReplace a user at the per-user cap has
// their oldest client evicted with a stream:replaced event.
func (m *Manager) Add(userID string, conn Conn, session string) (*Client, error) {
	if userID == "" {
		return nil, apperror.Validation("user id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperror.Capacity(apperror.CodeAtCapacity, "server is shutting down")
	}

	var evicted *Client
	existing := m.byUser[userID]
	switch {
	case len(existing) >= m.cfg.MaxPerUser && m.cfg.Policy == PolicyReplace:
		evicted = existing[0]
		m.removeLocked(evicted)
	case len(existing) >= m.cfg.MaxPerUser:
		m.mu.Unlock()
		metrics.RecordConnectionRejected("user_limit")
		return nil, apperror.Capacity(apperror.CodeTooManyConnections,
			"user already has %d open streams", len(existing))
	case len(m.byID) >= m.cfg.MaxTotal:
		m.mu.Unlock()
		metrics.RecordConnectionRejected("total_limit")
		return nil, apperror.Capacity(apperror.CodeAtCapacity, "server is at stream capacity (%d)", m.cfg.MaxTotal)
	}

	c := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		Session:     session,
		ConnectedAt: m.clock.Now(),
		conn:        conn,
	}
	m.addLocked(c)
	total := len(m.byID)
	observer := m.observer
	m.mu.Unlock()

	metrics.SetStreamConnections(total)
	log.Printf("📱 Stream client %s attached for %s (%d total)", c.ID, userID, total)

	if evicted != nil {
		_ = evicted.conn.Send(protocol.Event{Name: protocol.EventReplaced, Data: map[string]string{"replacedBy": c.ID}})
		_ = evicted.conn.Close()
		if observer != nil {
			observer.ClientDetached(evicted)
		}
	}
	if observer != nil {
		observer.ClientAttached(c)
	}

	go m.watch(c)
	return c, nil
}

func (m *Manager) watch(c *Client) {
	<-c.conn.Done()
	m.Remove(c)
}

func (m *Manager) addLocked(c *Client) {
	m.byID[c.ID] = c
	m.byUser[c.UserID] = append(m.byUser[c.UserID], c)
}

// removeLocked unregisters c and reports whether it was registered.
func (m *Manager) removeLocked(c *Client) bool {
	if _, ok := m.byID[c.ID]; !ok {
		return false
	}
	delete(m.byID, c.ID)

	list := m.byUser[c.UserID]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byUser, c.UserID)
	} else {
		m.byUser[c.UserID] = list
	}
	return true
}

// Remove detaches c and closes its transport. Safe to call more than once.
func (m *Manager) Remove(c *Client) bool {
	if c == nil {
		return false
	}

	m.mu.Lock()
	removed := m.removeLocked(c)
	total := len(m.byID)
	observer := m.observer
	m.mu.Unlock()

	if !removed {
		return false
	}

	_ = c.conn.Close()
	metrics.SetStreamConnections(total)
	log.Printf("📱 Stream client %s detached (%d remaining)", c.ID, total)
	if observer != nil {
		observer.ClientDetached(c)
	}
	return true
}

// Push sends event to every client of userID and returns how many accepted it.
func (m *Manager) Push(userID string, event protocol.Event) int {
	m.mu.Lock()
	targets := append([]*Client(nil), m.byUser[userID]...)
	m.mu.Unlock()

	return m.deliver(targets, event)
}

// Broadcast sends event to every client whose user matches. A nil match
// selects everyone.
func (m *Manager) Broadcast(event protocol.Event, match func(userID string) bool) int {
	m.mu.Lock()
	targets := make([]*Client, 0, len(m.byID))
	for _, c := range m.byID {
		if match == nil || match(c.UserID) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	return m.deliver(targets, event)
}

func (m *Manager) deliver(targets []*Client, event protocol.Event) int {
	sent := 0
	for _, c := range targets {
		if err := c.conn.Send(event); err != nil {
			metrics.RecordEventDropped()
			m.Remove(c)
			continue
		}
		metrics.RecordEventSent()
		sent++
	}
	return sent
}

// Disconnect detaches every client of userID.
func (m *Manager) Disconnect(userID string) int {
	m.mu.Lock()
	targets := append([]*Client(nil), m.byUser[userID]...)
	m.mu.Unlock()

	n := 0
	for _, c := range targets {
		if m.Remove(c) {
			n++
		}
	}
	return n
}

// Count returns the number of attached clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// UserCount returns the number of clients attached for userID.
func (m *Manager) UserCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Online reports whether userID has at least one attached client.
func (m *Manager) Online(userID string) bool {
	return m.UserCount(userID) > 0
}

// Close sends server:shutdown to every client, detaches them and refuses
// further attaches.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	targets := make([]*Client, 0, len(m.byID))
	for _, c := range m.byID {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		_ = c.conn.Send(protocol.Event{Name: protocol.EventShutdown})
		m.Remove(c)
	}
	log.Printf("📱 Stream manager closed, %d clients notified", len(targets))
}
