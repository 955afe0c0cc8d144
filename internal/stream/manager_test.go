package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"match-server/internal/apperror"
	"match-server/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records events and can be closed from either side.
type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	fail   bool
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(e protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("buffer full")
	}
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Name
	}
	return out
}

type observerLog struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (o *observerLog) ClientAttached(*Client) {
	o.mu.Lock()
	o.attached++
	o.mu.Unlock()
}

func (o *observerLog) ClientDetached(*Client) {
	o.mu.Lock()
	o.detached++
	o.mu.Unlock()
}

func TestGlobalCapRejectsThirdClient(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 1, MaxTotal: 2}, nil)

	a, b := newFakeConn(), newFakeConn()
	_, err := m.Add("alice", a, "")
	require.NoError(t, err)
	_, err = m.Add("bob", b, "")
	require.NoError(t, err)

	_, err = m.Add("carol", newFakeConn(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrAtCapacity))
	assert.True(t, errors.Is(err, apperror.ErrCapacity))
	assert.Equal(t, 429, apperror.HTTPStatus(err))

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 1, m.Push("alice", protocol.Event{Name: "ping"}))
	assert.Equal(t, 1, m.Push("bob", protocol.Event{Name: "ping"}))
	assert.Equal(t, []string{"ping"}, a.names())
	assert.Equal(t, []string{"ping"}, b.names())
}

func TestPerUserCapIsDistinctFromGlobal(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 2, MaxTotal: 10}, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Add("alice", newFakeConn(), "")
		require.NoError(t, err)
	}
	_, err := m.Add("alice", newFakeConn(), "")
	assert.True(t, errors.Is(err, apperror.ErrTooManyConnections))
	assert.False(t, errors.Is(err, apperror.ErrAtCapacity))
	assert.Equal(t, 2, m.UserCount("alice"))
}

func TestReplacePolicyEvictsOldest(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 1, MaxTotal: 1, Policy: PolicyReplace}, nil)

	old := newFakeConn()
	first, err := m.Add("alice", old, "tab-1")
	require.NoError(t, err)

	second, err := m.Add("alice", newFakeConn(), "tab-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, []string{protocol.EventReplaced}, old.names())
	select {
	case <-old.Done():
	default:
		t.Fatal("replaced connection was not closed")
	}
	assert.Equal(t, 1, m.Count())
	assert.False(t, m.Remove(first), "evicted client is already gone")
}

func TestDoubleRemoveDecrementsOnce(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 3, MaxTotal: 3}, nil)
	obs := &observerLog{}
	m.SetObserver(obs)

	c, err := m.Add("alice", newFakeConn(), "")
	require.NoError(t, err)
	_, err = m.Add("bob", newFakeConn(), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Remove(c)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 0, m.UserCount("alice"))
	obs.mu.Lock()
	assert.Equal(t, 1, obs.detached)
	obs.mu.Unlock()
}

func TestConcurrentAddRespectsCaps(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		users      int
		perUser    int
		wantOK     int
		wantReason error
	}{
		{"global cap", Config{MaxPerUser: 1, MaxTotal: 7}, 50, 1, 7, apperror.ErrAtCapacity},
		{"per-user cap", Config{MaxPerUser: 3, MaxTotal: 100}, 1, 40, 3, apperror.ErrTooManyConnections},
		{"both caps", Config{MaxPerUser: 2, MaxTotal: 7}, 5, 10, 7, apperror.ErrCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, nil)

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				ok     int
				failed []error
			)
			start := make(chan struct{})
			for u := 0; u < tt.users; u++ {
				user := fmt.Sprintf("user-%d", u)
				for i := 0; i < tt.perUser; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := m.Add(user, newFakeConn(), "")
						mu.Lock()
						defer mu.Unlock()
						if err != nil {
							failed = append(failed, err)
							return
						}
						ok++
					}()
				}
			}
			close(start)
			wg.Wait()

			assert.Equal(t, tt.wantOK, ok)
			assert.Len(t, failed, tt.users*tt.perUser-tt.wantOK)
			for _, err := range failed {
				assert.Equal(t, apperror.KindCapacity, apperror.KindOf(err))
				assert.True(t, errors.Is(err, tt.wantReason), err)
			}
			assert.Equal(t, tt.wantOK, m.Count())
			for u := 0; u < tt.users; u++ {
				assert.LessOrEqual(t, m.UserCount(fmt.Sprintf("user-%d", u)), tt.cfg.MaxPerUser)
			}
		})
	}
}

func TestTransportCloseDetaches(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 1, MaxTotal: 1}, nil)

	conn := newFakeConn()
	_, err := m.Add("alice", conn, "")
	require.NoError(t, err)

	_ = conn.Close()
	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)

	_, err = m.Add("bob", newFakeConn(), "")
	assert.NoError(t, err, "slot is free again")
}

func TestBroadcastDropsFailingClients(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 1, MaxTotal: 10}, nil)

	good := newFakeConn()
	bad := newFakeConn()
	bad.fail = true
	_, _ = m.Add("good", good, "")
	_, _ = m.Add("bad", bad, "")
	_, _ = m.Add("other", newFakeConn(), "")

	n := m.Broadcast(protocol.Event{Name: "chat:message"}, func(user string) bool { return user != "other" })
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, m.Count())
	assert.False(t, m.Online("bad"))
}

func TestCloseNotifiesAndRefuses(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 1, MaxTotal: 10}, nil)
	conn := newFakeConn()
	_, _ = m.Add("alice", conn, "")

	m.Close()

	assert.Equal(t, []string{protocol.EventShutdown}, conn.names())
	assert.Equal(t, 0, m.Count())
	_, err := m.Add("bob", newFakeConn(), "")
	assert.Equal(t, apperror.KindCapacity, apperror.KindOf(err))
}

func TestDisconnectUser(t *testing.T) {
	m := NewManager(Config{MaxPerUser: 3, MaxTotal: 10}, nil)
	_, _ = m.Add("alice", newFakeConn(), "")
	_, _ = m.Add("alice", newFakeConn(), "")
	_, _ = m.Add("bob", newFakeConn(), "")

	assert.Equal(t, 2, m.Disconnect("alice"))
	assert.Equal(t, 1, m.Count())
}
