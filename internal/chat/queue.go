package chat

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"match-server/internal/metrics"
	"match-server/internal/protocol"
)

// Broadcaster fans an event out to stream clients. *stream.Manager implements it.
type Broadcaster interface {
	Broadcast(event protocol.Event, match func(userID string) bool) int
}

// busyLogEvery throttles the "backlog full" warning.
const busyLogEvery = 10 * time.Second

// DeliveryQueue decouples posting from stream fan-out. Post returns once a
// message is accepted; fan-out workers broadcast it to the members of its
// scope that are online. Messages accepted before Stop are still delivered.
type DeliveryQueue struct {
	backlog chan delivery
	streams Broadcaster
	cfg     QueueConfig
	wg      sync.WaitGroup
	running atomic.Bool
	quit    chan struct{}

	accepted  atomic.Uint64
	fannedOut atomic.Uint64
	reached   atomic.Uint64 // stream clients written to
	unheard   atomic.Uint64 // fanned out while no member was online
	rejected  atomic.Uint64
	peakWait  atomic.Int64 // nanoseconds
	lastBusy  atomic.Int64 // unix nanoseconds of the last busy warning
}

// QueueConfig sizes the fan-out stage.
type QueueConfig struct {
	Backlog    int           // accepted messages not yet broadcast (default: 256)
	Workers    int           // fan-out goroutines (default: 4)
	SlowFanout time.Duration // log messages that waited longer (default: 100ms)
}

// DefaultQueueConfig returns sensible defaults for production
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backlog:    256,
		Workers:    4,
		SlowFanout: 100 * time.Millisecond,
	}
}

// NewDeliveryQueue creates a queue that broadcasts through streams.
func NewDeliveryQueue(streams Broadcaster, cfg QueueConfig) *DeliveryQueue {
	def := DefaultQueueConfig()
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SlowFanout <= 0 {
		cfg.SlowFanout = def.SlowFanout
	}

	return &DeliveryQueue{
		backlog: make(chan delivery, cfg.Backlog),
		streams: streams,
		cfg:     cfg,
		quit:    make(chan struct{}),
	}
}

// Start launches the fan-out workers.
func (q *DeliveryQueue) Start() {
	if q.running.Swap(true) {
		return
	}
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.fanOutLoop()
	}
	log.Printf("💬 Chat fan-out started: %d workers, backlog %d", q.cfg.Workers, q.cfg.Backlog)
}

// Stop delivers the backlog and waits for the workers.
func (q *DeliveryQueue) Stop() {
	if !q.running.Swap(false) {
		return
	}
	close(q.quit)
	q.wg.Wait()

	log.Printf("💬 Chat fan-out stopped: %d accepted, %d broadcast to %d clients, %d rejected",
		q.accepted.Load(), q.fannedOut.Load(), q.reached.Load(), q.rejected.Load())
}

// Enqueue accepts msg for broadcast to recipients without blocking. It
// returns false when the backlog is full.
func (q *DeliveryQueue) Enqueue(msg Message, recipients []string) bool {
	select {
	case q.backlog <- delivery{msg: msg, recipients: recipients, acceptedAt: time.Now()}:
		q.accepted.Add(1)
		return true
	default:
	}

	q.rejected.Add(1)
	metrics.RecordChatRejected()
	now := time.Now().UnixNano()
	last := q.lastBusy.Load()
	if now-last >= int64(busyLogEvery) && q.lastBusy.CompareAndSwap(last, now) {
		log.Printf("⚠️ Chat backlog full, rejecting messages for %s (%d rejected so far)",
			msg.Scope, q.rejected.Load())
	}
	return false
}

func (q *DeliveryQueue) fanOutLoop() {
	defer q.wg.Done()

	for {
		select {
		case d := <-q.backlog:
			q.fanOut(d)
		case <-q.quit:
			for {
				select {
				case d := <-q.backlog:
					q.fanOut(d)
				default:
					return
				}
			}
		}
	}
}

func (q *DeliveryQueue) fanOut(d delivery) {
	wait := time.Since(d.acceptedAt)

	members := make(map[string]struct{}, len(d.recipients))
	for _, id := range d.recipients {
		members[id] = struct{}{}
	}
	reached := q.streams.Broadcast(protocol.Event{Name: protocol.EventChatMessage, Data: d.msg}, func(userID string) bool {
		_, ok := members[userID]
		return ok
	})

	q.fannedOut.Add(1)
	q.reached.Add(uint64(reached))
	if reached == 0 {
		q.unheard.Add(1)
	}
	for {
		peak := q.peakWait.Load()
		if int64(wait) <= peak || q.peakWait.CompareAndSwap(peak, int64(wait)) {
			break
		}
	}
	metrics.RecordChatFanout(wait, reached)

	if wait > q.cfg.SlowFanout {
		log.Printf("💬 Slow chat fan-out in %s: %s behind, %d clients for %d members",
			d.msg.Scope, wait.Round(time.Millisecond), reached, len(members))
	}
}

// Stats returns fan-out counters.
func (q *DeliveryQueue) Stats() DeliveryStats {
	return DeliveryStats{
		Accepted:   q.accepted.Load(),
		FannedOut:  q.fannedOut.Load(),
		Reached:    q.reached.Load(),
		Unheard:    q.unheard.Load(),
		Rejected:   q.rejected.Load(),
		Backlog:    len(q.backlog),
		BacklogCap: cap(q.backlog),
		PeakWaitMs: float64(q.peakWait.Load()) / 1e6,
	}
}

// DeliveryStats describes chat fan-out since start.
type DeliveryStats struct {
	Accepted   uint64  `json:"accepted"`
	FannedOut  uint64  `json:"fannedOut"`
	Reached    uint64  `json:"recipientsReached"`
	Unheard    uint64  `json:"unheard"`
	Rejected   uint64  `json:"rejected"`
	Backlog    int     `json:"backlog"`
	BacklogCap int     `json:"backlogCap"`
	PeakWaitMs float64 `json:"peakWaitMs"`
}
