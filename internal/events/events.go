// Package events publishes game and tournament lifecycle events for other
// services (stats, notifications). Publishing is best effort: failures are
// logged and never block or fail the operation that produced the event.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "match"

// GameSubject returns the subject for a game lifecycle event, e.g. match.game.started.
func GameSubject(kind string) string {
	return fmt.Sprintf("%s.game.%s", subjectPrefix, kind)
}

// TournamentSubject returns the subject for a tournament event.
func TournamentSubject(kind string) string {
	return fmt.Sprintf("%s.tournament.%s", subjectPrefix, kind)
}

// Envelope wraps every published payload.
type Envelope struct {
	Subject    string      `json:"subject"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    interface{} `json:"payload"`
}

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(subject string, payload interface{})
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(string, interface{}) {}
func (Noop) Close()                      {}

// NATS publishes JSON envelopes on a core NATS connection.
type NATS struct {
	conn *nats.Conn
}

// Connect dials url with unlimited reconnects.
func Connect(url string) (*NATS, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("match-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("⚠️ NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("📡 NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Printf("📡 Connected to NATS at %s", conn.ConnectedUrl())
	return &NATS{conn: conn}, nil
}

// Publish encodes payload and publishes it. Errors are logged.
func (n *NATS) Publish(subject string, payload interface{}) {
	data, err := json.Marshal(Envelope{
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		log.Printf("⚠️ Event encode failed for %s: %v", subject, err)
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		log.Printf("⚠️ Event publish failed for %s: %v", subject, err)
	}
}

// Close flushes pending events and closes the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
