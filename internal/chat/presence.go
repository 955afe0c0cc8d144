package chat

import (
	"log"

	"match-server/internal/games"
	"match-server/internal/protocol"
	"match-server/internal/stream"
	"match-server/internal/tournament"
)

// PresenceStreams is the part of the stream manager presence needs.
type PresenceStreams interface {
	Broadcaster
	UserCount(userID string) int
}

// PresenceNotifier tells a user's co-participants when the user's first
// stream attaches and when the last one detaches. It is a stream.Observer.
type PresenceNotifier struct {
	streams     PresenceStreams
	games       *games.Registry
	tournaments *tournament.Manager
}

var _ stream.Observer = (*PresenceNotifier)(nil)

// NewPresenceNotifier builds the observer.
func NewPresenceNotifier(streams PresenceStreams, g *games.Registry, t *tournament.Manager) *PresenceNotifier {
	return &PresenceNotifier{streams: streams, games: g, tournaments: t}
}

func (p *PresenceNotifier) ClientAttached(c *stream.Client) {
	if p.streams.UserCount(c.UserID) == 1 {
		p.announce(c.UserID, true)
	}
}

func (p *PresenceNotifier) ClientDetached(c *stream.Client) {
	if p.streams.UserCount(c.UserID) == 0 {
		p.announce(c.UserID, false)
	}
}

func (p *PresenceNotifier) announce(userID string, online bool) {
	peers := p.peers(userID)
	if len(peers) == 0 {
		return
	}
	sent := p.streams.Broadcast(protocol.Event{
		Name: protocol.EventPresence,
		Data: Presence{UserID: userID, Online: online},
	}, func(id string) bool {
		_, ok := peers[id]
		return ok
	})
	log.Printf("👥 %s is %s (%d peers notified)", userID, onlineWord(online), sent)
}

// peers returns everyone sharing a live game or open tournament with userID.
func (p *PresenceNotifier) peers(userID string) map[string]struct{} {
	peers := make(map[string]struct{})
	if p.games != nil {
		if gameID, ok := p.games.GameOf(userID); ok {
			if g, err := p.games.Get(gameID); err == nil {
				for _, id := range g.Participants {
					peers[id] = struct{}{}
				}
			}
		}
	}
	if p.tournaments != nil {
		for _, t := range p.tournaments.List("") {
			if t.Status != tournament.StatusWaiting && t.Status != tournament.StatusInProgress {
				continue
			}
			if !t.HasPlayer(userID) {
				continue
			}
			for _, id := range t.Players {
				peers[id] = struct{}{}
			}
		}
	}
	delete(peers, userID)
	return peers
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
