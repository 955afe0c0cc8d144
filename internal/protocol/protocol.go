// Package protocol holds the message types exchanged between the HTTP/websocket
// layer, the lobby coordinator and the simulation workers.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is a control message verb routed to the worker owning a game.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionAbort  Action = "abort"
	ActionMove   Action = "move"
	ActionPing   Action = "ping"
)

// ParseAction normalizes a client supplied action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionPause, ActionResume, ActionAbort, ActionMove, ActionPing:
		return a, nil
	case "":
		return "", fmt.Errorf("action is required")
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Move is a direction input from one player. DX and DY are clamped by the
// simulation to [-1, 1].
type Move struct {
	UserID string  `json:"userId"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
}

// Control is the typed message placed on a worker inbox.
// Reply is set only for ActionStart; the worker sends exactly one Ack on it.
type Control struct {
	CorrelationID string
	GameID        string
	Action        Action
	Players       []string
	Move          *Move
	Reply         chan<- Ack
	SentAt        time.Time
}

// Ack acknowledges a start request. Err is empty on success.
type Ack struct {
	CorrelationID string
	GameID        string
	Err           string
}

// PlayerState is one player's simulation state in a GameState.
type PlayerState struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Score  int     `json:"score"`
}

// GameState is the snapshot a worker emits after each tick.
type GameState struct {
	GameID  string        `json:"gameId"`
	Tick    uint64        `json:"tick"`
	Paused  bool          `json:"paused"`
	Players []PlayerState `json:"players"`
}

// ClientMessage is the canonical inbound message on a game channel.
type ClientMessage struct {
	Action string  `json:"action"`
	DX     float64 `json:"dx,omitempty"`
	DY     float64 `json:"dy,omitempty"`
}

// Event is the outbound envelope for game channels and stream clients.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// Encode marshals the event to JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Event names.
const (
	EventGameBound   = "game:bound"
	EventGameState   = "game:state"
	EventGameStarted = "game:started"
	EventGamePaused  = "game:paused"
	EventGameResumed = "game:resumed"
	EventGameEnded   = "game:ended"
	EventGameJoined  = "game:player_joined"
	EventGameLeft    = "game:player_left"
	EventTournament  = "tournament:update"
	EventChatMessage = "chat:message"
	EventPresence    = "presence:update"
	EventStreamReady = "stream:ready"
	EventReplaced    = "stream:replaced"
	EventShutdown    = "server:shutdown"
	EventError       = "error"
	EventPong        = "pong"
)

// End reasons carried by EventGameEnded.
const (
	EndFinished    = "finished"
	EndAborted     = "aborted"
	EndWorkerCrash = "worker_crash"
	EndAbandoned   = "abandoned"
	EndIdle        = "idle"
)

// GameEnded is the payload of EventGameEnded.
type GameEnded struct {
	GameID string         `json:"gameId"`
	Reason string         `json:"reason"`
	Scores map[string]int `json:"scores,omitempty"`
}

// ErrorPayload is sent on a channel when an inbound message is rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
