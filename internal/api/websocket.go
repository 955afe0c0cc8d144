package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"match-server/internal/apperror"
	"match-server/internal/auth"
	"match-server/internal/metrics"
	"match-server/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

var (
	errSlowConsumer = errors.New("send buffer full")
	errConnClosed   = errors.New("connection closed")
)

// newUpgrader builds an upgrader that accepts the same origins as CORS.
func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if isAllowedOrigin(origin, origins) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			metrics.RecordConnectionRejected("origin")
			return false
		},
	}
}

// isAllowedOrigin matches exact origins and "*" wildcards such as
// "http://localhost:*". Requests without an Origin header are not from a
// browser and are allowed.
func isAllowedOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if i := strings.IndexByte(a, '*'); i >= 0 {
			prefix, suffix := a[:i], a[i+1:]
			if len(origin) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// wsConn buffers outbound events so the manager and lobby never block on a
// socket write. It can exist before the upgrade so admission can happen first.
type wsConn struct {
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(buffer int) *wsConn {
	return &wsConn{
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues event. A full buffer closes the connection.
func (c *wsConn) Send(event protocol.Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Printf("⚠️ Dropping slow websocket consumer")
		_ = c.Close()
		return errSlowConsumer
	}
}

// Close is idempotent.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

// run pumps ws until either side closes. onMessage is called for every
// text frame from the read loop.
func (c *wsConn) run(ws *websocket.Conn, onMessage func([]byte)) {
	go c.writePump(ws)
	c.readPump(ws, onMessage)
}

func (c *wsConn) readPump(ws *websocket.Conn, onMessage func([]byte)) {
	defer c.Close()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (c *wsConn) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(ws, websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(ws, websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			// Flush what was queued before the close, then say goodbye.
			for {
				select {
				case data := <-c.send:
					if err := c.write(ws, websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(ws, websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(ws *websocket.Conn, kind int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(kind, data)
}

// checkHandshake rejects requests the upgrader would refuse. It runs before
// any admission or token redemption so a bad handshake has no side effects.
func (h *routerHandlers) checkHandshake(r *http.Request) error {
	if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
		return apperror.Validation("websocket upgrade required")
	}
	if r.Header.Get("Sec-Websocket-Version") != "13" || r.Header.Get("Sec-Websocket-Key") == "" {
		return apperror.Validation("unsupported websocket handshake")
	}
	if h.upgrader.CheckOrigin != nil && !h.upgrader.CheckOrigin(r) {
		return apperror.Forbidden("origin not allowed")
	}
	return nil
}

// handleStream attaches a long-lived event stream for the caller. Caps are
// checked before the upgrade so rejections are plain HTTP responses.
func (h *routerHandlers) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := h.checkHandshake(r); err != nil {
		writeError(w, err)
		return
	}

	user := auth.UserID(r.Context())
	conn := newWSConn(h.sendBuffer)

	client, err := h.streams.Add(user, conn, r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("📱 Stream upgrade failed for %s: %v", user, err)
		h.streams.Remove(client)
		_ = conn.Close()
		return
	}

	_ = conn.Send(protocol.Event{Name: protocol.EventStreamReady, Data: client})
	conn.run(ws, func(message []byte) {
		var msg protocol.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Action == string(protocol.ActionPing) {
			_ = conn.Send(protocol.Event{Name: protocol.EventPong})
		}
	})
}

// handleGameChannel redeems a join token and binds the socket to its game.
// The token is single use: a second attempt with it is rejected. The
// channel is bound only once the upgrade has succeeded.
func (h *routerHandlers) handleGameChannel(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, apperror.Unauthenticated("join token is required"))
		return
	}
	if err := h.checkHandshake(r); err != nil {
		writeError(w, err)
		return
	}

	pc, _, err := h.lobby.Redeem(token)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("🎮 Game channel upgrade failed for %s: %v", pc.UserID, err)
		return
	}

	conn := newWSConn(h.sendBuffer)
	if err := h.lobby.Bind(pc, conn); err != nil {
		log.Printf("🎮 Game channel bind failed for %s: %v", pc.UserID, err)
		sendError(conn, err)
		_ = conn.Close()
		conn.writePump(ws)
		return
	}

	conn.run(ws, func(message []byte) {
		var msg protocol.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			sendError(conn, apperror.Validation("invalid message"))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.actionWait)
		reply, err := h.lobby.HandleAction(ctx, pc.UserID, pc.GameID, msg)
		cancel()
		if err != nil {
			sendError(conn, err)
			return
		}
		if reply != nil {
			_ = conn.Send(*reply)
		}
	})
}

func sendError(conn *wsConn, err error) {
	body := apperror.Body(err)
	_ = conn.Send(protocol.Event{Name: protocol.EventError, Data: protocol.ErrorPayload{
		Code:    body.Error,
		Message: body.Message,
	}})
}
