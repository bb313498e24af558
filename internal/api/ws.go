package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// wsHub fans every dispatched AgentEvent out to all connected GET
// /v1/ws/events subscribers, using a bounded per-connection send channel,
// ping/pong keepalive, and write-deadline discipline, simplified
// to server-push only: the control plane here has no client-to-server
// request frames to dispatch, so there is no read loop beyond keepalive.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
}

const (
	wsSendBuffer = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = (wsPongWait * 8) / 10
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSHub() *wsHub {
	return &wsHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Dispatch implements events.Sink: it marshals evt to the wire envelope
// and fans it out to every connected client's bounded send channel. A
// client whose channel is already full (a slow subscriber) has this event
// dropped rather than blocking the emitter.
func (h *wsHub) Dispatch(evt models.AgentEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and registers it for broadcast until
// the socket closes or a write fails.
func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.register(client)
	defer h.unregister(client)

	go h.readLoop(client)
	h.writeLoop(client)
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// readLoop only exists to observe pong keepalives and client-initiated
// close frames; this control plane accepts no client-to-server commands.
func (h *wsHub) readLoop(c *wsClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
