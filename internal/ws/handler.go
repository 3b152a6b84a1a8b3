package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, this should be more restrictive
		return true
	},
}

// Message is the wire envelope pushed to violation subscribers
type Message struct {
	Type string          `json:"type"`
	Data *eventbus.Event `json:"data"`
}

// Handler upgrades viewers onto the violation event feed. Each connection
// gets its own bus subscription; a slow or dead connection never affects
// the others.
type Handler struct {
	bus *eventbus.Bus
}

// NewHandler creates a WebSocket handler backed by the violation bus
func NewHandler(bus *eventbus.Bus) *Handler {
	return &Handler{bus: bus}
}

// ServeHTTP handles WebSocket upgrade requests at /ws/violations
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	sub := h.bus.Subscribe()
	log.Printf("[WS] New violation subscriber %s from %s", sub.ID, r.RemoteAddr)

	go h.writePump(sub, conn)
	go h.readPump(sub, conn)
}

// writePump drains the subscription inbox onto the connection and keeps
// it alive with pings. It is the only goroutine writing to the socket.
func (h *Handler) writePump(sub *eventbus.Subscriber, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.bus.Unsubscribe(sub.ID)
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Bus closed the subscription
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Message{Type: "violation", Data: ev}); err != nil {
				log.Printf("[WS] Write error for subscriber %s: %v", sub.ID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the connection, mainly to detect disconnection
func (h *Handler) readPump(sub *eventbus.Subscriber, conn *websocket.Conn) {
	defer func() {
		h.bus.Unsubscribe(sub.ID)
		conn.Close()
	}()

	conn.SetReadLimit(512) // Small limit since client shouldn't send much
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for subscriber %s: %v", sub.ID, err)
			}
			return
		}
	}
}
