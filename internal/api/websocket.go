package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"listing-sniper/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventHub fans bus events out to connected websocket clients. Slow clients
// are disconnected rather than allowed to stall the hub.
type eventHub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan events.Event
	closed  bool
}

func newEventHub(bus *events.Bus, logger zerolog.Logger) *eventHub {
	h := &eventHub{
		logger:  logger.With().Str("component", "event_hub").Logger(),
		clients: make(map[*websocket.Conn]chan events.Event),
	}
	if bus != nil {
		bus.SubscribeAll(h.broadcast)
	}
	return h
}

func (h *eventHub) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	send := make(chan events.Event, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	h.mu.Unlock()

	go h.writeLoop(conn, send)
	go h.readLoop(conn)
}

func (h *eventHub) writeLoop(conn *websocket.Conn, send chan events.Event) {
	for event := range send {
		if err := conn.WriteJSON(event); err != nil {
			h.drop(conn)
			return
		}
	}
	conn.Close()
}

// readLoop discards client messages and detects disconnects
func (h *eventHub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *eventHub) broadcast(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- event:
		default:
			// Client cannot keep up
			delete(h.clients, conn)
			close(send)
		}
	}
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
	}
}
