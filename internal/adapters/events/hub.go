// Package events streams registry lifecycle events to admin websocket
// clients. Slow consumers drop events rather than backpressure the registry.
package events

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openmix/roomd/internal/app"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Hub struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// Publish implements app.EventSink. It never blocks: a full send buffer
// drops the event for that client.
func (h *Hub) Publish(e app.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "events").Msg("ws upgrade")
		return
	}
	cn := &conn{ws: ws, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.conns[cn] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "events").Str("remote", ws.RemoteAddr().String()).Msg("event feed attached")

	go h.writePump(cn)
	go h.readPump(cn)
}

func (h *Hub) writePump(cn *conn) {
	for payload := range cn.send {
		if err := cn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(cn)
			return
		}
	}
}

// readPump exists only to notice the client going away.
func (h *Hub) readPump(cn *conn) {
	for {
		if _, _, err := cn.ws.ReadMessage(); err != nil {
			h.drop(cn)
			return
		}
	}
}

func (h *Hub) drop(cn *conn) {
	h.mu.Lock()
	_, ok := h.conns[cn]
	delete(h.conns, cn)
	h.mu.Unlock()
	if ok {
		close(cn.send)
		_ = cn.ws.Close()
	}
}
