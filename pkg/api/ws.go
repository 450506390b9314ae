package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

// WSClient represents a connected WebSocket client. An empty conversationID
// watches every conversation (API key holders only).
type WSClient struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *WSHub
	conversationID string
}

// WSHub manages WebSocket connections and fans push events out to the
// clients watching the event's conversation.
type WSHub struct {
	server     *Server
	upgrader   websocket.Upgrader
	clients    map[*WSClient]bool
	broadcast  chan events.Event
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(server *Server) *WSHub {
	h := &WSHub{
		server:     server,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Non-browser clients send no Origin header
			}
			if server.originAllowed(origin) {
				return true
			}
			logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
			return false
		},
	}
	return h
}

// Run starts the hub's main loop.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.DebugCF("ws", "Client connected", map[string]interface{}{
				"conversation_id": client.conversationID,
			})

			// Registered before the snapshot is read, so nothing falls between.
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			logger.DebugC("ws", "Client disconnected")

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	conversationID := ""
	if d, err := ev.Session(); err == nil {
		conversationID = d.ConversationID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.conversationID != "" && client.conversationID != conversationID {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client too slow, drop
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Broadcast queues an event for the clients watching its conversation.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		logger.WarnCF("ws", "Broadcast queue full, event dropped", map[string]interface{}{
			"type": ev.Type,
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket upgrade requests for
// /api/ws?conversation_id=<id>.
// The upgrade request is authenticated by authMiddleware; conversation
// tokens must name their own conversation.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if !mayAccess(r, conversationID) {
		forbidden(w)
		return
	}
	if conversationID != "" {
		if _, err := h.server.container.ConversationService.Status(domain.EntityID(conversationID)); err != nil {
			writeError(w, "ws", err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &WSClient{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            h,
		conversationID: conversationID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *WSHub) sendInitialState(client *WSClient) {
	if client.conversationID == "" {
		return
	}
	report, err := h.server.container.ConversationService.Status(domain.EntityID(client.conversationID))
	if err != nil {
		logger.WarnCF("ws", "No initial state for client", map[string]interface{}{
			"conversation_id": client.conversationID,
			"error":           err.Error(),
		})
		return
	}
	ev, err := events.New(events.StatusUpdate, "gateway", events.StatusEventData{
		ConversationID:      client.conversationID,
		Status:              report.Status.String(),
		ActiveMobileSession: report.ActiveMobileSession,
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// --- Client methods ---

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages, one event per line
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
