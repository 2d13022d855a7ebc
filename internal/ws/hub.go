package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
	"chat-sync/internal/telemetry"
)

const writeWait = 5 * time.Second

// Hub fans engine updates out to attached UI clients.
type Hub struct {
	clients map[*websocket.Conn]ConnInfo
	audit   *telemetry.AuditEmitter
	mu      sync.RWMutex
}

// NewHub creates an empty hub. audit may be nil.
func NewHub(audit *telemetry.AuditEmitter) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]ConnInfo),
		audit:   audit,
	}
}

// AddClient registers a UI connection.
func (h *Hub) AddClient(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = info
}

// RemoveClient forgets a UI connection.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Count returns the number of attached clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast writes one update to every client. Clients that fail the write
// are closed and dropped.
func (h *Hub) Broadcast(update models.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}

	h.mu.RLock()
	conns := make(map[*websocket.Conn]ConnInfo, len(h.clients))
	for conn, info := range h.clients {
		conns[conn] = info
	}
	h.mu.RUnlock()

	for conn, info := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveClient(conn)
			h.audit.Emit(context.Background(), "ws_error", update.ConversationID,
				fmt.Sprintf("conn=%s client=%s after=%dms: %v", info.ConnID, info.ClientID, time.Since(info.ConnectedAt).Milliseconds(), err))
		}
	}
}

// Pump broadcasts updates until the channel closes or ctx is done.
func (h *Hub) Pump(ctx context.Context, updates <-chan models.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(u)
		}
	}
}

// CloseAll sends a going-away frame to every client and drops them.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}
