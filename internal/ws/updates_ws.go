package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpdatesHandler attaches UI clients to the engine's update stream.
type UpdatesHandler struct {
	hub *Hub
}

// NewUpdatesHandler constructs an UpdatesHandler.
func NewUpdatesHandler(hub *Hub) *UpdatesHandler {
	return &UpdatesHandler{hub: hub}
}

// Handle upgrades the connection and registers the client. Inbound frames
// are read only to detect disconnects.
func (h *UpdatesHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      c.GetString("userID"),
		ClientID:    observability.ClientIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   c.GetString(middleware.RequestIDKey),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// the request context ends with the handshake
	ctx = context.WithoutCancel(ctx)
	h.hub.AddClient(conn, info)
	observability.IncWSActive()
	h.hub.audit.Emit(ctx, "ws_connect", "", "conn="+info.ConnID+" client="+info.ClientID)

	go func() {
		var closeReason string
		defer func() {
			h.hub.RemoveClient(conn)
			observability.DecWSActive()
			h.hub.audit.Emit(ctx, "ws_disconnect", "", "conn="+info.ConnID+" reason="+closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				return
			}
		}
	}()
}
