package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"finova-engine/internal/middleware"
	"finova-engine/internal/observability"
	ws "finova-engine/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, check against allowed origins
		return true
	},
}

// Disconnecter settles a session when its subscriber drops, honoring
// the settle-on-disconnect policy.
type Disconnecter interface {
	Disconnect(ctx context.Context, userID string)
}

// WebSocketHandler handles WebSocket subscriptions to mining events
type WebSocketHandler struct {
	hub     *ws.Hub
	service Disconnecter
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *ws.Hub, service Disconnecter) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		service: service,
	}
}

// HandleConnection handles WebSocket upgrade and connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// Get user ID from context (set by identity middleware)
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	// Upgrade connection
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.FromContext(r.Context()).Warn("websocket upgrade failed",
			slog.Any("error", err))
		return
	}

	// Create client; when the connection drops the engine gets a
	// chance to settle the session.
	client := ws.NewClient(context.Background(), h.hub, conn, userID, h.service.Disconnect)

	// Register client with hub
	h.hub.Register(client)

	// Start client pumps
	go client.WritePump()
	go client.ReadPump()
}
