package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"finova-engine/internal/observability"
)

// ServerEvent is the envelope pushed to subscribed clients.
type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type pushEvent struct {
	userID string
	event  string
	data   []byte
}

// Hub maintains the subscriber connections per user and fans engine
// events out to them. It implements domain.Notifier; Push never blocks
// the caller, a saturated hub drops the event instead.
type Hub struct {
	// Registered clients by user
	clients map[string]map[*Client]bool

	// Outbound events
	push chan *pushEvent

	// Register client
	register chan *Client

	// Unregister client
	unregister chan *Client

	// Shutdown signal
	done chan struct{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		push:       make(chan *pushEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			observability.SubscriberConnectionsActive.Inc()
			slog.Info("subscriber registered",
				slog.String("user_id", client.userID))

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.push:
			h.deliver(event)
		}
	}
}

// deliver fans one event out to every connection the user holds.
// Accrual ticks are paced per connection so a fast scheduler never
// floods a slow client.
func (h *Hub) deliver(event *pushEvent) {
	clients, ok := h.clients[event.userID]
	if !ok {
		return
	}
	for client := range clients {
		if event.event == "accrual" && !client.accrualLimiter.Allow() {
			continue
		}
		select {
		case client.send <- event.data:
		default:
			// Client's send buffer is full, close connection
			h.closeClientSend(client)
			delete(clients, client)
			observability.SubscriberConnectionsActive.Dec()
		}
	}
	if len(clients) == 0 {
		delete(h.clients, event.userID)
	}
}

// unregisterClient safely removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	if clients, ok := h.clients[client.userID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			h.closeClientSend(client)
			observability.SubscriberConnectionsActive.Dec()
			slog.Info("subscriber unregistered",
				slog.String("user_id", client.userID))

			if len(clients) == 0 {
				delete(h.clients, client.userID)
			}
		}
	}
}

// closeClientSend safely closes a client's send channel
func (h *Hub) closeClientSend(client *Client) {
	select {
	case <-client.send:
		// Channel already closed
	default:
		close(client.send)
	}
}

// shutdown performs graceful cleanup of all connections
func (h *Hub) shutdown() {
	close(h.done)

	for userID, clients := range h.clients {
		for client := range clients {
			h.closeClientSend(client)
			slog.Info("closed subscriber connection",
				slog.String("user_id", userID))
		}
	}

	slog.Info("hub shutdown complete")
}

// Push implements domain.Notifier. Events for users with no subscriber
// are silently dropped; a full hub queue drops the event and counts it.
func (h *Hub) Push(userID, event string, payload any) {
	data, err := json.Marshal(ServerEvent{Type: event, Payload: payload})
	if err != nil {
		slog.Error("failed to marshal server event",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.push <- &pushEvent{userID: userID, event: event, data: data}:
	case <-h.done:
	default:
		observability.NotificationsDropped.Inc()
	}
}

// Register registers a client with the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
