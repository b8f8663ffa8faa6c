package websocket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 512

	// accrualPushRate paces high-frequency accrual updates per
	// connection; lifecycle events are never paced.
	accrualPushRate  = rate.Limit(1)
	accrualPushBurst = 3
)

// Client is one subscriber connection. Subscribers only receive; any
// inbound frame beyond control traffic is discarded.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	userID         string
	accrualLimiter *rate.Limiter

	// onDisconnect runs once when the connection drops, after the
	// client has left the hub.
	onDisconnect func(ctx context.Context, userID string)

	closed    atomic.Bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, userID string,
	onDisconnect func(ctx context.Context, userID string)) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, 64),
		userID:         userID,
		accrualLimiter: rate.NewLimiter(accrualPushRate, accrualPushBurst),
		onDisconnect:   onDisconnect,
		ctx:            clientCtx,
		ctxCancel:      cancel,
	}
}

// ReadPump drains the connection until it drops, which is how a
// disconnect is detected.
func (c *Client) ReadPump() {
	defer func() {
		c.ctxCancel()
		c.hub.Unregister(c)
		c.closeConnection()

		if c.onDisconnect != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.onDisconnect(ctx, c.userID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("user_id", c.userID))
			}
			return
		}
		// Inbound payloads are ignored; commands go through the HTTP API.
	}
}

// WritePump pushes queued events to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeConnection closes the underlying connection exactly once.
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}
