package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size
	sendBufferSize = 256
)

// MessageHandler consumes inbound events from a connection. The realtime
// layer stays protocol-agnostic; the collab dispatcher implements this.
type MessageHandler interface {
	HandleMessage(client *Client, raw []byte)
	HandleDisconnect(client *Client)
}

// Client represents one WebSocket connection.
type Client struct {
	id      string
	userID  string
	name    string
	mapID   string // current room; guarded by hub.mu
	closed  bool   // send channel closed; guarded by hub.mu
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	handler MessageHandler
	logger  *zap.Logger
}

// NewClient creates a client for an authenticated connection.
func NewClient(userID, displayName string, hub *Hub, conn *websocket.Conn, handler MessageHandler, logger *zap.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:      id,
		userID:  userID,
		name:    displayName,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		handler: handler,
		logger: logger.With(
			zap.String("userID", userID),
			zap.String("connectionID", id),
		),
	}
}

// Start registers with the hub and begins the read and write pumps.
func (c *Client) Start() {
	c.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// Enqueue delivers an event to this connection only. It reports false when
// the connection is already closed or the send buffer is full. The hub closes
// the send channel under its lock, so the closed check here must hold the
// same lock or a concurrent eviction would panic the sender.
func (c *Client) Enqueue(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump pumps messages from the WebSocket connection to the handler
func (c *Client) readPump() {
	defer func() {
		c.handler.HandleDisconnect(c)
		c.hub.unregister <- c
		c.conn.Close()
		c.logger.Debug("Read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.handler.HandleMessage(c, message)
		case websocket.BinaryMessage:
			c.logger.Warn("Binary messages not supported")
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("Write pump stopped")
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

			// Drain queued messages into the same write window
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.logger.Warn("Failed to write batched message", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated user ID.
func (c *Client) UserID() string {
	return c.userID
}

// DisplayName returns the display name supplied by the identity provider.
func (c *Client) DisplayName() string {
	return c.name
}

// MapID returns the ID of the room the connection currently belongs to, or
// the empty string.
func (c *Client) MapID() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.mapID
}
