// Package realtime owns the live-session layer: WebSocket connections, the
// room-scoped broadcast hub, and the per-map presence registry.
package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/observability"
)

// roomMessage is one event queued for fan-out to a room.
type roomMessage struct {
	mapID   string
	data    []byte
	exclude *Client // nil means deliver to every member
}

// Hub maintains active WebSocket connections grouped into rooms by map ID and
// fans events out to room members. All broadcasts flow through one channel
// consumed by a single loop, so delivery order within a room matches receipt
// order. Delivery is at-most-once: no queuing for disconnected members.
type Hub struct {
	rooms       map[string]map[*Client]bool // mapID -> set of clients
	connsByUser map[string]int
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *roomMessage

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub. Call Run in its own goroutine and Stop on shutdown.
func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		rooms:       make(map[string]map[*Client]bool),
		connsByUser: make(map[string]int),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		broadcast:   make(chan *roomMessage, 1000),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run() {
	defer close(h.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("Hub shutting down")
			h.closeAllConnections()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToRoom(message)

		case <-ticker.C:
			h.performHealthCheck()
		}
	}
}

// Stop gracefully shuts down the hub and waits for the loop to drain.
func (h *Hub) Stop() {
	h.logger.Info("Stopping WebSocket hub")
	h.cancel()
	<-h.done
}

// Subscribe places the client into the room for mapID. A connection belongs
// to at most one room; re-subscribing silently replaces the previous
// membership. Subscription is synchronous with respect to the caller so a
// broadcast queued right after always reaches the new member.
func (h *Hub) Subscribe(client *Client, mapID string) {
	if mapID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if client.mapID == mapID {
		return
	}
	h.leaveRoomLocked(client)

	if h.rooms[mapID] == nil {
		h.rooms[mapID] = make(map[*Client]bool)
		h.metrics.ActiveRooms.Inc()
	}
	h.rooms[mapID][client] = true
	client.mapID = mapID

	h.logger.Info("Client joined room",
		zap.String("mapID", mapID),
		zap.String("userID", client.userID),
		zap.String("connectionID", client.id),
		zap.Int("roomSize", len(h.rooms[mapID])),
	)
}

// InRoom reports whether the client currently belongs to the room for mapID.
// Events naming a map the connection never joined are dropped on this check;
// the hub must not leak across rooms.
func (h *Hub) InRoom(client *Client, mapID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.mapID == mapID && h.rooms[mapID][client]
}

// BroadcastToRoom queues event delivery to every room member except exclude.
// A nil exclude delivers to all members.
func (h *Hub) BroadcastToRoom(mapID string, data []byte, exclude *Client) {
	select {
	case h.broadcast <- &roomMessage{mapID: mapID, data: data, exclude: exclude}:
	case <-h.ctx.Done():
	}
}

// BroadcastToAll queues event delivery to every room member including the
// sender. Used for presence, where a participant must see itself listed.
func (h *Hub) BroadcastToAll(mapID string, data []byte) {
	h.BroadcastToRoom(mapID, data, nil)
}

// DropRoom evicts all members of the room for mapID. Connections stay open
// but roomless; used when a map is deleted.
func (h *Hub) DropRoom(mapID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[mapID]
	if !ok {
		return
	}
	for client := range clients {
		client.mapID = ""
	}
	delete(h.rooms, mapID)
	h.metrics.ActiveRooms.Dec()

	h.logger.Info("Room dropped", zap.String("mapID", mapID), zap.Int("evicted", len(clients)))
}

// ConnectionCount returns the number of open connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connsByUser[userID]
}

// RoomSize returns the number of connections in the room for mapID.
func (h *Hub) RoomSize(mapID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[mapID])
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connsByUser[client.userID]++
	h.metrics.ActiveConnections.Inc()

	h.logger.Info("Client registered",
		zap.String("userID", client.userID),
		zap.String("connectionID", client.id),
		zap.Int("userConnections", h.connsByUser[client.userID]),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return
	}
	client.closed = true
	close(client.send)

	h.leaveRoomLocked(client)

	if h.connsByUser[client.userID] <= 1 {
		delete(h.connsByUser, client.userID)
	} else {
		h.connsByUser[client.userID]--
	}
	h.metrics.ActiveConnections.Dec()

	h.logger.Info("Client unregistered",
		zap.String("userID", client.userID),
		zap.String("connectionID", client.id),
	)
}

// leaveRoomLocked removes the client from its current room. Caller holds mu.
func (h *Hub) leaveRoomLocked(client *Client) {
	if client.mapID == "" {
		return
	}
	if clients, ok := h.rooms[client.mapID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.mapID)
			h.metrics.ActiveRooms.Dec()
		}
	}
	client.mapID = ""
}

// broadcastToRoom fans one queued message out to the room's members.
func (h *Hub) broadcastToRoom(message *roomMessage) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[message.mapID]))
	for client := range h.rooms[message.mapID] {
		if client != message.exclude {
			members = append(members, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- message.data:
			h.metrics.MessagesSent.Inc()
		default:
			// Client's send channel is full, drop it
			h.metrics.MessagesDropped.Inc()
			h.logger.Warn("Closing slow client",
				zap.String("userID", client.userID),
				zap.String("connectionID", client.id),
			)
			go func(c *Client) {
				c.hub.unregister <- c
				c.conn.Close()
			}(client)
		}
	}
}

// performHealthCheck pings all connections to check if they're alive
func (h *Hub) performHealthCheck() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for mapID, clients := range h.rooms {
		total += len(clients)
		for client := range clients {
			select {
			case client.send <- []byte(`{"type":"ping"}`):
			default:
				h.logger.Warn("Failed to ping client",
					zap.String("mapID", mapID),
					zap.String("connectionID", client.id),
				)
			}
		}
	}

	h.logger.Debug("Health check performed",
		zap.Int("roomConnections", total),
		zap.Int("rooms", len(h.rooms)),
	)
}

// closeAllConnections closes all active connections during shutdown
func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for mapID, clients := range h.rooms {
		for client := range clients {
			if !client.closed {
				client.closed = true
				close(client.send)
			}
			client.conn.Close()
		}
		delete(h.rooms, mapID)
	}

	h.logger.Info("All connections closed")
}
