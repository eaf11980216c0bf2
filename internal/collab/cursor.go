package collab

import (
	"go.uber.org/zap"
)

// CursorRelay forwards pointer positions to a map's room. Fire-and-forget:
// no state is retained between calls, nothing is persisted, and a dropped
// cursor event is simply superseded by the next one. Rate limiting is left
// to the client.
type CursorRelay struct {
	hub    Broadcaster
	logger *zap.Logger
}

// NewCursorRelay creates a cursor relay.
func NewCursorRelay(hub Broadcaster, logger *zap.Logger) *CursorRelay {
	return &CursorRelay{hub: hub, logger: logger}
}

// MoveCursor broadcasts a cursor:update to every room member, including the
// sender's own other tabs.
func (r *CursorRelay) MoveCursor(cursor CursorPayload) {
	data, err := NewEvent(EventCursorUpdate, cursor)
	if err != nil {
		r.logger.Error("Failed to encode cursor event", zap.Error(err))
		return
	}
	r.hub.BroadcastToAll(cursor.MapID, data)
}
