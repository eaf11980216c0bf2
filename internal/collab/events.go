// Package collab implements the collaborative-editing core: the graph sync
// engine, the cursor relay, and the dispatcher that routes wire events from
// connections to both.
package collab

import (
	"encoding/json"
	"fmt"

	"github.com/2lar/mapsync/internal/domain"
	"github.com/2lar/mapsync/internal/realtime"
)

// Wire event types. Client-to-server and server-to-client share one
// envelope: {"type": ..., "payload": ...}.
const (
	EventJoinMap      = "join-map"
	EventCursorMove   = "cursor:move"
	EventCursorUpdate = "cursor:update"
	EventMapUpdate    = "map:update"
	EventMapUpdated   = "map:updated"
	EventMapConnect   = "map:connect"
	EventMapDelete    = "map:delete"
	EventMapState     = "map:state"
	EventParticipants = "participants:update"
	EventMapUnsaved   = "map:unsaved"
	EventError        = "error"
)

// Envelope wraps every wire event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload enters a room and registers presence.
type JoinPayload struct {
	MapID    string `json:"mapId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// CursorPayload carries a live pointer position. Never persisted.
type CursorPayload struct {
	MapID    string  `json:"mapId"`
	UserID   string  `json:"userId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
}

// UpdatePayload proposes a graph change.
type UpdatePayload struct {
	MapID  string           `json:"mapId"`
	Change domain.ChangeSet `json:"changeSet"`
}

// ConnectPayload requests a new edge between two existing nodes.
type ConnectPayload struct {
	MapID    string `json:"mapId"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// DeletePayload tears down the live session state for a map.
type DeletePayload struct {
	MapID string `json:"mapId"`
}

// StatePayload is the initial snapshot pushed to a joining client.
type StatePayload struct {
	MapID        string                 `json:"mapId"`
	Nodes        []domain.Node          `json:"nodes"`
	Edges        []domain.Edge          `json:"edges"`
	Participants []realtime.Participant `json:"participants"`
}

// ParticipantsPayload is the full presence snapshot for a map.
type ParticipantsPayload struct {
	MapID        string                 `json:"mapId"`
	Participants []realtime.Participant `json:"participants"`
}

// UnsavedPayload warns a room that recent changes may not be durably stored.
type UnsavedPayload struct {
	MapID string `json:"mapId"`
}

// ErrorPayload reports a rejected request to the requesting client only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent marshals an envelope for the given event type and payload.
func NewEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// NewParticipantsEvent builds the participants:update event broadcast after
// every presence change.
func NewParticipantsEvent(mapID string, participants []realtime.Participant) ([]byte, error) {
	return NewEvent(EventParticipants, ParticipantsPayload{
		MapID:        mapID,
		Participants: participants,
	})
}
