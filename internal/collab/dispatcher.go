package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/domain"
	"github.com/2lar/mapsync/internal/observability"
	"github.com/2lar/mapsync/internal/realtime"
)

// joinTimeout bounds the store reconciliation triggered by a join.
const joinTimeout = 10 * time.Second

// Dispatcher routes inbound wire events to the presence registry, the sync
// engine, and the cursor relay. It implements realtime.MessageHandler.
//
// Malformed events (missing mapId or userId, unknown type, bad JSON) are
// dropped without a broadcast; the live session must never crash or leak on
// bad input. Events naming a room the connection never joined are dropped
// silently as well.
type Dispatcher struct {
	hub      *realtime.Hub
	registry *realtime.Registry
	engine   *Engine
	cursors  *CursorRelay
	bridge   PersistenceBridge
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewDispatcher wires the event router.
func NewDispatcher(
	hub *realtime.Hub,
	registry *realtime.Registry,
	engine *Engine,
	cursors *CursorRelay,
	bridge PersistenceBridge,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		registry: registry,
		engine:   engine,
		cursors:  cursors,
		bridge:   bridge,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleMessage implements realtime.MessageHandler.
func (d *Dispatcher) HandleMessage(client *realtime.Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.reject(client, "undecodable envelope")
		return
	}

	switch env.Type {
	case EventJoinMap:
		d.handleJoin(client, env.Payload)
	case EventCursorMove:
		d.handleCursor(client, env.Payload)
	case EventMapUpdate:
		d.handleUpdate(client, env.Payload)
	case EventMapConnect:
		d.handleConnect(client, env.Payload)
	case EventMapDelete:
		d.handleDelete(client, env.Payload)
	case "pong":
		// Keepalive reply, nothing to do.
	default:
		d.reject(client, "unknown event type "+env.Type)
	}
}

// HandleDisconnect implements realtime.MessageHandler. Disconnecting flips
// presence to offline and records it durably; it never shrinks the persisted
// participants set. Leaving a map is a different, explicit operation.
func (d *Dispatcher) HandleDisconnect(client *realtime.Client) {
	mapID := client.MapID()
	if mapID == "" {
		return
	}

	d.registry.MarkOffline(mapID, client.UserID())
	d.bridge.OnDisconnect(mapID, client.UserID())

	d.logger.Info("Client disconnected from map",
		zap.String("mapID", mapID),
		zap.String("userID", client.UserID()),
	)
}

func (d *Dispatcher) handleJoin(client *realtime.Client, payload json.RawMessage) {
	var join JoinPayload
	if err := json.Unmarshal(payload, &join); err != nil || join.MapID == "" {
		d.reject(client, "malformed join-map")
		return
	}
	// The authenticated identity wins over whatever the payload claims.
	if join.UserID != "" && join.UserID != client.UserID() {
		d.reject(client, "join-map user mismatch")
		return
	}
	name := join.Username
	if name == "" {
		name = client.DisplayName()
	}

	// Subscribe before registering presence so the participants:update
	// triggered by Join reaches the joining connection too.
	d.hub.Subscribe(client, join.MapID)
	d.registry.Join(join.MapID, client.UserID(), name)

	// Reconcile the persisted participants set off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		if err := d.bridge.OnJoin(ctx, join.MapID, client.UserID()); err != nil {
			d.logger.Error("Join reconciliation failed",
				zap.String("mapID", join.MapID),
				zap.String("userID", client.UserID()),
				zap.Error(err),
			)
		}
	}()

	// Push the current graph to the joining client only.
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	nodes, edges := d.engine.Snapshot(ctx, join.MapID)
	state, err := NewEvent(EventMapState, StatePayload{
		MapID:        join.MapID,
		Nodes:        nodes,
		Edges:        edges,
		Participants: d.registry.List(join.MapID),
	})
	if err != nil {
		d.logger.Error("Failed to encode map:state", zap.Error(err))
		return
	}
	if !client.Enqueue(state) {
		d.logger.Warn("Dropped map:state for slow client",
			zap.String("mapID", join.MapID),
			zap.String("connectionID", client.ID()),
		)
	}
}

func (d *Dispatcher) handleCursor(client *realtime.Client, payload json.RawMessage) {
	var cursor CursorPayload
	if err := json.Unmarshal(payload, &cursor); err != nil || cursor.MapID == "" {
		d.reject(client, "malformed cursor:move")
		return
	}
	if !d.hub.InRoom(client, cursor.MapID) {
		d.reject(client, "cursor:move outside joined room")
		return
	}

	// The authenticated identity wins over whatever the payload claims; a
	// member must not broadcast cursors under a co-editor's identity.
	cursor.UserID = client.UserID()
	cursor.Username = client.DisplayName()
	d.cursors.MoveCursor(cursor)
}

func (d *Dispatcher) handleUpdate(client *realtime.Client, payload json.RawMessage) {
	var update UpdatePayload
	if err := json.Unmarshal(payload, &update); err != nil || update.MapID == "" {
		d.reject(client, "malformed map:update")
		return
	}
	if !d.hub.InRoom(client, update.MapID) {
		d.reject(client, "map:update outside joined room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := d.engine.ApplyChange(ctx, update.MapID, &update.Change, client); err != nil {
		d.reject(client, "invalid change set")
	}
}

func (d *Dispatcher) handleConnect(client *realtime.Client, payload json.RawMessage) {
	var connect ConnectPayload
	if err := json.Unmarshal(payload, &connect); err != nil || connect.MapID == "" ||
		connect.SourceID == "" || connect.TargetID == "" {
		d.reject(client, "malformed map:connect")
		return
	}
	if !d.hub.InRoom(client, connect.MapID) {
		d.reject(client, "map:connect outside joined room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if _, err := d.engine.Connect(ctx, connect.MapID, connect.SourceID, connect.TargetID, client); err != nil {
		if errors.Is(err, domain.ErrInvalidEdgeEndpoint) {
			d.sendError(client, err.Error())
			return
		}
		d.reject(client, "map:connect failed")
	}
}

func (d *Dispatcher) handleDelete(client *realtime.Client, payload json.RawMessage) {
	var del DeletePayload
	if err := json.Unmarshal(payload, &del); err != nil || del.MapID == "" {
		d.reject(client, "malformed map:delete")
		return
	}
	if !d.hub.InRoom(client, del.MapID) {
		d.reject(client, "map:delete outside joined room")
		return
	}

	// Cascade the teardown through the session layer. The durable record is
	// deleted by the CRUD surface, not here.
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := d.engine.Teardown(ctx, del.MapID, client.UserID()); err != nil {
		d.sendError(client, err.Error())
		return
	}
	d.registry.Drop(del.MapID)
	d.hub.DropRoom(del.MapID)
}

// reject drops a bad event: counted and logged, never broadcast, never fatal.
func (d *Dispatcher) reject(client *realtime.Client, reason string) {
	d.metrics.EventsRejected.Inc()
	d.logger.Debug("Dropped inbound event",
		zap.String("reason", reason),
		zap.String("connectionID", client.ID()),
	)
}

// sendError reports a rejected request to the requesting client only.
func (d *Dispatcher) sendError(client *realtime.Client, message string) {
	data, err := NewEvent(EventError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	client.Enqueue(data)
}
