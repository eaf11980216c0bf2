package collab

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/domain"
	"github.com/2lar/mapsync/internal/realtime"
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// Broadcaster is the slice of the hub the engine needs.
type Broadcaster interface {
	BroadcastToRoom(mapID string, data []byte, exclude *realtime.Client)
	BroadcastToAll(mapID string, data []byte)
}

// PersistenceBridge reconciles session state with the durable store. Writes
// are scheduled, not awaited: the broadcast path must never block on the
// store.
type PersistenceBridge interface {
	// LoadMap point-reads the durable record for join-time reconciliation.
	LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error)
	// OnJoin appends the user to the persisted participants set if absent.
	OnJoin(ctx context.Context, mapID, userID string) error
	// OnDisconnect records offline status in the side table. Fire-and-forget.
	OnDisconnect(mapID, userID string)
	// PersistGraph schedules a wholesale overwrite of the stored graph.
	PersistGraph(mapID string, nodes []domain.Node, edges []domain.Edge)
	// DropMap discards any pending writes for a torn-down map.
	DropMap(mapID string)
}

// mapState is the engine's working copy of one map's graph: the last loaded
// or merged nodes and edges, just enough to merge batches, validate edge
// endpoints, and persist wholesale. Its mutex is the per-map writer lock
// that serializes concurrent applies for the same map.
type mapState struct {
	mu     sync.Mutex
	doc    *domain.MapDocument
	loaded bool
}

// Engine receives edit operations, merges them last-writer-wins, rebroadcasts
// to the room, and schedules write-through persistence. The broadcast happens
// before the persistence write completes, so peers see updates before
// durability is confirmed.
type Engine struct {
	hub    Broadcaster
	bridge PersistenceBridge

	mu     sync.Mutex
	states map[string]*mapState

	logger *zap.Logger
}

// NewEngine creates a sync engine.
func NewEngine(hub Broadcaster, bridge PersistenceBridge, logger *zap.Logger) *Engine {
	return &Engine{
		hub:    hub,
		bridge: bridge,
		states: make(map[string]*mapState),
		logger: logger,
	}
}

func (e *Engine) state(mapID string) *mapState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[mapID]
	if !ok {
		st = &mapState{}
		e.states[mapID] = st
	}
	return st
}

// ensureLoadedLocked populates the state from the store on first use.
// Caller holds st.mu. A transient store failure leaves the session running on
// an empty in-memory document but keeps loaded false, so the read is retried
// on the next access. While unloaded the engine must not write through: a
// wholesale overwrite based on the substitute empty document would destroy
// the stored graph.
func (e *Engine) ensureLoadedLocked(ctx context.Context, mapID string, st *mapState) {
	if st.loaded {
		return
	}

	doc, err := e.bridge.LoadMap(ctx, mapID)
	switch {
	case err == nil:
		st.doc = doc
		st.loaded = true
	case pkgerrors.IsNotFound(err):
		st.doc = &domain.MapDocument{ID: mapID, Nodes: []domain.Node{}, Edges: []domain.Edge{}}
		st.loaded = true
	default:
		e.logger.Error("Failed to load map, serving empty state until the store recovers",
			zap.String("mapID", mapID),
			zap.Error(err),
		)
		if st.doc == nil {
			st.doc = &domain.MapDocument{ID: mapID, Nodes: []domain.Node{}, Edges: []domain.Edge{}}
		}
	}
}

// Snapshot returns a copy of the map's current nodes and edges, loading from
// the store on first access.
func (e *Engine) Snapshot(ctx context.Context, mapID string) ([]domain.Node, []domain.Edge) {
	st := e.state(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.ensureLoadedLocked(ctx, mapID, st)

	nodes := make([]domain.Node, len(st.doc.Nodes))
	copy(nodes, st.doc.Nodes)
	edges := make([]domain.Edge, len(st.doc.Edges))
	copy(edges, st.doc.Edges)
	return nodes, edges
}

// ApplyChange merges one change set into the map, broadcasts map:updated to
// the room excluding the sender, and schedules the write-through. Applies for
// the same map are serialized by the per-map lock; a full-replace is
// last-writer-wins over the whole node and edge arrays.
func (e *Engine) ApplyChange(ctx context.Context, mapID string, change *domain.ChangeSet, sender *realtime.Client) error {
	if err := change.Validate(); err != nil {
		return err
	}

	st := e.state(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.ensureLoadedLocked(ctx, mapID, st)

	change.Apply(st.doc)

	// A full replace carries the client's complete graph, so it is a valid
	// base even when the stored record could not be read yet.
	if !st.loaded && change.Kind == domain.ChangeFullReplace {
		st.loaded = true
	}

	data, err := NewEvent(EventMapUpdated, UpdatePayload{MapID: mapID, Change: *change})
	if err != nil {
		return pkgerrors.Wrap(err, "encode map:updated")
	}
	e.hub.BroadcastToRoom(mapID, data, sender)

	if st.loaded {
		e.bridge.PersistGraph(mapID, st.doc.Nodes, st.doc.Edges)
	} else {
		e.logger.Warn("Skipping write-through for map with unread stored state",
			zap.String("mapID", mapID),
		)
	}

	e.logger.Debug("Change applied",
		zap.String("mapID", mapID),
		zap.String("kind", string(change.Kind)),
		zap.Int("nodes", len(st.doc.Nodes)),
		zap.Int("edges", len(st.doc.Edges)),
	)
	return nil
}

// Connect validates both endpoints against the map's current node set and,
// on success, merges the new edge, broadcasts it to the whole room (the
// sender needs the server-assigned edge ID too), and schedules persistence.
// A missing endpoint yields domain.ErrInvalidEdgeEndpoint.
func (e *Engine) Connect(ctx context.Context, mapID, sourceID, targetID string, sender *realtime.Client) (domain.Edge, error) {
	st := e.state(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.ensureLoadedLocked(ctx, mapID, st)

	edge, err := st.doc.Connect(sourceID, targetID)
	if err != nil {
		return domain.Edge{}, err
	}

	change := domain.ChangeSet{Kind: domain.ChangeEdgeUpsert, Edge: &edge}
	change.Apply(st.doc)

	data, err := NewEvent(EventMapUpdated, UpdatePayload{MapID: mapID, Change: change})
	if err != nil {
		return domain.Edge{}, pkgerrors.Wrap(err, "encode map:updated")
	}
	e.hub.BroadcastToAll(mapID, data)

	if st.loaded {
		e.bridge.PersistGraph(mapID, st.doc.Nodes, st.doc.Edges)
	}
	return edge, nil
}

// Teardown discards the engine's session state for a map. When the stored
// record names an owner only the owner may tear the session down; a map never
// persisted with an owner can be dropped by any member.
func (e *Engine) Teardown(ctx context.Context, mapID, userID string) error {
	st := e.state(mapID)
	st.mu.Lock()
	e.ensureLoadedLocked(ctx, mapID, st)
	owner := st.doc.OwnerID
	st.mu.Unlock()

	if owner != "" && owner != userID {
		return pkgerrors.NewValidation("only the map owner may delete the map")
	}

	e.mu.Lock()
	delete(e.states, mapID)
	e.mu.Unlock()

	e.bridge.DropMap(mapID)
	e.logger.Info("Map session state dropped",
		zap.String("mapID", mapID),
		zap.String("userID", userID),
	)
	return nil
}
