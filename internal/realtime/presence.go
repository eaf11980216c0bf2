package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Participant status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Participant is the transient per-map presence record. It is never
// persisted; the durable participants set on the map document is separate.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"username"`
	Status string `json:"status"`
}

// Registry is the per-map table of session participants. Records are kept in
// insertion order and never hard-deleted while the process lives, so a
// disconnected user's last-known name and status can still be shown. Every
// change publishes the full participant list via notify; the protocol is
// full-state replication, not diffs, which self-heals after a dropped
// message at the cost of bandwidth.
type Registry struct {
	mu     sync.RWMutex
	order  map[string][]*Participant          // mapID -> participants, insertion order
	index  map[string]map[string]*Participant // mapID -> userID -> participant
	notify func(mapID string, participants []Participant)
	logger *zap.Logger
}

// NewRegistry creates a presence registry. notify is invoked after every
// state change with a snapshot of the map's participant list; it may be nil.
// It runs with the registry lock held, so it must only enqueue the snapshot
// and never call back into the registry.
func NewRegistry(logger *zap.Logger, notify func(mapID string, participants []Participant)) *Registry {
	return &Registry{
		order:  make(map[string][]*Participant),
		index:  make(map[string]map[string]*Participant),
		notify: notify,
		logger: logger,
	}
}

// Join registers or refreshes a participant as online. Repeated joins by the
// same user are idempotent and keep the original insertion position.
func (r *Registry) Join(mapID, userID, displayName string) {
	if mapID == "" || userID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.index[mapID][userID]; ok {
		existing.Status = StatusOnline
		if displayName != "" {
			existing.Name = displayName
		}
	} else {
		p := &Participant{UserID: userID, Name: displayName, Status: StatusOnline}
		if r.index[mapID] == nil {
			r.index[mapID] = make(map[string]*Participant)
		}
		r.index[mapID][userID] = p
		r.order[mapID] = append(r.order[mapID], p)
	}

	r.logger.Debug("Participant online",
		zap.String("mapID", mapID),
		zap.String("userID", userID),
	)
	// Published under the lock so two near-simultaneous changes cannot enqueue
	// their snapshots in inverted order; notify must only enqueue, not block.
	r.publish(mapID, r.snapshotLocked(mapID))
}

// MarkOffline flips a participant's status without removing the record.
// Unknown map or user is a no-op.
func (r *Registry) MarkOffline(mapID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.index[mapID][userID]
	if !ok {
		return
	}
	p.Status = StatusOffline

	r.logger.Debug("Participant offline",
		zap.String("mapID", mapID),
		zap.String("userID", userID),
	)
	r.publish(mapID, r.snapshotLocked(mapID))
}

// List returns the map's participants in insertion order, newest joiner
// last. An unknown mapID yields an empty slice, never an error.
func (r *Registry) List(mapID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(mapID)
}

// Drop removes all presence state for a map. Used on map teardown.
func (r *Registry) Drop(mapID string) {
	r.mu.Lock()
	delete(r.order, mapID)
	delete(r.index, mapID)
	r.mu.Unlock()

	r.logger.Debug("Presence dropped", zap.String("mapID", mapID))
}

func (r *Registry) snapshotLocked(mapID string) []Participant {
	list := r.order[mapID]
	snapshot := make([]Participant, len(list))
	for i, p := range list {
		snapshot[i] = *p
	}
	return snapshot
}

func (r *Registry) publish(mapID string, snapshot []Participant) {
	if r.notify != nil {
		r.notify(mapID, snapshot)
	}
}
