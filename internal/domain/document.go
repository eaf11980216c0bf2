// Package domain holds the collaborative map model: the persisted document,
// its nodes and edges, and the change sets exchanged during live editing.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// ErrInvalidEdgeEndpoint is returned when a connect request references a node
// that is not part of the map's current node set.
var ErrInvalidEdgeEndpoint = pkgerrors.NewValidation("edge endpoint does not exist in map")

// Node is a vertex of the mind map. Position and style are owned by the
// editing widget; the server treats them as opaque beyond JSON validity.
type Node struct {
	ID    string         `json:"id"`
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
	Label string         `json:"label"`
	Type  string         `json:"type,omitempty"`
	Style map[string]any `json:"style,omitempty"`
}

// Edge connects two nodes of the same map.
type Edge struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source"`
	TargetID string         `json:"target"`
	Label    string         `json:"label,omitempty"`
	Style    map[string]any `json:"style,omitempty"`
}

// MapDocument is the persisted map record. Participants is order-preserving
// and duplicate-free; the owner is always a member.
type MapDocument struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Nodes        []Node    `json:"nodes"`
	Edges        []Edge    `json:"edges"`
	OwnerID      string    `json:"owner_id"`
	Participants []string  `json:"participants"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewMapDocument creates an empty map owned by ownerID.
func NewMapDocument(name, ownerID string) (*MapDocument, error) {
	if ownerID == "" {
		return nil, pkgerrors.NewValidation("ownerID cannot be empty")
	}
	if name == "" {
		name = "Untitled map"
	}
	return &MapDocument{
		ID:           uuid.New().String(),
		Name:         name,
		Nodes:        []Node{},
		Edges:        []Edge{},
		OwnerID:      ownerID,
		Participants: []string{ownerID},
		Version:      1,
		CreatedAt:    time.Now(),
	}, nil
}

// HasNode reports whether a node with the given ID exists in the map.
func (m *MapDocument) HasNode(nodeID string) bool {
	for i := range m.Nodes {
		if m.Nodes[i].ID == nodeID {
			return true
		}
	}
	return false
}

// HasParticipant reports whether userID is in the participants set.
func (m *MapDocument) HasParticipant(userID string) bool {
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends userID if absent and reports whether the set changed.
// Disconnecting never removes entries; only explicit leave does, elsewhere.
func (m *MapDocument) AddParticipant(userID string) bool {
	if userID == "" || m.HasParticipant(userID) {
		return false
	}
	m.Participants = append(m.Participants, userID)
	return true
}

// Connect validates both endpoints against the current node set and returns
// a new edge a->b. Either endpoint missing yields ErrInvalidEdgeEndpoint.
func (m *MapDocument) Connect(sourceID, targetID string) (Edge, error) {
	if !m.HasNode(sourceID) {
		return Edge{}, fmt.Errorf("%w: source %q", ErrInvalidEdgeEndpoint, sourceID)
	}
	if !m.HasNode(targetID) {
		return Edge{}, fmt.Errorf("%w: target %q", ErrInvalidEdgeEndpoint, targetID)
	}
	return Edge{
		ID:       uuid.New().String(),
		SourceID: sourceID,
		TargetID: targetID,
	}, nil
}

// UnionParticipants merges two participant lists preserving the order of a
// and appending members of b that a lacks. Used by join reconciliation so a
// concurrent append observed in the store is never dropped.
func UnionParticipants(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range b {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
