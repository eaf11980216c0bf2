package domain

import (
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// ChangeKind identifies the shape of a change set.
type ChangeKind string

const (
	ChangeNodeUpsert  ChangeKind = "node-upsert"
	ChangeNodeDelete  ChangeKind = "node-delete"
	ChangeEdgeUpsert  ChangeKind = "edge-upsert"
	ChangeEdgeDelete  ChangeKind = "edge-delete"
	ChangeFullReplace ChangeKind = "full-replace"
)

// ChangeSet is one client edit batch. Exactly the fields for its kind are
// set; the editing widget usually sends full-replace with complete arrays.
type ChangeSet struct {
	Kind ChangeKind `json:"kind"`

	Node   *Node  `json:"node,omitempty"`
	NodeID string `json:"nodeId,omitempty"`

	Edge   *Edge  `json:"edge,omitempty"`
	EdgeID string `json:"edgeId,omitempty"`

	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`
}

// Validate checks that the change set carries the fields its kind requires.
func (c *ChangeSet) Validate() error {
	switch c.Kind {
	case ChangeNodeUpsert:
		if c.Node == nil || c.Node.ID == "" {
			return pkgerrors.NewValidation("node-upsert requires a node with an id")
		}
	case ChangeNodeDelete:
		if c.NodeID == "" {
			return pkgerrors.NewValidation("node-delete requires nodeId")
		}
	case ChangeEdgeUpsert:
		if c.Edge == nil || c.Edge.ID == "" || c.Edge.SourceID == "" || c.Edge.TargetID == "" {
			return pkgerrors.NewValidation("edge-upsert requires an edge with id, source and target")
		}
	case ChangeEdgeDelete:
		if c.EdgeID == "" {
			return pkgerrors.NewValidation("edge-delete requires edgeId")
		}
	case ChangeFullReplace:
		// Empty arrays are a valid replacement (clearing the map).
	default:
		return pkgerrors.NewValidation("unknown change kind")
	}
	return nil
}

// Apply merges the change set into the document in place. Full-replace is
// last-writer-wins at whole-array granularity; element kinds touch only the
// addressed node or edge. Deleting a node also drops edges referencing it so
// the endpoint invariant holds after the merge.
func (c *ChangeSet) Apply(m *MapDocument) {
	switch c.Kind {
	case ChangeNodeUpsert:
		for i := range m.Nodes {
			if m.Nodes[i].ID == c.Node.ID {
				m.Nodes[i] = *c.Node
				return
			}
		}
		m.Nodes = append(m.Nodes, *c.Node)

	case ChangeNodeDelete:
		nodes := m.Nodes[:0]
		for _, n := range m.Nodes {
			if n.ID != c.NodeID {
				nodes = append(nodes, n)
			}
		}
		m.Nodes = nodes

		edges := m.Edges[:0]
		for _, e := range m.Edges {
			if e.SourceID != c.NodeID && e.TargetID != c.NodeID {
				edges = append(edges, e)
			}
		}
		m.Edges = edges

	case ChangeEdgeUpsert:
		for i := range m.Edges {
			if m.Edges[i].ID == c.Edge.ID {
				m.Edges[i] = *c.Edge
				return
			}
		}
		m.Edges = append(m.Edges, *c.Edge)

	case ChangeEdgeDelete:
		edges := m.Edges[:0]
		for _, e := range m.Edges {
			if e.ID != c.EdgeID {
				edges = append(edges, e)
			}
		}
		m.Edges = edges

	case ChangeFullReplace:
		m.Nodes = c.Nodes
		m.Edges = c.Edges
		if m.Nodes == nil {
			m.Nodes = []Node{}
		}
		if m.Edges == nil {
			m.Edges = []Edge{}
		}
	}
}
