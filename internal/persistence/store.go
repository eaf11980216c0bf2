// Package persistence bridges the live session layer to the durable row
// store. The store itself is an external collaborator; what lives here is
// the reconciliation policy: read-before-write on join, optimistic retry on
// the participants set, wholesale graph overwrites, and a bounded background
// retry queue so a failing store never blocks the broadcast path.
package persistence

import (
	"context"

	"github.com/2lar/mapsync/internal/domain"
)

// Store is the minimal durable-store surface the bridge needs: point read by
// id, conditional write, full-row overwrite, and a status side table.
type Store interface {
	// LoadMap point-reads a map document by ID.
	LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error)

	// SaveGraph overwrites the stored nodes/edges wholesale for the map.
	SaveGraph(ctx context.Context, mapID string, nodes []domain.Node, edges []domain.Edge) error

	// GetParticipants reads the participants set and its version counter.
	GetParticipants(ctx context.Context, mapID string) (participants []string, version int64, err error)

	// CompareAndSetParticipants writes the participants set only if the
	// stored version still equals expectedVersion. Returns false on conflict.
	CompareAndSetParticipants(ctx context.Context, mapID string, participants []string, expectedVersion int64) (bool, error)

	// SetParticipantStatus upserts the (map, user) row in the status side
	// table. Disconnect writes "offline" here; the participants array on the
	// map document is never shrunk by a disconnect.
	SetParticipantStatus(ctx context.Context, mapID, userID, status string) error
}
