package persistence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/supabase-community/supabase-go"

	"github.com/2lar/mapsync/internal/domain"
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// SupabaseStore implements Store on the hosted row store via PostgREST.
//
// Expected schema: a maps table with id, name, nodes (jsonb), edges (jsonb),
// owner_id, participants (jsonb array), version (int) and created_at; and a
// participants side table keyed by (map_id, user_id) with a status column.
type SupabaseStore struct {
	client            *supabase.Client
	mapsTable         string
	participantsTable string
}

// NewSupabaseStore creates a store over an authenticated supabase client.
func NewSupabaseStore(client *supabase.Client, mapsTable, participantsTable string) *SupabaseStore {
	return &SupabaseStore{
		client:            client,
		mapsTable:         mapsTable,
		participantsTable: participantsTable,
	}
}

// LoadMap implements Store.
func (s *SupabaseStore) LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error) {
	data, _, err := s.client.From(s.mapsTable).
		Select("*", "", false).
		Eq("id", mapID).
		Single().
		Execute()
	if err != nil {
		if isNoRows(err) {
			return nil, pkgerrors.NewNotFound("map " + mapID + " not found")
		}
		return nil, pkgerrors.NewUnavailable("load map", err)
	}

	var doc domain.MapDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, pkgerrors.NewInternal("decode map row", err)
	}
	if doc.Nodes == nil {
		doc.Nodes = []domain.Node{}
	}
	if doc.Edges == nil {
		doc.Edges = []domain.Edge{}
	}
	return &doc, nil
}

// SaveGraph implements Store.
func (s *SupabaseStore) SaveGraph(ctx context.Context, mapID string, nodes []domain.Node, edges []domain.Edge) error {
	_, _, err := s.client.From(s.mapsTable).
		Update(map[string]any{"nodes": nodes, "edges": edges}, "minimal", "").
		Eq("id", mapID).
		Execute()
	if err != nil {
		return pkgerrors.NewUnavailable("save graph", err)
	}
	return nil
}

// GetParticipants implements Store.
func (s *SupabaseStore) GetParticipants(ctx context.Context, mapID string) ([]string, int64, error) {
	data, _, err := s.client.From(s.mapsTable).
		Select("participants,version", "", false).
		Eq("id", mapID).
		Single().
		Execute()
	if err != nil {
		if isNoRows(err) {
			return nil, 0, pkgerrors.NewNotFound("map " + mapID + " not found")
		}
		return nil, 0, pkgerrors.NewUnavailable("read participants", err)
	}

	var row struct {
		Participants []string `json:"participants"`
		Version      int64    `json:"version"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, 0, pkgerrors.NewInternal("decode participants row", err)
	}
	return row.Participants, row.Version, nil
}

// CompareAndSetParticipants implements Store. The version filter makes the
// write conditional; a concurrent writer bumps the version and this update
// matches zero rows, which surfaces as a conflict for the caller to retry.
func (s *SupabaseStore) CompareAndSetParticipants(ctx context.Context, mapID string, participants []string, expectedVersion int64) (bool, error) {
	data, _, err := s.client.From(s.mapsTable).
		Update(map[string]any{
			"participants": participants,
			"version":      expectedVersion + 1,
		}, "representation", "").
		Eq("id", mapID).
		Eq("version", strconv.FormatInt(expectedVersion, 10)).
		Execute()
	if err != nil {
		return false, pkgerrors.NewUnavailable("write participants", err)
	}

	var updated []json.RawMessage
	if err := json.Unmarshal(data, &updated); err != nil {
		return false, pkgerrors.NewInternal("decode update result", err)
	}
	return len(updated) > 0, nil
}

// SetParticipantStatus implements Store.
func (s *SupabaseStore) SetParticipantStatus(ctx context.Context, mapID, userID, status string) error {
	row := map[string]any{
		"map_id":  mapID,
		"user_id": userID,
		"status":  status,
	}
	_, _, err := s.client.From(s.participantsTable).
		Insert(row, true, "map_id,user_id", "minimal", "").
		Execute()
	if err != nil {
		return pkgerrors.NewUnavailable("write participant status", err)
	}
	return nil
}

// isNoRows detects PostgREST's zero-rows-for-single response.
func isNoRows(err error) bool {
	return strings.Contains(err.Error(), "PGRST116") ||
		strings.Contains(err.Error(), "0 rows")
}
