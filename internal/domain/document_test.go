package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMapDocument(t *testing.T) {
	tests := []struct {
		name    string
		docName string
		ownerID string
		wantErr bool
	}{
		{
			name:    "valid map creation",
			docName: "Roadmap",
			ownerID: "user123",
			wantErr: false,
		},
		{
			name:    "empty owner ID",
			docName: "Roadmap",
			ownerID: "",
			wantErr: true,
		},
		{
			name:    "empty name uses default",
			docName: "",
			ownerID: "user123",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := NewMapDocument(tt.docName, tt.ownerID)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, doc)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, doc)
			assert.NotEmpty(t, doc.ID)
			assert.NotEmpty(t, doc.Name)
			assert.Equal(t, tt.ownerID, doc.OwnerID)
			// The owner is always a member of participants
			assert.True(t, doc.HasParticipant(tt.ownerID))
			assert.Empty(t, doc.Nodes)
			assert.Empty(t, doc.Edges)
		})
	}
}

func TestAddParticipant(t *testing.T) {
	doc, err := NewMapDocument("m", "owner")
	require.NoError(t, err)

	assert.True(t, doc.AddParticipant("u1"))
	assert.True(t, doc.AddParticipant("u2"))
	assert.False(t, doc.AddParticipant("u1"), "duplicate append must be a no-op")
	assert.False(t, doc.AddParticipant("owner"))
	assert.False(t, doc.AddParticipant(""))

	// Insertion order preserved, duplicate-free
	assert.Equal(t, []string{"owner", "u1", "u2"}, doc.Participants)
}

func TestConnect(t *testing.T) {
	doc := &MapDocument{
		ID: "m1",
		Nodes: []Node{
			{ID: "a", Label: "root"},
			{ID: "b", Label: "child"},
		},
	}

	tests := []struct {
		name     string
		sourceID string
		targetID string
		wantErr  bool
	}{
		{name: "both endpoints exist", sourceID: "a", targetID: "b"},
		{name: "missing target", sourceID: "a", targetID: "zzz", wantErr: true},
		{name: "missing source", sourceID: "zzz", targetID: "b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edge, err := doc.Connect(tt.sourceID, tt.targetID)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEdgeEndpoint))
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, edge.ID)
			assert.Equal(t, tt.sourceID, edge.SourceID)
			assert.Equal(t, tt.targetID, edge.TargetID)
		})
	}
}

func TestUnionParticipants(t *testing.T) {
	tests := []struct {
		name string
		a    []string
		b    []string
		want []string
	}{
		{
			name: "disjoint appends in order",
			a:    []string{"u1", "u2"},
			b:    []string{"u3"},
			want: []string{"u1", "u2", "u3"},
		},
		{
			name: "overlap keeps first occurrence",
			a:    []string{"u1", "u2"},
			b:    []string{"u2", "u3"},
			want: []string{"u1", "u2", "u3"},
		},
		{
			name: "empty left",
			a:    nil,
			b:    []string{"u1"},
			want: []string{"u1"},
		},
		{
			name: "duplicates within input collapse",
			a:    []string{"u1", "u1"},
			b:    nil,
			want: []string{"u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnionParticipants(tt.a, tt.b))
		})
	}
}
