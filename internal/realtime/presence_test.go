package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryJoinIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	r.Join("m1", "u1", "Alice")
	r.Join("m1", "u1", "Alice")
	r.Join("m1", "u1", "Alice")

	list := r.List("m1")
	require.Len(t, list, 1, "repeated joins must not duplicate a participant")
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, StatusOnline, list[0].Status)
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	r.Join("m1", "u1", "Alice")
	r.Join("m1", "u2", "Bob")
	r.Join("m1", "u3", "Cleo")
	// Rejoining must keep the original position
	r.Join("m1", "u1", "Alice")

	list := r.List("m1")
	require.Len(t, list, 3)
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, "u2", list[1].UserID)
	assert.Equal(t, "u3", list[2].UserID)
}

func TestRegistryMarkOfflineRetainsRecord(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	r.Join("m1", "u1", "Alice")
	r.MarkOffline("m1", "u1")

	list := r.List("m1")
	require.Len(t, list, 1, "offline participants stay listed")
	assert.Equal(t, StatusOffline, list[0].Status)

	// Rejoin flips back to online
	r.Join("m1", "u1", "Alice")
	assert.Equal(t, StatusOnline, r.List("m1")[0].Status)
}

func TestRegistryMarkOfflineUnknown(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	// Must be a silent no-op
	r.MarkOffline("m1", "ghost")
	r.MarkOffline("nope", "u1")

	assert.Empty(t, r.List("m1"))
}

func TestRegistryUnknownMap(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	list := r.List("never-seen")
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestRegistryNotifiesFullState(t *testing.T) {
	type update struct {
		mapID string
		list  []Participant
	}
	var updates []update

	r := NewRegistry(zap.NewNop(), func(mapID string, participants []Participant) {
		updates = append(updates, update{mapID, participants})
	})

	r.Join("m1", "u1", "Alice")
	r.Join("m1", "u2", "Bob")
	r.MarkOffline("m1", "u1")

	require.Len(t, updates, 3, "every join and offline flip broadcasts")
	assert.Equal(t, "m1", updates[2].mapID)

	// The last broadcast carries the full list, not a diff
	last := updates[2].list
	require.Len(t, last, 2)
	assert.Equal(t, StatusOffline, last[0].Status)
	assert.Equal(t, StatusOnline, last[1].Status)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	r.Join("m1", "u1", "Alice")

	list := r.List("m1")
	list[0].Status = "mangled"

	assert.Equal(t, StatusOnline, r.List("m1")[0].Status)
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	r.Join("m1", "u1", "Alice")
	r.Join("m2", "u2", "Bob")

	r.Drop("m1")

	assert.Empty(t, r.List("m1"))
	assert.Len(t, r.List("m2"), 1, "other maps untouched")
}

func TestRegistryPublishesSnapshotsInStateOrder(t *testing.T) {
	// Snapshots are published under the registry lock, so the sequence a
	// consumer observes must match the sequence of state changes: under
	// concurrent joins every snapshot contains at least as many participants
	// as the one before it.
	var mu sync.Mutex
	var sizes []int

	r := NewRegistry(zap.NewNop(), func(mapID string, participants []Participant) {
		mu.Lock()
		sizes = append(sizes, len(participants))
		mu.Unlock()
	})

	const joiners = 16
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Join("m1", fmt.Sprintf("u%d", i), fmt.Sprintf("User %d", i))
		}(i)
	}
	wg.Wait()

	require.Len(t, sizes, joiners)
	for i := 1; i < len(sizes); i++ {
		assert.GreaterOrEqual(t, sizes[i], sizes[i-1],
			"snapshot %d shrank from %d to %d: published out of state order", i, sizes[i-1], sizes[i])
	}
	assert.Equal(t, joiners, sizes[len(sizes)-1])
}

func TestRegistryMapsAreIndependent(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	r.Join("m1", "u1", "Alice")
	r.Join("m2", "u1", "Alice")
	r.MarkOffline("m1", "u1")

	assert.Equal(t, StatusOffline, r.List("m1")[0].Status)
	assert.Equal(t, StatusOnline, r.List("m2")[0].Status)
}
