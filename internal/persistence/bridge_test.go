package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/domain"
	"github.com/2lar/mapsync/internal/observability"
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// fakeStore is an in-memory Store with programmable failures.
type fakeStore struct {
	mu           sync.Mutex
	participants []string
	version      int64
	statuses     map[string]string // mapID/userID -> status
	saves        []persistCall
	saveErrs     int // fail this many SaveGraph calls before succeeding
	casConflicts int // report this many version conflicts before accepting
}

type persistCall struct {
	mapID string
	nodes []domain.Node
	edges []domain.Edge
}

func newFakeStore(participants ...string) *fakeStore {
	return &fakeStore{
		participants: participants,
		version:      1,
		statuses:     make(map[string]string),
	}
}

func (s *fakeStore) LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error) {
	return nil, pkgerrors.NewNotFound("not used in these tests")
}

func (s *fakeStore) SaveGraph(ctx context.Context, mapID string, nodes []domain.Node, edges []domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErrs > 0 {
		s.saveErrs--
		return pkgerrors.NewUnavailable("store unreachable", nil)
	}
	s.saves = append(s.saves, persistCall{mapID, nodes, edges})
	return nil
}

func (s *fakeStore) GetParticipants(ctx context.Context, mapID string) ([]string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants...), s.version, nil
}

func (s *fakeStore) CompareAndSetParticipants(ctx context.Context, mapID string, participants []string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casConflicts > 0 {
		s.casConflicts--
		// Simulate a concurrent writer landing first
		s.version++
		s.participants = append(s.participants, "intruder")
		return false, nil
	}
	if expectedVersion != s.version {
		return false, nil
	}
	s.participants = participants
	s.version++
	return true, nil
}

func (s *fakeStore) SetParticipantStatus(ctx context.Context, mapID, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[mapID+"/"+userID] = status
	return nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func newTestBridge(t *testing.T, store Store, notify func(string)) *Bridge {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := BridgeConfig{MaxRetries: 2, QueueSize: 8, WriteTimeout: time.Second}
	b := NewBridge(store, cfg, notify, zap.NewNop(), metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

func TestOnJoinAppendsAbsentUser(t *testing.T) {
	store := newFakeStore("owner")
	b := newTestBridge(t, store, nil)

	err := b.OnJoin(context.Background(), "m1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner", "u1"}, store.participants)
}

func TestOnJoinAlreadyPresentIsNoWrite(t *testing.T) {
	store := newFakeStore("owner", "u1")
	b := newTestBridge(t, store, nil)

	err := b.OnJoin(context.Background(), "m1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.version, "no write means no version bump")
}

func TestOnJoinRetriesOnVersionConflict(t *testing.T) {
	store := newFakeStore("owner")
	store.casConflicts = 1
	b := newTestBridge(t, store, nil)

	err := b.OnJoin(context.Background(), "m1", "u1")
	require.NoError(t, err)

	// Both the concurrent append and ours survive the merge
	assert.Contains(t, store.participants, "intruder")
	assert.Contains(t, store.participants, "u1")
}

func TestOnDisconnectWritesOfflineStatus(t *testing.T) {
	store := newFakeStore("owner", "u1")
	b := newTestBridge(t, store, nil)

	b.OnDisconnect("m1", "u1")

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.statuses["m1/u1"] == "offline"
	}, 2*time.Second, 10*time.Millisecond)

	// Disconnect never shrinks the participants array
	assert.Equal(t, []string{"owner", "u1"}, store.participants)
}

func TestPersistGraphWritesLatestSnapshot(t *testing.T) {
	store := newFakeStore()
	b := newTestBridge(t, store, nil)

	b.PersistGraph("m1", []domain.Node{{ID: "n1"}}, nil)
	b.PersistGraph("m1", []domain.Node{{ID: "n1"}, {ID: "n2"}}, nil)

	require.Eventually(t, func() bool {
		return store.savedCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Wait for the queue to go quiet, then check the newest snapshot landed
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		n := len(store.saves)
		return n > 0 && len(store.saves[n-1].nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistGraphRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.saveErrs = 1
	b := newTestBridge(t, store, nil)

	b.PersistGraph("m1", []domain.Node{{ID: "n1"}}, nil)

	require.Eventually(t, func() bool {
		return store.savedCount() == 1
	}, 5*time.Second, 10*time.Millisecond, "write must succeed after a retry")
}

func TestPersistGraphNotifiesAfterRetryBudget(t *testing.T) {
	store := newFakeStore()
	store.saveErrs = 100 // beyond any budget

	var mu sync.Mutex
	var notified []string
	b := newTestBridge(t, store, func(mapID string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, mapID)
	})

	b.PersistGraph("m1", []domain.Node{{ID: "n1"}}, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1 && notified[0] == "m1"
	}, 10*time.Second, 20*time.Millisecond, "exhausted budget must surface, never silently drop")
}

func TestDropMapDiscardsQueue(t *testing.T) {
	store := newFakeStore()
	b := newTestBridge(t, store, nil)

	b.PersistGraph("m1", []domain.Node{{ID: "n1"}}, nil)
	b.DropMap("m1")

	// A later persist for the same map starts a fresh queue
	b.PersistGraph("m1", []domain.Node{{ID: "n2"}}, nil)
	require.Eventually(t, func() bool {
		return store.savedCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
