package realtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/observability"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop(), observability.NewMetrics(prometheus.NewRegistry()))
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func (h *Hub) clientClosed(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.closed
}

func TestEnqueueAfterEvictionIsSafe(t *testing.T) {
	hub := newTestHub(t)

	client := NewClient("u1", "Alice", hub, nil, nil, zap.NewNop())
	hub.register <- client
	hub.Subscribe(client, "m1")

	// Evict through the hub loop, the same path the slow-client handling uses.
	hub.unregister <- client
	require.Eventually(t, func() bool {
		return hub.clientClosed(client)
	}, 2*time.Second, 5*time.Millisecond)

	// A handler still holding the client must get a clean refusal, not a
	// panic from sending on the closed channel.
	assert.NotPanics(t, func() {
		assert.False(t, client.Enqueue([]byte(`{"type":"map:state"}`)))
	})
}

func TestEnqueueDeliversWhileOpen(t *testing.T) {
	hub := newTestHub(t)

	client := NewClient("u1", "Alice", hub, nil, nil, zap.NewNop())
	hub.register <- client

	require.True(t, client.Enqueue([]byte("hello")))
	assert.Equal(t, []byte("hello"), <-client.send)
}

func TestSubscribeReplacesPreviousRoom(t *testing.T) {
	hub := newTestHub(t)

	client := NewClient("u1", "Alice", hub, nil, nil, zap.NewNop())
	hub.register <- client

	hub.Subscribe(client, "m1")
	require.True(t, hub.InRoom(client, "m1"))

	hub.Subscribe(client, "m2")
	assert.False(t, hub.InRoom(client, "m1"))
	assert.True(t, hub.InRoom(client, "m2"))
	assert.Equal(t, 0, hub.RoomSize("m1"))
	assert.Equal(t, 1, hub.RoomSize("m2"))
}

func TestConnectionCountTracksUser(t *testing.T) {
	hub := newTestHub(t)

	c1 := NewClient("u1", "Alice", hub, nil, nil, zap.NewNop())
	c2 := NewClient("u1", "Alice", hub, nil, nil, zap.NewNop())
	hub.register <- c1
	hub.register <- c2

	require.Eventually(t, func() bool {
		return hub.ConnectionCount("u1") == 2
	}, 2*time.Second, 5*time.Millisecond)

	hub.unregister <- c1
	require.Eventually(t, func() bool {
		return hub.ConnectionCount("u1") == 1
	}, 2*time.Second, 5*time.Millisecond)
}
