package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/domain"
	"github.com/2lar/mapsync/internal/observability"
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// BridgeConfig bounds the bridge's retry and queue behavior.
type BridgeConfig struct {
	MaxRetries   int
	QueueSize    int
	WriteTimeout time.Duration
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MaxRetries:   5,
		QueueSize:    64,
		WriteTimeout: 10 * time.Second,
	}
}

// persistJob is one pending graph snapshot. Writes are wholesale, so only
// the newest snapshot per map matters; older queued jobs may be discarded.
type persistJob struct {
	nodes []domain.Node
	edges []domain.Edge
}

type persistQueue struct {
	jobs chan persistJob
	quit chan struct{}
}

// Bridge reconciles live session state with the durable store. Graph writes
// go through a per-map background queue with bounded exponential-backoff
// retries, so a slow or failing store never blocks the broadcast path. A
// circuit breaker stops hammering the store while it is down. When a write
// exhausts its retry budget the failure is counted and the room is notified
// through notifyUnsaved; the session itself stays up.
type Bridge struct {
	store   Store
	breaker *gobreaker.CircuitBreaker
	cfg     BridgeConfig

	notifyUnsaved func(mapID string)

	mu     sync.Mutex
	queues map[string]*persistQueue
	closed bool
	wg     sync.WaitGroup

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewBridge creates a persistence bridge. notifyUnsaved may be nil.
func NewBridge(store Store, cfg BridgeConfig, notifyUnsaved func(mapID string), logger *zap.Logger, metrics *observability.Metrics) *Bridge {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Store circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Missing rows and validation failures are answers, not outages.
			return err == nil || pkgerrors.IsNotFound(err) || pkgerrors.IsValidation(err)
		},
	})

	return &Bridge{
		store:         store,
		breaker:       breaker,
		cfg:           cfg,
		notifyUnsaved: notifyUnsaved,
		queues:        make(map[string]*persistQueue),
		logger:        logger,
		metrics:       metrics,
	}
}

// LoadMap point-reads the durable record for a map.
func (b *Bridge) LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error) {
	doc, err := b.breaker.Execute(func() (any, error) {
		return b.store.LoadMap(ctx, mapID)
	})
	if err != nil {
		return nil, err
	}
	return doc.(*domain.MapDocument), nil
}

// OnJoin appends the user to the persisted participants set if absent.
// The read-modify-write is not transactional on the store side, so the write
// is conditional on the version read and retried on conflict; a concurrent
// join by another user bumps the version and this attempt merges again
// instead of overwriting the other append.
func (b *Bridge) OnJoin(ctx context.Context, mapID, userID string) error {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		participants, version, err := b.store.GetParticipants(ctx, mapID)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				return err
			}
			lastErr = err
			continue
		}

		merged := domain.UnionParticipants(participants, []string{userID})
		if len(merged) == len(participants) {
			return nil // already a participant, nothing to write
		}

		ok, err := b.store.CompareAndSetParticipants(ctx, mapID, merged, version)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}

		// Version conflict: someone else appended concurrently. Re-read and
		// merge again.
		b.metrics.PersistRetries.Inc()
		lastErr = pkgerrors.NewUnavailable("participants version conflict", nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return pkgerrors.Wrap(lastErr, "join reconciliation exhausted retries")
}

// OnDisconnect records offline status for the (map, user) pair in the side
// table. Fire-and-forget with a small retry budget; the participants array
// on the map document is untouched.
func (b *Bridge) OnDisconnect(mapID, userID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		defer cancel()

		op := func() error {
			_, err := b.breaker.Execute(func() (any, error) {
				return nil, b.store.SetParticipantStatus(ctx, mapID, userID, "offline")
			})
			return err
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.RetryNotify(op, bo, func(err error, _ time.Duration) {
			b.metrics.PersistRetries.Inc()
		}); err != nil {
			b.logger.Error("Failed to record offline status",
				zap.String("mapID", mapID),
				zap.String("userID", userID),
				zap.Error(err),
			)
		}
	}()
}

// PersistGraph schedules a wholesale overwrite of the stored graph. The call
// never blocks: if the map's queue is full the oldest pending snapshot is
// discarded, since the newest write supersedes it anyway.
func (b *Bridge) PersistGraph(mapID string, nodes []domain.Node, edges []domain.Edge) {
	q := b.queue(mapID)
	if q == nil {
		return // bridge closed
	}

	job := persistJob{
		nodes: append([]domain.Node(nil), nodes...),
		edges: append([]domain.Edge(nil), edges...),
	}

	for {
		select {
		case q.jobs <- job:
			return
		default:
			select {
			case <-q.jobs: // drop a stale snapshot
			default:
			}
		}
	}
}

// DropMap discards pending writes and the worker for a torn-down map.
func (b *Bridge) DropMap(mapID string) {
	b.mu.Lock()
	q, ok := b.queues[mapID]
	if ok {
		delete(b.queues, mapID)
	}
	b.mu.Unlock()

	if ok {
		close(q.quit)
	}
}

// Close stops all workers, waiting until ctx expires for in-flight writes.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	for mapID, q := range b.queues {
		close(q.quit)
		delete(b.queues, mapID)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue returns the map's persist queue, starting its worker on first use.
func (b *Bridge) queue(mapID string) *persistQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	q, ok := b.queues[mapID]
	if !ok {
		q = &persistQueue{
			jobs: make(chan persistJob, b.cfg.QueueSize),
			quit: make(chan struct{}),
		}
		b.queues[mapID] = q
		b.wg.Add(1)
		go b.worker(mapID, q)
	}
	return q
}

// worker drains one map's queue, retrying each write with bounded backoff.
func (b *Bridge) worker(mapID string, q *persistQueue) {
	defer b.wg.Done()

	for {
		select {
		case <-q.quit:
			// Flush the newest pending snapshot before exiting.
			select {
			case job := <-q.jobs:
				b.write(mapID, latest(job, q))
			default:
			}
			return
		case job := <-q.jobs:
			b.write(mapID, latest(job, q))
		}
	}
}

// latest drains any snapshots queued behind job and returns the newest.
func latest(job persistJob, q *persistQueue) persistJob {
	for {
		select {
		case newer := <-q.jobs:
			job = newer
		default:
			return job
		}
	}
}

// write performs one graph write with retries. Exhausting the budget counts
// a failure and notifies the room; it is never silent.
func (b *Bridge) write(mapID string, job persistJob) {
	start := time.Now()

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		defer cancel()
		_, err := b.breaker.Execute(func() (any, error) {
			return nil, b.store.SaveGraph(ctx, mapID, job.nodes, job.edges)
		})
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.cfg.MaxRetries))
	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		b.metrics.PersistRetries.Inc()
		b.logger.Warn("Retrying graph write",
			zap.String("mapID", mapID),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})
	if err != nil {
		b.metrics.PersistFailures.Inc()
		b.logger.Error("Graph write abandoned after retry budget",
			zap.String("mapID", mapID),
			zap.Error(err),
		)
		if b.notifyUnsaved != nil {
			b.notifyUnsaved(mapID)
		}
		return
	}

	b.metrics.PersistLatency.Observe(time.Since(start).Seconds())
	b.logger.Debug("Graph persisted",
		zap.String("mapID", mapID),
		zap.Int("nodes", len(job.nodes)),
		zap.Int("edges", len(job.edges)),
	)
}
