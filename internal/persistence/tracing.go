package persistence

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2lar/mapsync/internal/domain"
)

// TraceStore wraps a Store so every durable operation emits a span. With a
// no-op tracer the wrapper costs nothing, so it is always installed.
func TraceStore(inner Store, tracer trace.Tracer) Store {
	return &tracedStore{inner: inner, tracer: tracer}
}

type tracedStore struct {
	inner  Store
	tracer trace.Tracer
}

func (s *tracedStore) LoadMap(ctx context.Context, mapID string) (*domain.MapDocument, error) {
	ctx, span := s.tracer.Start(ctx, "store.LoadMap",
		trace.WithAttributes(attribute.String("map.id", mapID)),
	)
	defer span.End()

	doc, err := s.inner.LoadMap(ctx, mapID)
	if err != nil {
		span.RecordError(err)
	}
	return doc, err
}

func (s *tracedStore) SaveGraph(ctx context.Context, mapID string, nodes []domain.Node, edges []domain.Edge) error {
	ctx, span := s.tracer.Start(ctx, "store.SaveGraph",
		trace.WithAttributes(
			attribute.String("map.id", mapID),
			attribute.Int("graph.nodes", len(nodes)),
			attribute.Int("graph.edges", len(edges)),
		),
	)
	defer span.End()

	err := s.inner.SaveGraph(ctx, mapID, nodes, edges)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *tracedStore) GetParticipants(ctx context.Context, mapID string) ([]string, int64, error) {
	ctx, span := s.tracer.Start(ctx, "store.GetParticipants",
		trace.WithAttributes(attribute.String("map.id", mapID)),
	)
	defer span.End()

	participants, version, err := s.inner.GetParticipants(ctx, mapID)
	if err != nil {
		span.RecordError(err)
	}
	return participants, version, err
}

func (s *tracedStore) CompareAndSetParticipants(ctx context.Context, mapID string, participants []string, expectedVersion int64) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.CompareAndSetParticipants",
		trace.WithAttributes(
			attribute.String("map.id", mapID),
			attribute.Int64("map.version", expectedVersion),
		),
	)
	defer span.End()

	ok, err := s.inner.CompareAndSetParticipants(ctx, mapID, participants, expectedVersion)
	span.SetAttributes(attribute.Bool("cas.applied", ok))
	if err != nil {
		span.RecordError(err)
	}
	return ok, err
}

func (s *tracedStore) SetParticipantStatus(ctx context.Context, mapID, userID, status string) error {
	ctx, span := s.tracer.Start(ctx, "store.SetParticipantStatus",
		trace.WithAttributes(
			attribute.String("map.id", mapID),
			attribute.String("user.id", userID),
			attribute.String("participant.status", status),
		),
	)
	defer span.End()

	err := s.inner.SetParticipantStatus(ctx, mapID, userID, status)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
