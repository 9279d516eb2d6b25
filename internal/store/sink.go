package store

import (
	"context"

	"agv-rtls/ingest/internal/domain"
)

// Sink is the write contract of the durable store. A batch write is
// all-or-nothing; partial failures are not split.
type Sink interface {
	WriteBatch(ctx context.Context, batch []*domain.EnrichedReading) (int, error)
	WriteEvent(ctx context.Context, ev *domain.AnomalyEvent) error
}
