// Package pipeline wires the per-message path (validate → transform →
// detect → buffer) and the periodic flush, retry, training, and collision
// sweep tasks around it.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"agv-rtls/ingest/internal/anomaly"
	"agv-rtls/ingest/internal/buffer"
	"agv-rtls/ingest/internal/domain"
	igst "agv-rtls/ingest/internal/ingest"
	"agv-rtls/ingest/internal/metrics"
	"agv-rtls/ingest/internal/store"
	"agv-rtls/ingest/internal/transform"
	"agv-rtls/ingest/internal/zones"
)

// LiveStore is the optional low-latency side channel (Redis): last-known
// state, zone occupancy marking, event fan-out. All calls are best effort.
type LiveStore interface {
	MarkOccupancy(ctx context.Context, zoneID, entityID string, now time.Time) error
	UpdateState(ctx context.Context, reading *domain.EnrichedReading) error
	PublishEvent(ctx context.Context, ev *domain.AnomalyEvent) error
}

// Processor runs the synchronous per-message path for one reading.
type Processor struct {
	validator   *igst.Validator
	transformer *transform.Transformer
	zones       *zones.Index
	engine      *anomaly.Engine
	buf         *buffer.Buffer
	sink        store.Sink
	live        LiveStore // may be nil
	logger      *slog.Logger

	// flushHint wakes the flusher early when occupancy crosses the
	// threshold; it never blocks the worker.
	flushHint chan struct{}
}

func NewProcessor(
	validator *igst.Validator,
	transformer *transform.Transformer,
	zoneIndex *zones.Index,
	engine *anomaly.Engine,
	buf *buffer.Buffer,
	sink store.Sink,
	live LiveStore,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		validator:   validator,
		transformer: transformer,
		zones:       zoneIndex,
		engine:      engine,
		buf:         buf,
		sink:        sink,
		live:        live,
		logger:      logger,
		flushHint:   make(chan struct{}, 1),
	}
}

// FlushHint is the channel the flusher listens on for early wakeups.
func (p *Processor) FlushHint() <-chan struct{} { return p.flushHint }

// Process runs one reading through the full pipeline. Rejected input is
// counted and dropped; everything accepted ends up in the ingest buffer.
func (p *Processor) Process(ctx context.Context, raw *domain.RawReading) {
	if rej := p.validator.Validate(raw); rej != nil {
		metrics.MessagesRejected.Add(1)
		p.logger.Debug("reading rejected",
			"entity", raw.EntityID, "reason", rej.Reason, "detail", rej.Detail)
		return
	}

	x, y := p.transformer.ToPlantCoords(raw)
	zoneID := p.zones.Containing(x, y)

	enriched := &domain.EnrichedReading{
		Timestamp:  p.resolveTimestamp(raw),
		EntityID:   raw.EntityID,
		Latitude:   raw.Latitude,
		Longitude:  raw.Longitude,
		PlantX:     x,
		PlantY:     y,
		ZoneID:     zoneID,
		Heading:    raw.Heading,
		Speed:      raw.Speed,
		Quality:    raw.Quality,
		Battery:    raw.Battery,
		Status:     statusOr(raw.Status),
		ReceivedAt: raw.ReceivedAt,
	}

	if zoneID != "" {
		p.checkZone(ctx, enriched)
	}

	events := p.engine.Check(enriched)
	if len(events) > 0 {
		p.EmitEvents(ctx, events)
	}

	if p.buf.Add(enriched) {
		metrics.BufferAdds.Add(1)
	} else {
		metrics.BufferDrops.Add(1)
	}

	if p.live != nil {
		if err := p.live.UpdateState(ctx, enriched); err != nil {
			p.logger.Debug("live state update failed", "entity", enriched.EntityID, "error", err)
		}
	}

	metrics.MessagesProcessed.Add(1)

	if p.buf.ShouldFlush() {
		select {
		case p.flushHint <- struct{}{}:
		default:
		}
	}
}

func (p *Processor) checkZone(ctx context.Context, r *domain.EnrichedReading) {
	if p.live != nil {
		if err := p.live.MarkOccupancy(ctx, r.ZoneID, r.EntityID, r.ReceivedAt); err != nil {
			p.logger.Debug("occupancy mark failed", "zone", r.ZoneID, "error", err)
		}
	}

	violations := p.zones.CheckViolations(ctx, r.EntityID, r.ZoneID, r.SpeedValue())
	if len(violations) == 0 {
		return
	}
	events := make([]domain.AnomalyEvent, 0, len(violations))
	for _, v := range violations {
		events = append(events, violationEvent(r, v))
	}
	p.EmitEvents(ctx, events)
}

// EmitEvents persists anomaly events through the sink's event path and fans
// them out to live subscribers. Fire and forget: a failed event write is
// logged, never retried — event loss is acceptable, position loss is not.
func (p *Processor) EmitEvents(ctx context.Context, events []domain.AnomalyEvent) {
	for i := range events {
		ev := &events[i]
		metrics.AnomalyEvents.Add(1)
		if err := p.sink.WriteEvent(ctx, ev); err != nil {
			metrics.EventWriteErrors.Add(1)
			p.logger.Warn("event write failed",
				"kind", ev.Kind, "entity", ev.EntityID, "error", err)
		}
		if p.live != nil {
			if err := p.live.PublishEvent(ctx, ev); err != nil {
				p.logger.Debug("event publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// resolveTimestamp prefers the reading's own timestamp and falls back to
// receive time when it is absent or unparseable.
func (p *Processor) resolveTimestamp(raw *domain.RawReading) time.Time {
	if raw.Timestamp != "" {
		if ts, ok := igst.ParseTimestamp(raw.Timestamp); ok {
			return ts
		}
	}
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt
	}
	return time.Now().UTC()
}

func statusOr(s string) string {
	if s == "" {
		return "ACTIVE"
	}
	return s
}

func violationEvent(r *domain.EnrichedReading, v domain.Violation) domain.AnomalyEvent {
	var kind domain.EventKind
	var msg string
	switch v.Kind {
	case domain.ViolationSpeed:
		kind = domain.EventSpeedViolation
		msg = "zone speed limit exceeded"
	case domain.ViolationUnauthorized:
		kind = domain.EventUnauthorizedAccess
		msg = "entity not authorized for zone"
	case domain.ViolationZoneFull:
		kind = domain.EventZoneFull
		msg = "zone occupancy limit reached"
	}
	return domain.AnomalyEvent{
		ID:       newEventID(),
		Kind:     kind,
		Severity: v.Severity,
		EntityID: v.EntityID,
		ZoneID:   v.ZoneID,
		Message:  msg,
		PlantX:   r.PlantX,
		PlantY:   r.PlantY,
		Details: map[string]any{
			"value": v.Value,
			"limit": v.Limit,
		},
		CreatedAt: time.Now().UTC(),
	}
}
