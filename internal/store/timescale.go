package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agv-rtls/ingest/internal/config"
	"agv-rtls/ingest/internal/domain"
)

// Timescale is the durable persistence sink: position batches go into the
// agv_positions hypertable, anomaly events into system_events.
type Timescale struct {
	pool *pgxpool.Pool
}

func NewTimescale(ctx context.Context, cfg *config.Config) (*Timescale, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Timescale{pool: pool}, nil
}

func (s *Timescale) Close() {
	s.pool.Close()
}

func (s *Timescale) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var positionColumns = []string{
	"ts",
	"agv_id",
	"lat",
	"lon",
	"heading_deg",
	"speed_mps",
	"quality",
	"plant_x",
	"plant_y",
	"zone_id",
	"battery_percent",
	"status",
	"received_at",
}

// WriteBatch inserts the batch in one CopyFrom; it either lands whole or
// fails whole, so the caller can retry the batch as a unit.
func (s *Timescale) WriteBatch(ctx context.Context, batch []*domain.EnrichedReading) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(batch))
	for i, r := range batch {
		var zoneID interface{}
		if r.ZoneID != "" {
			zoneID = r.ZoneID
		}
		rows[i] = []interface{}{
			r.Timestamp,
			r.EntityID,
			deref(r.Latitude),
			deref(r.Longitude),
			deref(r.Heading),
			deref(r.Speed),
			deref(r.Quality),
			r.PlantX,
			r.PlantY,
			zoneID,
			deref(r.Battery),
			r.Status,
			r.ReceivedAt,
		}
	}

	n, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"agv_positions"},
		positionColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("CopyFrom failed for batch of %d: %w", len(batch), err)
	}

	return int(n), nil
}

// WriteEvent inserts one anomaly event. Events are written once and never
// updated by this service.
func (s *Timescale) WriteEvent(ctx context.Context, ev *domain.AnomalyEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}

	var zoneID interface{}
	if ev.ZoneID != "" {
		zoneID = ev.ZoneID
	}

	query := `
		INSERT INTO system_events
			(event_id, event_type, severity, agv_id, zone_id, message, plant_x, plant_y, details, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`
	_, err = s.pool.Exec(
		ctx,
		query,
		ev.ID,
		string(ev.Kind),
		string(ev.Severity),
		ev.EntityID,
		zoneID,
		ev.Message,
		ev.PlantX,
		ev.PlantY,
		string(details),
		ev.CreatedAt,
	)
	return err
}

func deref(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
