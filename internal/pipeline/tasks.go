package pipeline

import (
	"context"
	"log/slog"
	"time"

	"agv-rtls/ingest/internal/anomaly"
	"agv-rtls/ingest/internal/buffer"
	"agv-rtls/ingest/internal/metrics"
)

// CollisionSweep periodically evaluates pairwise collision risk over the
// fleet snapshot and emits the resulting events.
func CollisionSweep(ctx context.Context, engine *anomaly.Engine, proc *Processor, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if events := engine.CheckFleet(now); len(events) > 0 {
				proc.EmitEvents(ctx, events)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Trainer periodically retrains per-entity anomaly models from accumulated
// history.
func Trainer(ctx context.Context, engine *anomaly.Engine, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			engine.Retrain()
		case <-ctx.Done():
			return nil
		}
	}
}

// StatsLogger periodically logs throughput and buffer counters so an
// operator can see pipeline health without any interactive surface.
func StatsLogger(ctx context.Context, buf *buffer.Buffer, engine *anomaly.Engine,
	interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ticker.C:
			received := metrics.MessagesReceived.Load()
			uptime := time.Since(start).Seconds()
			rate := 0.0
			if uptime > 0 {
				rate = float64(received) / uptime
			}
			stats := buf.Stats()
			logger.Info("pipeline stats",
				"received", received,
				"processed", metrics.MessagesProcessed.Load(),
				"rejected", metrics.MessagesRejected.Load(),
				"failed", metrics.MessagesFailed.Load(),
				"rate_per_sec", rate,
				"buffer_size", stats.Size,
				"buffer_dropped", stats.Dropped,
				"retry_size", stats.RetrySize,
				"entities", engine.Entities(),
				"reconnects", metrics.Reconnects.Load(),
			)
		case <-ctx.Done():
			return nil
		}
	}
}
