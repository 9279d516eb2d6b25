package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agv-rtls/ingest/internal/buffer"
	"agv-rtls/ingest/internal/domain"
	"agv-rtls/ingest/internal/metrics"
	"agv-rtls/ingest/internal/store"
)

func newEventID() string { return uuid.NewString() }

// retryCycle is how often the retry queue is drained back through the
// write path.
const retryCycle = 5 * time.Second

// Flusher owns the buffer-to-sink handoff: the periodic flush, the
// occupancy-triggered early flush, and the retry drain.
type Flusher struct {
	buf      *buffer.Buffer
	sink     store.Sink
	hint     <-chan struct{}
	interval time.Duration
	batchMax int
	logger   *slog.Logger
}

func NewFlusher(buf *buffer.Buffer, sink store.Sink, hint <-chan struct{},
	interval time.Duration, batchMax int, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Flusher{
		buf:      buf,
		sink:     sink,
		hint:     hint,
		interval: interval,
		batchMax: batchMax,
		logger:   logger,
	}
}

// Run flushes on the timer (bounding staleness) and on occupancy hints, and
// drains the retry queue on its own cycle. It does not flush on
// cancellation: FinalFlush must run after the dispatcher workers have
// drained, otherwise readings they are still buffering are left behind.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	retryTicker := time.NewTicker(retryCycle)
	defer retryTicker.Stop()

	for {
		select {
		case <-ticker.C:
			f.FlushOnce(ctx)
		case <-f.hint:
			f.FlushOnce(ctx)
		case <-retryTicker.C:
			f.drainRetries(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// FlushOnce drains the buffer and writes the batch as a single unit. On
// failure every item is re-enqueued into the retry queue individually.
func (f *Flusher) FlushOnce(ctx context.Context) {
	batch := f.buf.Flush(f.batchMax)
	metrics.BufferOccupancy.Store(int64(f.buf.Len()))
	if len(batch) == 0 {
		return
	}
	metrics.BufferFlushes.Add(1)

	n, err := f.sink.WriteBatch(ctx, batch)
	if err != nil {
		metrics.BatchWriteFailure.Add(1)
		f.logger.Error("batch write failed, queueing for retry",
			"batch", len(batch), "error", err)
		now := time.Now()
		for _, r := range batch {
			if f.buf.AddRetry(buffer.RetryItem{Reading: r, EnqueuedAt: now, Attempts: 1}) {
				metrics.RetryAdds.Add(1)
			} else {
				metrics.RetryDrops.Add(1)
			}
		}
		return
	}
	metrics.BatchWriteSuccess.Add(1)
	f.logger.Debug("flushed batch", "count", n)
}

// drainRetries pushes every still-fresh retry item back through the same
// write path. A failed retry re-enters the retry queue with its attempt
// count incremented; TTL expiry in DrainRetry caps how long that can go on.
func (f *Flusher) drainRetries(ctx context.Context) {
	due := f.buf.DrainRetry(time.Now())
	if len(due) == 0 {
		return
	}

	batch := make([]*domain.EnrichedReading, len(due))
	for i, item := range due {
		batch[i] = item.Reading
	}

	if _, err := f.sink.WriteBatch(ctx, batch); err != nil {
		metrics.BatchWriteFailure.Add(1)
		f.logger.Warn("retry write failed", "batch", len(batch), "error", err)
		for _, item := range due {
			item.Attempts++
			if f.buf.AddRetry(item) {
				metrics.RetryAdds.Add(1)
			} else {
				metrics.RetryDrops.Add(1)
			}
		}
		return
	}
	metrics.BatchWriteSuccess.Add(1)
	f.logger.Info("retry succeeded", "count", len(batch))
}

// FinalFlush synchronously drains everything left in the buffer. Called
// once on shutdown, after the listener has stopped accepting messages and
// the dispatcher workers have drained; nothing is adding to the buffer
// concurrently, so a non-decreasing length can only mean the sink is down.
func (f *Flusher) FinalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for f.buf.Len() > 0 {
		before := f.buf.Len()
		f.FlushOnce(ctx)
		if f.buf.Len() >= before {
			// Anything unwritten is in the retry queue and is lost on
			// exit. Log it rather than hang shutdown forever.
			f.logger.Error("final flush could not drain buffer", "remaining", f.buf.Len())
			return
		}
	}
}
