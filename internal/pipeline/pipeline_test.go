package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agv-rtls/ingest/internal/anomaly"
	"agv-rtls/ingest/internal/buffer"
	"agv-rtls/ingest/internal/domain"
	igst "agv-rtls/ingest/internal/ingest"
	"agv-rtls/ingest/internal/transform"
	"agv-rtls/ingest/internal/zones"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(f float64) *float64 { return &f }

// fakeSink records batch and event writes, optionally failing batches.
type fakeSink struct {
	mu          sync.Mutex
	batches     [][]*domain.EnrichedReading
	events      []domain.AnomalyEvent
	failBatches bool
}

func (s *fakeSink) WriteBatch(_ context.Context, batch []*domain.EnrichedReading) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBatches {
		return 0, errors.New("sink unavailable")
	}
	cp := make([]*domain.EnrichedReading, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	return len(batch), nil
}

func (s *fakeSink) WriteEvent(_ context.Context, ev *domain.AnomalyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeSink) eventKinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type stubRegistry struct{ status string }

func (s *stubRegistry) StatusOf(context.Context, string) (string, error) {
	return s.status, nil
}

func newTestProcessor(sink *fakeSink, ix *zones.Index) (*Processor, *buffer.Buffer) {
	calib := transform.NewCalibration(transform.Identity(), discard())
	tr := transform.NewTransformer(transform.NewProjection(0, 0), calib,
		transform.Bounds{XMax: 200, YMax: 150}, discard())
	if ix == nil {
		ix = zones.NewIndex(nil, nil, discard())
	}
	engine := anomaly.NewEngine(anomaly.DefaultConfig(), discard())
	buf := buffer.New(1000, 100, 5*time.Minute)
	proc := NewProcessor(igst.NewValidator(), tr, ix, engine, buf, sink, nil, discard())
	return proc, buf
}

func rawLocal(entity string, x, y float64) *domain.RawReading {
	return &domain.RawReading{
		EntityID:   entity,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		PlantX:     ptr(x),
		PlantY:     ptr(y),
		Speed:      ptr(1.0),
		Quality:    ptr(0.9),
		Battery:    ptr(80.0),
		ReceivedAt: time.Now().UTC(),
	}
}

func TestProcessBuffersEnrichedReading(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)

	proc.Process(context.Background(), rawLocal("A1", 12, 34))

	require.Equal(t, 1, buf.Len())
	batch := buf.Flush(0)
	assert.Equal(t, "A1", batch[0].EntityID)
	assert.Equal(t, 12.0, batch[0].PlantX)
	assert.Equal(t, 34.0, batch[0].PlantY)
	assert.Equal(t, "ACTIVE", batch[0].Status)
}

func TestProcessRejectsInvalidReading(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)

	r := rawLocal("", 12, 34)
	proc.Process(context.Background(), r)
	assert.Equal(t, 0, buf.Len())

	r = rawLocal("A1", 12, 34)
	r.Speed = ptr(25.0)
	proc.Process(context.Background(), r)
	assert.Equal(t, 0, buf.Len())
}

func TestProcessEmitsZoneViolations(t *testing.T) {
	ix := zones.NewIndex(&stubRegistry{status: domain.StatusActive}, nil, discard())
	ix.Load([]*domain.Zone{{
		ID: "vault", Type: domain.ZoneRestricted, Active: true,
		Vertices: []domain.Vertex{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 20, Y: 20}, {X: 0, Y: 20}},
	}})

	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, ix)

	proc.Process(context.Background(), rawLocal("A1", 10, 10))

	assert.Contains(t, sink.eventKinds(), domain.EventUnauthorizedAccess)
	require.Equal(t, 1, buf.Len())
	assert.Equal(t, "vault", buf.Flush(0)[0].ZoneID)
}

func TestProcessEmitsAnomalyEvents(t *testing.T) {
	sink := &fakeSink{}
	proc, _ := newTestProcessor(sink, nil)

	r := rawLocal("A1", 10, 10)
	r.Speed = ptr(7.0)
	proc.Process(context.Background(), r)

	assert.Contains(t, sink.eventKinds(), domain.EventSpeedViolation)
}

func TestEndToEndSingleBatchInOrder(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Second, 0, discard())

	for i := 0; i < 100; i++ {
		r := rawLocal("A1", float64(i%50), float64(i%30))
		r.Speed = ptr(1.0)
		proc.Process(context.Background(), r)
	}
	require.Equal(t, 100, buf.Len())

	flusher.FlushOnce(context.Background())

	require.Equal(t, 1, sink.batchCount())
	batch := sink.batches[0]
	require.Len(t, batch, 100)
	for i, r := range batch {
		assert.Equal(t, "A1", r.EntityID)
		assert.Equal(t, float64(i%50), r.PlantX, "reading %d out of order", i)
		assert.Equal(t, float64(i%30), r.PlantY)
	}
	assert.Equal(t, 0, buf.Len())
}

func TestFlushFailureFeedsRetryQueue(t *testing.T) {
	sink := &fakeSink{failBatches: true}
	proc, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Second, 0, discard())

	for i := 0; i < 5; i++ {
		proc.Process(context.Background(), rawLocal(fmt.Sprintf("A%d", i), 1, 1))
	}
	flusher.FlushOnce(context.Background())

	// All five land in the retry queue with attempt count 1.
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 5, buf.RetryLen())
	due := buf.DrainRetry(time.Now())
	require.Len(t, due, 5)
	for _, item := range due {
		assert.Equal(t, 1, item.Attempts)
		buf.AddRetry(item)
	}

	// Once the sink recovers the retry drain clears the queue.
	sink.failBatches = false
	flusher.drainRetries(context.Background())
	assert.Equal(t, 0, buf.RetryLen())
	require.Equal(t, 1, sink.batchCount())
	assert.Len(t, sink.batches[0], 5)
}

func TestRetryFailureIncrementsAttempts(t *testing.T) {
	sink := &fakeSink{failBatches: true}
	_, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, nil, time.Second, 0, discard())

	buf.AddRetry(buffer.RetryItem{
		Reading:    &domain.EnrichedReading{EntityID: "A1"},
		EnqueuedAt: time.Now(),
		Attempts:   1,
	})
	flusher.drainRetries(context.Background())

	due := buf.DrainRetry(time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
}

func TestFinalFlushDrainsBuffer(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Second, 30, discard())

	for i := 0; i < 75; i++ {
		proc.Process(context.Background(), rawLocal("A1", 1, 1))
	}
	flusher.FinalFlush()

	assert.Equal(t, 0, buf.Len())
	// batchMax 30 forces multiple writes; everything still arrives.
	total := 0
	for _, b := range sink.batches {
		total += len(b)
	}
	assert.Equal(t, 75, total)
}

func TestFinalFlushGivesUpWhenSinkDown(t *testing.T) {
	sink := &fakeSink{failBatches: true}
	proc, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Second, 0, discard())

	for i := 0; i < 5; i++ {
		proc.Process(context.Background(), rawLocal("A1", 1, 1))
	}
	flusher.FinalFlush()

	// Items moved to the retry queue; FinalFlush must return, not spin.
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 5, buf.RetryLen())
}

func TestFlusherRunExitsWithoutFlushingOnCancel(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Hour, 0, discard())

	for i := 0; i < 5; i++ {
		proc.Process(context.Background(), rawLocal("A1", 1, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, flusher.Run(ctx))

	// The final flush belongs to the shutdown sequence, after the
	// dispatcher has drained; Run must leave the buffer alone.
	assert.Equal(t, 5, buf.Len())
	assert.Equal(t, 0, sink.batchCount())
}

func TestShutdownFlushesAfterDispatcherDrains(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)
	disp := NewDispatcher(4, 1024, proc)
	flusher := NewFlusher(buf, sink, proc.FlushHint(), time.Hour, 0, discard())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); disp.Run(ctx) }()
	go func() { defer wg.Done(); _ = flusher.Run(ctx) }()

	for i := 0; i < 300; i++ {
		disp.Enqueue(rawLocal("A1", float64(i), 0))
		disp.Enqueue(rawLocal("B2", float64(i), 1))
	}
	// Cancel while the shard queues are still full. Workers drain into the
	// buffer before Run returns, so the final flush sees every accepted
	// reading and nothing is left behind.
	cancel()
	wg.Wait()
	flusher.FinalFlush()

	assert.Equal(t, 0, buf.Len())
	total := 0
	for _, b := range sink.batches {
		total += len(b)
	}
	assert.Equal(t, 600, total)
}

func TestDispatcherPreservesPerEntityOrder(t *testing.T) {
	sink := &fakeSink{}
	proc, buf := newTestProcessor(sink, nil)
	disp := NewDispatcher(4, 256, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	for i := 0; i < 50; i++ {
		disp.Enqueue(rawLocal("A1", float64(i), 0))
		disp.Enqueue(rawLocal("B2", float64(i), 1))
	}
	// Give the workers a moment, then drain via cancellation.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	batch := buf.Flush(0)
	require.Len(t, batch, 100)
	nextA, nextB := 0.0, 0.0
	for _, r := range batch {
		switch r.EntityID {
		case "A1":
			assert.Equal(t, nextA, r.PlantX)
			nextA++
		case "B2":
			assert.Equal(t, nextB, r.PlantX)
			nextB++
		}
	}
	assert.Equal(t, 50.0, nextA)
	assert.Equal(t, 50.0, nextB)
}

func TestDispatcherShedsOnFullShard(t *testing.T) {
	sink := &fakeSink{}
	proc, _ := newTestProcessor(sink, nil)
	disp := NewDispatcher(1, 2, proc)

	// No worker running: the third enqueue must drop, not block.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			disp.Enqueue(rawLocal("A1", 1, 1))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full shard")
	}
}

func TestResolveTimestamp(t *testing.T) {
	sink := &fakeSink{}
	proc, _ := newTestProcessor(sink, nil)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	received := ts.Add(300 * time.Millisecond)

	r := &domain.RawReading{Timestamp: ts.Format(time.RFC3339), ReceivedAt: received}
	assert.Equal(t, ts, proc.resolveTimestamp(r).UTC())

	r = &domain.RawReading{Timestamp: "not-a-time", ReceivedAt: received}
	assert.Equal(t, received, proc.resolveTimestamp(r))

	r = &domain.RawReading{}
	assert.WithinDuration(t, time.Now().UTC(), proc.resolveTimestamp(r), time.Second)
}
