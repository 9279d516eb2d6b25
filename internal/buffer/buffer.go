// Package buffer is the bounded staging area between the pipeline and the
// persistence sink, with a secondary retry queue for failed writes.
package buffer

import (
	"sync"
	"time"

	"agv-rtls/ingest/internal/domain"
)

const flushThreshold = 0.8

// RetryItem wraps a reading whose batch write failed.
type RetryItem struct {
	Reading    *domain.EnrichedReading
	EnqueuedAt time.Time
	Attempts   int
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Added     int64
	Flushed   int64
	Dropped   int64
	Retried   int64
	RetryDrop int64
	Size      int
	RetrySize int
}

// Buffer is a bounded FIFO of enriched readings plus a bounded retry queue.
// Add and Flush share one mutex so a reading can never be drained and
// re-added within the same flush.
type Buffer struct {
	mu sync.Mutex

	items    []*domain.EnrichedReading
	capacity int

	retry         []RetryItem
	retryCapacity int
	retryTTL      time.Duration

	added     int64
	flushed   int64
	dropped   int64
	retried   int64
	retryDrop int64
}

func New(capacity, retryCapacity int, retryTTL time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if retryCapacity <= 0 {
		retryCapacity = 1
	}
	return &Buffer{
		items:         make([]*domain.EnrichedReading, 0, capacity),
		capacity:      capacity,
		retry:         make([]RetryItem, 0, retryCapacity),
		retryCapacity: retryCapacity,
		retryTTL:      retryTTL,
	}
}

// Add appends a reading. On a full buffer the newest item is shed and the
// drop counter incremented; the caller is never blocked.
func (b *Buffer) Add(r *domain.EnrichedReading) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.dropped++
		return false
	}
	b.items = append(b.items, r)
	b.added++
	return true
}

// ShouldFlush reports whether occupancy reached the flush threshold.
func (b *Buffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.items)) >= float64(b.capacity)*flushThreshold
}

// Len returns current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush drains up to max readings (the whole buffer when max <= 0) in FIFO
// order under a single lock acquisition.
func (b *Buffer) Flush(max int) []*domain.EnrichedReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	batch := make([]*domain.EnrichedReading, n)
	copy(batch, b.items[:n])
	rest := len(b.items) - n
	copy(b.items, b.items[n:])
	b.items = b.items[:rest]
	b.flushed += int64(n)
	return batch
}

// AddRetry enqueues a failed write. Items beyond the retry capacity are
// dropped and counted.
func (b *Buffer) AddRetry(item RetryItem) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.retry) >= b.retryCapacity {
		b.retryDrop++
		return false
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.Attempts == 0 {
		item.Attempts = 1
	}
	b.retry = append(b.retry, item)
	b.retried++
	return true
}

// DrainRetry removes and returns every retry item still younger than the
// TTL; expired items are dropped and counted.
func (b *Buffer) DrainRetry(now time.Time) []RetryItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.retry) == 0 {
		return nil
	}
	due := make([]RetryItem, 0, len(b.retry))
	for _, item := range b.retry {
		if now.Sub(item.EnqueuedAt) > b.retryTTL {
			b.retryDrop++
			continue
		}
		due = append(due, item)
	}
	b.retry = b.retry[:0]
	return due
}

// RetryLen returns the current retry queue length.
func (b *Buffer) RetryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.retry)
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Added:     b.added,
		Flushed:   b.flushed,
		Dropped:   b.dropped,
		Retried:   b.retried,
		RetryDrop: b.retryDrop,
		Size:      len(b.items),
		RetrySize: len(b.retry),
	}
}
