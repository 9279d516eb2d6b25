package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agv-rtls/ingest/internal/domain"
)

func reading(id string) *domain.EnrichedReading {
	return &domain.EnrichedReading{EntityID: id, Timestamp: time.Now().UTC()}
}

func TestAddAndFlushFIFO(t *testing.T) {
	b := New(10, 10, time.Minute)
	for i := 0; i < 5; i++ {
		require.True(t, b.Add(reading(fmt.Sprintf("agv-%03d", i))))
	}
	assert.Equal(t, 5, b.Len())

	batch := b.Flush(0)
	require.Len(t, batch, 5)
	for i, r := range batch {
		assert.Equal(t, fmt.Sprintf("agv-%03d", i), r.EntityID)
	}
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Flush(0))
}

func TestAddFullBufferShedsNewest(t *testing.T) {
	b := New(3, 10, time.Minute)
	require.True(t, b.Add(reading("a")))
	require.True(t, b.Add(reading("b")))
	require.True(t, b.Add(reading("c")))

	// Reading N+1 is shed; the three oldest survive untouched.
	assert.False(t, b.Add(reading("d")))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int64(1), b.Stats().Dropped)

	batch := b.Flush(0)
	require.Len(t, batch, 3)
	assert.Equal(t, "a", batch[0].EntityID)
	assert.Equal(t, "c", batch[2].EntityID)
}

func TestFlushPartial(t *testing.T) {
	b := New(10, 10, time.Minute)
	for i := 0; i < 6; i++ {
		b.Add(reading(fmt.Sprintf("agv-%d", i)))
	}

	batch := b.Flush(4)
	require.Len(t, batch, 4)
	assert.Equal(t, "agv-0", batch[0].EntityID)
	assert.Equal(t, 2, b.Len())

	rest := b.Flush(0)
	require.Len(t, rest, 2)
	assert.Equal(t, "agv-4", rest[0].EntityID)
}

func TestShouldFlushThreshold(t *testing.T) {
	b := New(10, 10, time.Minute)
	for i := 0; i < 7; i++ {
		b.Add(reading("x"))
	}
	assert.False(t, b.ShouldFlush())

	b.Add(reading("x"))
	assert.True(t, b.ShouldFlush())
}

func TestRetryQueueBounded(t *testing.T) {
	b := New(10, 2, time.Minute)
	assert.True(t, b.AddRetry(RetryItem{Reading: reading("a")}))
	assert.True(t, b.AddRetry(RetryItem{Reading: reading("b")}))
	assert.False(t, b.AddRetry(RetryItem{Reading: reading("c")}))

	assert.Equal(t, 2, b.RetryLen())
	assert.Equal(t, int64(1), b.Stats().RetryDrop)
}

func TestDrainRetryDropsExpired(t *testing.T) {
	b := New(10, 10, 5*time.Minute)
	now := time.Now()

	b.AddRetry(RetryItem{Reading: reading("fresh"), EnqueuedAt: now.Add(-time.Minute)})
	b.AddRetry(RetryItem{Reading: reading("expired"), EnqueuedAt: now.Add(-6 * time.Minute)})

	due := b.DrainRetry(now)
	require.Len(t, due, 1)
	assert.Equal(t, "fresh", due[0].Reading.EntityID)
	assert.Equal(t, 0, b.RetryLen())
	assert.Equal(t, int64(1), b.Stats().RetryDrop)
}

func TestRetryItemDefaults(t *testing.T) {
	b := New(10, 10, time.Minute)
	b.AddRetry(RetryItem{Reading: reading("a")})

	due := b.DrainRetry(time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.False(t, due[0].EnqueuedAt.IsZero())
}

func TestStatsSnapshot(t *testing.T) {
	b := New(5, 5, time.Minute)
	for i := 0; i < 3; i++ {
		b.Add(reading("x"))
	}
	b.Flush(2)
	b.AddRetry(RetryItem{Reading: reading("y")})

	s := b.Stats()
	assert.Equal(t, int64(3), s.Added)
	assert.Equal(t, int64(2), s.Flushed)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, int64(1), s.Retried)
	assert.Equal(t, 1, s.RetrySize)
}
