package anomaly

import "agv-rtls/ingest/internal/domain"

// history is a fixed-capacity ring of an entity's most recent readings.
// Memory stays bounded by overwriting the oldest entry; entries are never
// removed otherwise.
type history struct {
	items []*domain.EnrichedReading
	head  int // next write position
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{items: make([]*domain.EnrichedReading, capacity)}
}

func (h *history) append(r *domain.EnrichedReading) {
	h.items[h.head] = r
	h.head = (h.head + 1) % len(h.items)
	if h.size < len(h.items) {
		h.size++
	}
}

func (h *history) len() int { return h.size }

// last returns the most recent n readings in chronological order. When fewer
// than n are held, all of them are returned.
func (h *history) last(n int) []*domain.EnrichedReading {
	if n > h.size {
		n = h.size
	}
	out := make([]*domain.EnrichedReading, 0, n)
	start := h.head - n
	if start < 0 {
		start += len(h.items)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.items[(start+i)%len(h.items)])
	}
	return out
}

func (h *history) all() []*domain.EnrichedReading {
	return h.last(h.size)
}

// latest returns the most recent reading, or nil when empty.
func (h *history) latest() *domain.EnrichedReading {
	if h.size == 0 {
		return nil
	}
	idx := h.head - 1
	if idx < 0 {
		idx += len(h.items)
	}
	return h.items[idx]
}
