package transform

import (
	"log/slog"
	"sync"

	"agv-rtls/ingest/internal/domain"
	"agv-rtls/ingest/internal/metrics"
)

// Bounds is the advisory plant envelope. Readings outside it are flagged but
// still returned: uncalibrated position data retains value downstream.
type Bounds struct {
	XMin, XMax float64
	YMin, YMax float64
}

func (b Bounds) contains(x, y float64) bool {
	return x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
}

type coordKey struct{ lat, lon float64 }
type coordVal struct{ x, y float64 }

// Transformer converts a reading's coordinates into the plant frame.
type Transformer struct {
	proj   *Projection
	calib  *Calibration
	bounds Bounds
	logger *slog.Logger

	// Memoization for repeated identical fixes. Tags parked at a station
	// report the same (lat, lon) for hours; recomputing is wasted work.
	// The map is cleared wholesale at capacity rather than tracking LRU
	// order: the working set is tiny and the reset is O(1) amortized.
	cacheMu  sync.Mutex
	cache    map[coordKey]coordVal
	cacheCap int
}

func NewTransformer(proj *Projection, calib *Calibration, bounds Bounds, logger *slog.Logger) *Transformer {
	return &Transformer{
		proj:     proj,
		calib:    calib,
		bounds:   bounds,
		logger:   logger,
		cache:    make(map[coordKey]coordVal),
		cacheCap: 4096,
	}
}

// ToPlantCoords returns the plant-frame position for a validated reading.
// Readings that already carry local coordinates pass through untouched
// regardless of the calibration matrix.
func (t *Transformer) ToPlantCoords(r *domain.RawReading) (float64, float64) {
	if r.HasLocal() {
		return *r.PlantX, *r.PlantY
	}
	if !r.HasGeodetic() {
		// Nothing to transform; identity best-effort.
		return 0, 0
	}

	key := coordKey{lat: *r.Latitude, lon: *r.Longitude}
	t.cacheMu.Lock()
	if v, ok := t.cache[key]; ok {
		t.cacheMu.Unlock()
		return v.x, v.y
	}
	t.cacheMu.Unlock()

	mx, my := t.proj.Project(*r.Latitude, *r.Longitude)
	x, y := t.calib.Matrix().Apply(mx, my)

	if !t.bounds.contains(x, y) {
		metrics.TransformOutOfBounds.Add(1)
		t.logger.Warn("plant coordinates out of bounds",
			"entity", r.EntityID, "x", x, "y", y)
	}

	t.cacheMu.Lock()
	if len(t.cache) >= t.cacheCap {
		t.cache = make(map[coordKey]coordVal)
	}
	t.cache[key] = coordVal{x: x, y: y}
	t.cacheMu.Unlock()

	return x, y
}

// CacheLen reports the current memo size.
func (t *Transformer) CacheLen() int {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	return len(t.cache)
}
