// Package anomaly maintains bounded per-entity history and evaluates the
// detection methods over it: threshold, statistical, learned-model novelty,
// movement pattern, and cross-entity collision risk.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"agv-rtls/ingest/internal/domain"
)

// Phase of an entity's detection state machine. Entities move forward only;
// they age out solely through external registry removal.
type Phase int

const (
	PhaseUnseen Phase = iota
	PhaseWarming
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseWarming:
		return "warming"
	case PhaseActive:
		return "active"
	default:
		return "unseen"
	}
}

// Config carries the detector thresholds and enable flags. Each detector is
// toggled by a typed flag rather than a name lookup.
type Config struct {
	HistoryWindow int     // ring capacity per entity
	SampleRateHz  float64 // nominal reporting rate, converts samples to seconds

	EnableThreshold   bool
	EnableStatistical bool
	EnableModel       bool
	EnablePattern     bool

	SpeedThreshold   float64 // m/s
	QualityThreshold float64
	BatteryThreshold float64 // percent

	ZScoreThreshold float64 // standard deviations
	AccelThreshold  float64 // m/s^2

	NoveltyThreshold float64
	MinTrainSamples  int // history points before the model method runs
	RetrainInterval  int // new samples between retrains

	IdleThreshold     float64 // seconds
	CollisionDistance float64 // meters
	CollisionWindow   time.Duration
}

// DefaultConfig mirrors the production thresholds.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:     100,
		SampleRateHz:      3,
		EnableThreshold:   true,
		EnableStatistical: true,
		EnableModel:       true,
		EnablePattern:     true,
		SpeedThreshold:    5.0,
		QualityThreshold:  0.3,
		BatteryThreshold:  15,
		ZScoreThreshold:   3,
		AccelThreshold:    3.0,
		NoveltyThreshold:  3.0,
		MinTrainSamples:   20,
		RetrainInterval:   20,
		IdleThreshold:     300,
		CollisionDistance: 2.0,
		CollisionWindow:   10 * time.Second,
	}
}

// entityState is everything the engine owns for one entity. Mutation is
// serialized by mu; different entities proceed in parallel.
type entityState struct {
	mu              sync.Mutex
	history         *history
	model           *Model
	sinceTrain      int
	trainFailedOnce bool
}

// Engine evaluates detection methods against per-entity history.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*entityState
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 100
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 3
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*entityState),
	}
}

func (e *Engine) state(entityID string) *entityState {
	e.mu.RLock()
	st, ok := e.states[entityID]
	e.mu.RUnlock()
	if ok {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[entityID]; ok {
		return st
	}
	st = &entityState{history: newHistory(e.cfg.HistoryWindow)}
	e.states[entityID] = st
	return st
}

// Phase reports the detection phase of an entity.
func (e *Engine) Phase(entityID string) Phase {
	e.mu.RLock()
	st, ok := e.states[entityID]
	e.mu.RUnlock()
	if !ok {
		return PhaseUnseen
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.history.len() < e.cfg.MinTrainSamples {
		return PhaseWarming
	}
	return PhaseActive
}

// Check appends the reading to the entity's history and runs all enabled
// per-entity detectors in order. Results are concatenated, never
// short-circuited: multiple anomalies may co-occur on one reading.
func (e *Engine) Check(r *domain.EnrichedReading) []domain.AnomalyEvent {
	st := e.state(r.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.history.append(r)
	st.sinceTrain++

	var events []domain.AnomalyEvent
	if e.cfg.EnableThreshold {
		events = append(events, e.thresholdDetect(r)...)
	}
	if e.cfg.EnableStatistical {
		events = append(events, e.statisticalDetect(st, r)...)
	}
	if e.cfg.EnableModel {
		events = append(events, e.modelDetect(st, r)...)
	}
	if e.cfg.EnablePattern {
		events = append(events, e.patternDetect(st, r)...)
	}
	return events
}

func (e *Engine) thresholdDetect(r *domain.EnrichedReading) []domain.AnomalyEvent {
	var events []domain.AnomalyEvent

	if r.Speed != nil && *r.Speed > e.cfg.SpeedThreshold {
		events = append(events, newEvent(r, domain.EventSpeedViolation, domain.SeverityWarning,
			fmt.Sprintf("speed %.2f m/s exceeds threshold %.2f", *r.Speed, e.cfg.SpeedThreshold),
			map[string]any{"value": *r.Speed, "threshold": e.cfg.SpeedThreshold}))
	}

	if r.Quality != nil && *r.Quality < e.cfg.QualityThreshold {
		events = append(events, newEvent(r, domain.EventLowSignalQuality, domain.SeverityWarning,
			fmt.Sprintf("signal quality %.2f below threshold %.2f", *r.Quality, e.cfg.QualityThreshold),
			map[string]any{"value": *r.Quality, "threshold": e.cfg.QualityThreshold}))
	}

	if r.Battery != nil && *r.Battery < e.cfg.BatteryThreshold {
		severity := domain.SeverityCritical
		if *r.Battery > 10 {
			severity = domain.SeverityWarning
		}
		events = append(events, newEvent(r, domain.EventLowBattery, severity,
			fmt.Sprintf("battery level %.0f%% is low", *r.Battery),
			map[string]any{"value": *r.Battery, "threshold": e.cfg.BatteryThreshold}))
	}

	return events
}

const minStatisticalSamples = 10

func (e *Engine) statisticalDetect(st *entityState, r *domain.EnrichedReading) []domain.AnomalyEvent {
	if st.history.len() < minStatisticalSamples {
		return nil
	}
	window := st.history.all()

	var events []domain.AnomalyEvent

	type fieldSpec struct {
		name  string
		value func(*domain.EnrichedReading) *float64
	}
	fields := []fieldSpec{
		{"speed_mps", func(r *domain.EnrichedReading) *float64 { return r.Speed }},
		{"heading_deg", func(r *domain.EnrichedReading) *float64 { return r.Heading }},
		{"quality", func(r *domain.EnrichedReading) *float64 { return r.Quality }},
	}

	for _, f := range fields {
		latest := f.value(r)
		if latest == nil {
			continue
		}
		var values []float64
		for _, h := range window {
			if v := f.value(h); v != nil {
				values = append(values, *v)
			}
		}
		if len(values) <= 3 {
			continue
		}
		z, ok := zScore(values, *latest)
		if ok && math.Abs(z) > e.cfg.ZScoreThreshold {
			events = append(events, newEvent(r, domain.EventStatisticalAnomaly, domain.SeverityInfo,
				fmt.Sprintf("unusual %s value (z-score %.2f)", f.name, z),
				map[string]any{"field": f.name, "z_score": z, "value": *latest}))
		}
	}

	// Discrete acceleration from the last two speed samples.
	if r.Speed != nil && st.history.len() >= 2 {
		recent := st.history.last(2)
		if prev := recent[0].Speed; prev != nil {
			accel := (*r.Speed - *prev) * e.cfg.SampleRateHz
			if math.Abs(accel) > e.cfg.AccelThreshold {
				events = append(events, newEvent(r, domain.EventAccelerationSpike, domain.SeverityWarning,
					fmt.Sprintf("high acceleration %.2f m/s²", accel),
					map[string]any{"value": accel, "threshold": e.cfg.AccelThreshold}))
			}
		}
	}

	return events
}

// zScore returns the z-score of v against the sample distribution of values.
// Zero-variance histories report no score: a constant signal makes every
// deviation infinite and every equal value meaningless.
func zScore(values []float64, v float64) (float64, bool) {
	var mean float64
	for _, x := range values {
		mean += x
	}
	mean /= float64(len(values))
	var variance float64
	for _, x := range values {
		d := x - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(values)))
	if std < varianceEpsilon {
		return 0, false
	}
	return (v - mean) / std, true
}

func (e *Engine) modelDetect(st *entityState, r *domain.EnrichedReading) []domain.AnomalyEvent {
	if st.history.len() < e.cfg.MinTrainSamples {
		return nil
	}

	// Lazy first train, then retrain once enough new history accrues. The
	// periodic trainer also refreshes models for entities between readings.
	if st.model == nil || st.sinceTrain >= e.cfg.RetrainInterval {
		model, err := trainModel(st.history.all())
		if err != nil {
			if !st.trainFailedOnce {
				e.logger.Debug("model training skipped", "entity", r.EntityID, "error", err)
				st.trainFailedOnce = true
			}
			if st.model == nil {
				return nil
			}
		} else {
			st.model = model
			st.sinceTrain = 0
			st.trainFailedOnce = false
		}
	}

	score := st.model.Score(r)
	if score > e.cfg.NoveltyThreshold {
		return []domain.AnomalyEvent{newEvent(r, domain.EventModelNovelty, domain.SeverityInfo,
			fmt.Sprintf("novelty model flagged unusual pattern (score %.3f)", score),
			map[string]any{"score": score, "threshold": e.cfg.NoveltyThreshold})}
	}
	return nil
}

const (
	minPatternSamples   = 30
	idleSampleWindow    = 30
	circularWindow      = 20
	headingWindow       = 10
	idleSpeedFloor      = 0.1
	circularRatio       = 0.2
	erraticMeanDeltaDeg = 45.0
)

func (e *Engine) patternDetect(st *entityState, r *domain.EnrichedReading) []domain.AnomalyEvent {
	if st.history.len() < minPatternSamples {
		return nil
	}

	var events []domain.AnomalyEvent

	// Excessive idle: fraction of recent samples below the speed floor,
	// converted to wall time via the nominal sample rate.
	recent := st.history.last(idleSampleWindow)
	idleCount := 0
	for _, h := range recent {
		if h.Speed != nil && *h.Speed < idleSpeedFloor {
			idleCount++
		}
	}
	idleSeconds := float64(idleCount) / e.cfg.SampleRateHz
	if idleSeconds > e.cfg.IdleThreshold {
		events = append(events, newEvent(r, domain.EventExcessiveIdle, domain.SeverityWarning,
			fmt.Sprintf("idle for %.0f seconds", idleSeconds),
			map[string]any{"idle_seconds": idleSeconds, "threshold": e.cfg.IdleThreshold}))
	}

	// Circular/stuck movement: lots of path, little displacement.
	positions := st.history.last(circularWindow)
	if len(positions) > 10 {
		var pathLen float64
		for i := 1; i < len(positions); i++ {
			pathLen += math.Hypot(
				positions[i].PlantX-positions[i-1].PlantX,
				positions[i].PlantY-positions[i-1].PlantY)
		}
		displacement := math.Hypot(
			positions[len(positions)-1].PlantX-positions[0].PlantX,
			positions[len(positions)-1].PlantY-positions[0].PlantY)
		if pathLen > 0 && displacement/pathLen < circularRatio {
			events = append(events, newEvent(r, domain.EventCircularMovement, domain.SeverityWarning,
				"moving in circles",
				map[string]any{"path_length": pathLen, "displacement": displacement}))
		}
	}

	// Erratic heading: mean wrap-corrected heading delta over recent samples.
	headings := st.history.last(headingWindow)
	var deltas []float64
	for i := 1; i < len(headings); i++ {
		if headings[i].Heading == nil || headings[i-1].Heading == nil {
			continue
		}
		d := math.Abs(*headings[i].Heading - *headings[i-1].Heading)
		if d > 180 {
			d = 360 - d
		}
		deltas = append(deltas, d)
	}
	if len(deltas) > 0 {
		var mean float64
		for _, d := range deltas {
			mean += d
		}
		mean /= float64(len(deltas))
		if mean > erraticMeanDeltaDeg {
			events = append(events, newEvent(r, domain.EventErraticHeading, domain.SeverityInfo,
				fmt.Sprintf("erratic heading changes (mean delta %.1f°)", mean),
				map[string]any{"mean_delta_deg": mean}))
		}
	}

	return events
}

// CheckFleet evaluates pairwise collision risk over the latest fresh
// position of every entity. It runs on a snapshot taken under the shard
// locks, so per-message processing is never blocked for the O(n²) sweep.
func (e *Engine) CheckFleet(now time.Time) []domain.AnomalyEvent {
	type fix struct {
		entityID string
		x, y     float64
		vx, vy   float64
		zoneID   string
	}

	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	states := make([]*entityState, 0, len(e.states))
	for id, st := range e.states {
		ids = append(ids, id)
		states = append(states, st)
	}
	e.mu.RUnlock()

	var fixes []fix
	for i, st := range states {
		st.mu.Lock()
		latest := st.history.latest()
		st.mu.Unlock()
		if latest == nil || now.Sub(latest.ReceivedAt) > e.cfg.CollisionWindow {
			continue
		}
		speed := 0.0
		if latest.Speed != nil {
			speed = *latest.Speed
		}
		heading := 0.0
		if latest.Heading != nil {
			heading = *latest.Heading
		}
		rad := heading * math.Pi / 180
		fixes = append(fixes, fix{
			entityID: ids[i],
			x:        latest.PlantX,
			y:        latest.PlantY,
			vx:       speed * math.Cos(rad),
			vy:       speed * math.Sin(rad),
			zoneID:   latest.ZoneID,
		})
	}

	var events []domain.AnomalyEvent
	for i := 0; i < len(fixes); i++ {
		for j := i + 1; j < len(fixes); j++ {
			a, b := fixes[i], fixes[j]
			distance := math.Hypot(a.x-b.x, a.y-b.y)
			if distance >= e.cfg.CollisionDistance {
				continue
			}
			relSpeed := math.Hypot(a.vx-b.vx, a.vy-b.vy)
			if relSpeed <= 0 {
				continue
			}
			ttc := distance / relSpeed
			if ttc >= 5 {
				continue
			}
			severity := domain.SeverityWarning
			if ttc < 2 {
				severity = domain.SeverityCritical
			}
			events = append(events, domain.AnomalyEvent{
				ID:       uuid.NewString(),
				Kind:     domain.EventCollisionRisk,
				Severity: severity,
				EntityID: a.entityID,
				ZoneID:   a.zoneID,
				Message: fmt.Sprintf("collision risk with %s: %.2fm apart, %.1fs to impact",
					b.entityID, distance, ttc),
				PlantX: a.x,
				PlantY: a.y,
				Details: map[string]any{
					"other_entity":      b.entityID,
					"distance_m":        distance,
					"time_to_collision": ttc,
				},
				CreatedAt: now,
			})
		}
	}
	return events
}

// Retrain refreshes the model of every entity that accumulated enough new
// history. Each replacement is atomic under the entity's lock; a failed
// train keeps the previous model.
func (e *Engine) Retrain() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	states := make([]*entityState, 0, len(e.states))
	for id, st := range e.states {
		ids = append(ids, id)
		states = append(states, st)
	}
	e.mu.RUnlock()

	for i, st := range states {
		st.mu.Lock()
		if st.history.len() >= e.cfg.MinTrainSamples && st.sinceTrain >= e.cfg.RetrainInterval {
			model, err := trainModel(st.history.all())
			if err == nil {
				st.model = model
				st.sinceTrain = 0
				st.trainFailedOnce = false
			} else if !st.trainFailedOnce {
				e.logger.Debug("retrain skipped", "entity", ids[i], "error", err)
				st.trainFailedOnce = true
			}
		}
		st.mu.Unlock()
	}
}

// Entities reports how many entities the engine currently tracks.
func (e *Engine) Entities() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}

func newEvent(r *domain.EnrichedReading, kind domain.EventKind, severity domain.Severity,
	message string, details map[string]any) domain.AnomalyEvent {
	return domain.AnomalyEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		EntityID:  r.EntityID,
		ZoneID:    r.ZoneID,
		Message:   message,
		PlantX:    r.PlantX,
		PlantY:    r.PlantY,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}
