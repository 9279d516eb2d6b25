package anomaly

import (
	"errors"
	"math"

	"agv-rtls/ingest/internal/domain"
)

const featureCount = 6

// ErrDegenerateHistory is returned when an entity's history has too little
// variance to fit a model; the learned-model method is skipped for the cycle.
var ErrDegenerateHistory = errors.New("anomaly: degenerate history, cannot train model")

// Model is a per-entity unsupervised novelty scorer: each feature is
// standardized against the history it was trained on, and the novelty score
// is the RMS z-distance of a new observation from that distribution. Models
// are immutable once trained and replaced atomically by the engine.
type Model struct {
	mean    [featureCount]float64
	std     [featureCount]float64
	active  [featureCount]bool // features with usable variance
	trained int                // history size at training time
}

// featuresOf builds the [speed, heading, quality, battery, x, y] vector.
func featuresOf(r *domain.EnrichedReading) [featureCount]float64 {
	var f [featureCount]float64
	if r.Speed != nil {
		f[0] = *r.Speed
	}
	if r.Heading != nil {
		f[1] = *r.Heading
	}
	f[2] = 1.0
	if r.Quality != nil {
		f[2] = *r.Quality
	}
	f[3] = 100.0
	if r.Battery != nil {
		f[3] = *r.Battery
	}
	f[4] = r.PlantX
	f[5] = r.PlantY
	return f
}

const varianceEpsilon = 1e-9

// trainModel fits scaling parameters over the readings. At least three
// features must carry real variance; otherwise the history is degenerate
// (a parked vehicle reporting constants) and no model is produced.
func trainModel(readings []*domain.EnrichedReading) (*Model, error) {
	n := len(readings)
	if n == 0 {
		return nil, ErrDegenerateHistory
	}

	m := &Model{trained: n}
	for _, r := range readings {
		f := featuresOf(r)
		for i := 0; i < featureCount; i++ {
			m.mean[i] += f[i]
		}
	}
	for i := 0; i < featureCount; i++ {
		m.mean[i] /= float64(n)
	}
	for _, r := range readings {
		f := featuresOf(r)
		for i := 0; i < featureCount; i++ {
			d := f[i] - m.mean[i]
			m.std[i] += d * d
		}
	}

	usable := 0
	for i := 0; i < featureCount; i++ {
		m.std[i] = math.Sqrt(m.std[i] / float64(n))
		if m.std[i] > varianceEpsilon {
			m.active[i] = true
			usable++
		}
	}
	if usable < 3 {
		return nil, ErrDegenerateHistory
	}
	return m, nil
}

// Score returns the RMS z-distance of the reading from the trained
// distribution. Higher means more novel.
func (m *Model) Score(r *domain.EnrichedReading) float64 {
	f := featuresOf(r)
	var sum float64
	var count int
	for i := 0; i < featureCount; i++ {
		if !m.active[i] {
			continue
		}
		z := (f[i] - m.mean[i]) / m.std[i]
		sum += z * z
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// TrainedOn reports the history size the model was fit on.
func (m *Model) TrainedOn() int { return m.trained }
