// Package ingest holds the acceptance filter applied to every raw reading
// before it enters the pipeline.
package ingest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"agv-rtls/ingest/internal/domain"
)

const (
	// HardSpeedCeiling is the physical-plausibility ceiling in m/s. A reading
	// above it is bad data and is rejected outright; the anomaly detector's
	// lower speed threshold flags behavior, not data.
	HardSpeedCeiling = 10.0

	// MaxAge is how old a parseable timestamp may be before the reading is
	// considered stale. Backfill goes through a separate batch-import path.
	MaxAge = time.Hour
)

type Validator struct {
	accepted atomic.Int64
	rejected atomic.Int64

	now func() time.Time // injectable for tests
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate applies the structural and business rules to one reading.
// It returns nil when the reading is acceptable, or a Rejection describing
// the first rule that failed. No side effects beyond the counters.
func (v *Validator) Validate(r *domain.RawReading) *domain.Rejection {
	if rej := v.check(r); rej != nil {
		v.rejected.Add(1)
		return rej
	}
	v.accepted.Add(1)
	return nil
}

func (v *Validator) check(r *domain.RawReading) *domain.Rejection {
	if strings.TrimSpace(r.EntityID) == "" {
		return &domain.Rejection{Reason: domain.RejectMissingID}
	}

	if r.Latitude != nil && (*r.Latitude < -90 || *r.Latitude > 90) {
		return &domain.Rejection{
			Reason: domain.RejectLatRange,
			Detail: fmt.Sprintf("lat=%v", *r.Latitude),
		}
	}
	if r.Longitude != nil && (*r.Longitude < -180 || *r.Longitude > 180) {
		return &domain.Rejection{
			Reason: domain.RejectLonRange,
			Detail: fmt.Sprintf("lon=%v", *r.Longitude),
		}
	}
	if r.Heading != nil && (*r.Heading < 0 || *r.Heading > 360) {
		return &domain.Rejection{
			Reason: domain.RejectHeadingRange,
			Detail: fmt.Sprintf("heading=%v", *r.Heading),
		}
	}
	if r.Speed != nil && (*r.Speed < 0 || *r.Speed > HardSpeedCeiling) {
		return &domain.Rejection{
			Reason: domain.RejectSpeedRange,
			Detail: fmt.Sprintf("speed=%v", *r.Speed),
		}
	}
	if r.Quality != nil && (*r.Quality < 0 || *r.Quality > 1) {
		return &domain.Rejection{
			Reason: domain.RejectQualityRange,
			Detail: fmt.Sprintf("quality=%v", *r.Quality),
		}
	}
	if r.Battery != nil && (*r.Battery < 0 || *r.Battery > 100) {
		return &domain.Rejection{
			Reason: domain.RejectBatteryRange,
			Detail: fmt.Sprintf("battery=%v", *r.Battery),
		}
	}

	// Staleness applies only when the timestamp is present and parseable;
	// an unparseable timestamp falls back to receive time downstream.
	if r.Timestamp != "" {
		if ts, ok := ParseTimestamp(r.Timestamp); ok {
			if age := v.now().Sub(ts); age > MaxAge {
				return &domain.Rejection{
					Reason: domain.RejectStale,
					Detail: fmt.Sprintf("age=%s", age.Truncate(time.Second)),
				}
			}
		}
	}

	return nil
}

// Stats returns the accept/reject counts since construction.
func (v *Validator) Stats() (accepted, rejected int64) {
	return v.accepted.Load(), v.rejected.Load()
}

// ParseTimestamp parses an ISO-8601 timestamp, tolerating a missing zone
// suffix (producers vary on whether they append Z).
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
