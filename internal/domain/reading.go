package domain

import "time"

// RawReading is one position report as it arrives from the transport layer.
// Optional numeric fields are pointers so that "absent" and "zero" stay
// distinguishable; the reading is never mutated after receipt.
type RawReading struct {
	EntityID  string   `json:"agv_id"`
	Timestamp string   `json:"ts,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	PlantX    *float64 `json:"plant_x,omitempty"`
	PlantY    *float64 `json:"plant_y,omitempty"`
	Heading   *float64 `json:"heading_deg,omitempty"`
	Speed     *float64 `json:"speed_mps,omitempty"`
	Quality   *float64 `json:"quality,omitempty"`
	Battery   *float64 `json:"battery_percent,omitempty"`
	Status    string   `json:"status,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// HasGeodetic reports whether the reading carries a lat/lon pair.
func (r *RawReading) HasGeodetic() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// HasLocal reports whether the reading already carries plant-frame coordinates.
func (r *RawReading) HasLocal() bool {
	return r.PlantX != nil && r.PlantY != nil
}

// EnrichedReading is a validated reading plus the derived plant-frame
// position and zone. This is the unit handed to the persistence sink.
type EnrichedReading struct {
	Timestamp time.Time
	EntityID  string

	Latitude  *float64
	Longitude *float64

	PlantX float64
	PlantY float64
	ZoneID string // empty when outside all known zones

	Heading *float64
	Speed   *float64
	Quality *float64
	Battery *float64
	Status  string

	ReceivedAt time.Time
}

// SpeedValue returns the reading's speed, treating absent as stationary.
func (r *EnrichedReading) SpeedValue() float64 {
	if r.Speed == nil {
		return 0
	}
	return *r.Speed
}

// RejectReason classifies why the validator discarded a reading.
type RejectReason string

const (
	RejectMissingID    RejectReason = "MISSING_ENTITY_ID"
	RejectLatRange     RejectReason = "LATITUDE_OUT_OF_RANGE"
	RejectLonRange     RejectReason = "LONGITUDE_OUT_OF_RANGE"
	RejectHeadingRange RejectReason = "HEADING_OUT_OF_RANGE"
	RejectSpeedRange   RejectReason = "SPEED_OUT_OF_RANGE"
	RejectQualityRange RejectReason = "QUALITY_OUT_OF_RANGE"
	RejectBatteryRange RejectReason = "BATTERY_OUT_OF_RANGE"
	RejectStale        RejectReason = "STALE_TIMESTAMP"
)

// Rejection carries the reason a reading failed validation. It is a value,
// not an error: rejected input is an expected outcome, counted and dropped.
type Rejection struct {
	Reason RejectReason
	Detail string
}
