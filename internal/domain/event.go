package domain

import "time"

type EventKind string

const (
	EventSpeedViolation     EventKind = "SPEED_VIOLATION"
	EventLowSignalQuality   EventKind = "LOW_SIGNAL_QUALITY"
	EventLowBattery         EventKind = "LOW_BATTERY"
	EventStatisticalAnomaly EventKind = "STATISTICAL_ANOMALY"
	EventAccelerationSpike  EventKind = "ACCELERATION_ANOMALY"
	EventExcessiveIdle      EventKind = "EXCESSIVE_IDLE"
	EventCircularMovement   EventKind = "CIRCULAR_MOVEMENT"
	EventErraticHeading     EventKind = "ERRATIC_HEADING"
	EventModelNovelty       EventKind = "MODEL_NOVELTY"
	EventCollisionRisk      EventKind = "COLLISION_RISK"
	EventUnauthorizedAccess EventKind = "UNAUTHORIZED_ACCESS"
	EventZoneFull           EventKind = "ZONE_FULL"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AnomalyEvent is written once through the sink's event path and never
// updated afterwards; acknowledgment lives in the external event store.
type AnomalyEvent struct {
	ID        string
	Kind      EventKind
	Severity  Severity
	EntityID  string
	ZoneID    string
	Message   string
	PlantX    float64
	PlantY    float64
	Details   map[string]any
	CreatedAt time.Time
}
