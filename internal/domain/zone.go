package domain

// Vertex is one corner of a zone polygon in plant-frame meters.
type Vertex struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

type ZoneType string

const (
	ZoneOperational ZoneType = "OPERATIONAL"
	ZoneRestricted  ZoneType = "RESTRICTED"
	ZoneMaintenance ZoneType = "MAINTENANCE"
	ZoneCharging    ZoneType = "CHARGING"
	ZoneTransit     ZoneType = "TRANSIT"
)

// Zone is a named polygonal region of the plant with operational rules.
// The polygon must be a simple ring; the index does not validate this.
type Zone struct {
	ID       string   `yaml:"zone_id" json:"zone_id"`
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Type     ZoneType `yaml:"zone_type" json:"zone_type"`
	MaxSpeed float64  `yaml:"max_speed_mps" json:"max_speed_mps"`
	MaxAGVs  int      `yaml:"max_agvs" json:"max_agvs"`
	Priority int      `yaml:"priority" json:"priority"`
	Vertices []Vertex `yaml:"vertices" json:"vertices"`
	Active   bool     `yaml:"active" json:"active"`
}

// ZoneRules is the rule subset consulted on the hot path.
type ZoneRules struct {
	ZoneID   string
	Type     ZoneType
	MaxSpeed float64
	MaxAGVs  int
}

type ViolationKind string

const (
	ViolationSpeed        ViolationKind = "SPEED_VIOLATION"
	ViolationUnauthorized ViolationKind = "UNAUTHORIZED_ACCESS"
	ViolationZoneFull     ViolationKind = "ZONE_FULL"
)

// Violation is one zone-rule breach for an entity currently in the zone.
type Violation struct {
	Kind     ViolationKind
	Severity Severity
	ZoneID   string
	EntityID string
	Value    float64
	Limit    float64
}

// RegistryStatus values returned by the external entity registry.
const (
	StatusActive      = "ACTIVE"
	StatusMaintenance = "MAINTENANCE"
	StatusAuthorized  = "AUTHORIZED"
)
