// Package zones holds the active zone polygons and their operational rules.
// The index is an immutable snapshot behind an atomic pointer: mutation
// rebuilds the whole snapshot and swaps it, so in-flight queries always see
// a consistent state.
package zones

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"agv-rtls/ingest/internal/domain"
)

// Registry resolves an entity's current status from the external registry.
type Registry interface {
	StatusOf(ctx context.Context, entityID string) (string, error)
}

// OccupancyCounter reports how many entities were positioned in a zone
// within the live-occupancy window.
type OccupancyCounter interface {
	Occupancy(ctx context.Context, zoneID string) (int, error)
}

type snapshot struct {
	order    []string // load order, defines first-match semantics
	zones    map[string]*domain.Zone
	polygons map[string][]domain.Vertex
	adjacent map[string][]string
	centroid map[string]domain.Vertex
}

// Index answers containment, rule, and adjacency queries over the active
// zones.
type Index struct {
	snap     atomic.Pointer[snapshot]
	mu       sync.Mutex // serializes writers only
	registry Registry
	occ      OccupancyCounter
	logger   *slog.Logger
}

func NewIndex(registry Registry, occ OccupancyCounter, logger *slog.Logger) *Index {
	idx := &Index{registry: registry, occ: occ, logger: logger}
	idx.snap.Store(buildSnapshot(nil))
	return idx
}

// adjacencyTolerance is the vertex-distance below which two polygons are
// considered touching.
const adjacencyTolerance = 1e-6

func buildSnapshot(zs []*domain.Zone) *snapshot {
	s := &snapshot{
		zones:    make(map[string]*domain.Zone, len(zs)),
		polygons: make(map[string][]domain.Vertex, len(zs)),
		adjacent: make(map[string][]string, len(zs)),
		centroid: make(map[string]domain.Vertex, len(zs)),
	}
	for _, z := range zs {
		if !z.Active {
			continue
		}
		if _, dup := s.zones[z.ID]; dup {
			continue
		}
		s.order = append(s.order, z.ID)
		s.zones[z.ID] = z
		s.polygons[z.ID] = z.Vertices
		s.centroid[z.ID] = centroidOf(z.Vertices)
	}
	for _, a := range s.order {
		for _, b := range s.order {
			if a != b && polygonsTouch(s.polygons[a], s.polygons[b]) {
				s.adjacent[a] = append(s.adjacent[a], b)
			}
		}
	}
	return s
}

func centroidOf(poly []domain.Vertex) domain.Vertex {
	var c domain.Vertex
	if len(poly) == 0 {
		return c
	}
	for _, v := range poly {
		c.X += v.X
		c.Y += v.Y
	}
	c.X /= float64(len(poly))
	c.Y /= float64(len(poly))
	return c
}

func polygonsTouch(a, b []domain.Vertex) bool {
	for _, va := range a {
		for _, vb := range b {
			if math.Abs(va.X-vb.X) < adjacencyTolerance && math.Abs(va.Y-vb.Y) < adjacencyTolerance {
				return true
			}
		}
	}
	return false
}

// pointInPolygon is the even-odd ray-casting test. The ring need not be
// explicitly closed.
func pointInPolygon(x, y float64, poly []domain.Vertex) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		vi, vj := poly[i], poly[j]
		if (vi.Y > y) != (vj.Y > y) &&
			x < (vj.X-vi.X)*(y-vi.Y)/(vj.Y-vi.Y)+vi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Containing returns the id of the first zone (in load order) containing
// the point, or "" when the point lies outside all known zones. Overlap
// tie-break is first match; ordering across reloads is not defined.
func (ix *Index) Containing(x, y float64) string {
	s := ix.snap.Load()
	for _, id := range s.order {
		if pointInPolygon(x, y, s.polygons[id]) {
			return id
		}
	}
	return ""
}

// RulesFor returns the rule attributes for a zone.
func (ix *Index) RulesFor(zoneID string) (domain.ZoneRules, bool) {
	z, ok := ix.snap.Load().zones[zoneID]
	if !ok {
		return domain.ZoneRules{}, false
	}
	return domain.ZoneRules{
		ZoneID:   z.ID,
		Type:     z.Type,
		MaxSpeed: z.MaxSpeed,
		MaxAGVs:  z.MaxAGVs,
	}, true
}

// AdjacentTo returns the ids of zones touching the given zone.
func (ix *Index) AdjacentTo(zoneID string) []string {
	return ix.snap.Load().adjacent[zoneID]
}

// Zones returns the active zones in load order.
func (ix *Index) Zones() []*domain.Zone {
	s := ix.snap.Load()
	out := make([]*domain.Zone, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.zones[id])
	}
	return out
}

// CheckViolations evaluates the zone's rules against the entity's current
// speed and the live occupancy/registry state.
func (ix *Index) CheckViolations(ctx context.Context, entityID, zoneID string, speed float64) []domain.Violation {
	z, ok := ix.snap.Load().zones[zoneID]
	if !ok {
		return nil
	}

	var violations []domain.Violation

	if z.MaxSpeed > 0 && speed > z.MaxSpeed {
		violations = append(violations, domain.Violation{
			Kind:     domain.ViolationSpeed,
			Severity: domain.SeverityWarning,
			ZoneID:   zoneID,
			EntityID: entityID,
			Value:    speed,
			Limit:    z.MaxSpeed,
		})
	}

	if z.Type == domain.ZoneRestricted || z.Type == domain.ZoneMaintenance {
		if !ix.authorized(ctx, entityID, z.Type) {
			violations = append(violations, domain.Violation{
				Kind:     domain.ViolationUnauthorized,
				Severity: domain.SeverityCritical,
				ZoneID:   zoneID,
				EntityID: entityID,
			})
		}
	}

	if z.MaxAGVs > 0 && ix.occ != nil {
		occupancy, err := ix.occ.Occupancy(ctx, zoneID)
		if err != nil {
			ix.logger.Error("zone occupancy lookup failed", "zone", zoneID, "error", err)
		} else if occupancy >= z.MaxAGVs {
			violations = append(violations, domain.Violation{
				Kind:     domain.ViolationZoneFull,
				Severity: domain.SeverityWarning,
				ZoneID:   zoneID,
				EntityID: entityID,
				Value:    float64(occupancy),
				Limit:    float64(z.MaxAGVs),
			})
		}
	}

	return violations
}

func (ix *Index) authorized(ctx context.Context, entityID string, zt domain.ZoneType) bool {
	if ix.registry == nil {
		return true
	}
	status, err := ix.registry.StatusOf(ctx, entityID)
	if err != nil {
		ix.logger.Error("registry lookup failed", "entity", entityID, "error", err)
		// A registry outage must not spray UNAUTHORIZED_ACCESS events.
		return true
	}
	switch zt {
	case domain.ZoneMaintenance:
		return status == domain.StatusMaintenance
	case domain.ZoneRestricted:
		return status == domain.StatusAuthorized
	default:
		return true
	}
}

// CentroidDistance returns the distance between two zone centroids, or +Inf
// when either zone is unknown.
func (ix *Index) CentroidDistance(zone1, zone2 string) float64 {
	s := ix.snap.Load()
	c1, ok1 := s.centroid[zone1]
	c2, ok2 := s.centroid[zone2]
	if !ok1 || !ok2 {
		return math.Inf(1)
	}
	return math.Hypot(c1.X-c2.X, c1.Y-c2.Y)
}

// PathZones returns a zone sequence from start to end over the adjacency
// graph (breadth-first), or nil when no path exists.
func (ix *Index) PathZones(start, end string) []string {
	if start == end {
		return []string{start}
	}
	s := ix.snap.Load()
	visited := map[string]bool{start: true}
	queue := [][]string{{start}}
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		for _, next := range s.adjacent[path[len(path)-1]] {
			if next == end {
				return append(append([]string{}, path...), next)
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, append(append([]string{}, path...), next))
			}
		}
	}
	return nil
}

// Load replaces the full zone set.
func (ix *Index) Load(zs []*domain.Zone) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.snap.Store(buildSnapshot(zs))
}

// LoadFile reads zone definitions from a YAML file and swaps them in.
func (ix *Index) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	type yamlZone struct {
		ID       string          `yaml:"zone_id"`
		Name     string          `yaml:"name"`
		Category string          `yaml:"category"`
		Type     domain.ZoneType `yaml:"zone_type"`
		MaxSpeed float64         `yaml:"max_speed_mps"`
		MaxAGVs  int             `yaml:"max_agvs"`
		Priority int             `yaml:"priority"`
		Vertices []domain.Vertex `yaml:"vertices"`
		Active   *bool           `yaml:"active"`
	}
	var file struct {
		Zones []yamlZone `yaml:"zones"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse zones file %s: %w", path, err)
	}
	// Zones default to active unless the file disables them explicitly.
	zs := make([]*domain.Zone, 0, len(file.Zones))
	for _, y := range file.Zones {
		zs = append(zs, &domain.Zone{
			ID:       y.ID,
			Name:     y.Name,
			Category: y.Category,
			Type:     y.Type,
			MaxSpeed: y.MaxSpeed,
			MaxAGVs:  y.MaxAGVs,
			Priority: y.Priority,
			Vertices: y.Vertices,
			Active:   y.Active == nil || *y.Active,
		})
	}
	ix.Load(zs)
	ix.logger.Info("loaded zones", "path", path, "count", len(zs))
	return nil
}

// Upsert creates or replaces one zone and swaps a new snapshot; the next
// lookup observes the change.
func (ix *Index) Upsert(z *domain.Zone) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cur := ix.snap.Load()
	var next []*domain.Zone
	replaced := false
	for _, id := range cur.order {
		if id == z.ID {
			next = append(next, z)
			replaced = true
		} else {
			next = append(next, cur.zones[id])
		}
	}
	if !replaced {
		next = append(next, z)
	}
	ix.snap.Store(buildSnapshot(next))
}

// Delete soft-deletes a zone: it drops out of the active snapshot.
func (ix *Index) Delete(zoneID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cur := ix.snap.Load()
	var next []*domain.Zone
	for _, id := range cur.order {
		if id != zoneID {
			next = append(next, cur.zones[id])
		}
	}
	ix.snap.Store(buildSnapshot(next))
}
