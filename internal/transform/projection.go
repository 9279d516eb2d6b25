package transform

import (
	"math"

	"github.com/golang/geo/s2"
)

// Mean earth radius in meters (IUGG).
const earthRadiusM = 6371008.8

// Projection is a fixed local tangent-plane projection around a geodetic
// origin. It is configured once at startup; per-reading calls only do
// arithmetic. For a plant-sized area the equirectangular approximation is
// well under the positioning error of the tags themselves.
type Projection struct {
	origin    s2.LatLng
	cosOrigin float64
}

// NewProjection builds the projection around the given origin in degrees.
func NewProjection(originLat, originLon float64) *Projection {
	origin := s2.LatLngFromDegrees(originLat, originLon)
	return &Projection{
		origin:    origin,
		cosOrigin: math.Cos(origin.Lat.Radians()),
	}
}

// Project maps a WGS84 position to metric east/north offsets from the origin.
func (p *Projection) Project(lat, lon float64) (x, y float64) {
	ll := s2.LatLngFromDegrees(lat, lon)
	x = earthRadiusM * (ll.Lng - p.origin.Lng).Radians() * p.cosOrigin
	y = earthRadiusM * (ll.Lat - p.origin.Lat).Radians()
	return x, y
}

// Unproject maps metric offsets back to WGS84 degrees. Used by tooling and
// tests, not by the ingest path.
func (p *Projection) Unproject(x, y float64) (lat, lon float64) {
	lat = p.origin.Lat.Degrees() + (y/earthRadiusM)*180/math.Pi
	lon = p.origin.Lng.Degrees() + (x/(earthRadiusM*p.cosOrigin))*180/math.Pi
	return lat, lon
}
