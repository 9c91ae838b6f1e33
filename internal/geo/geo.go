// Package geo provides great-circle distance on a spherical earth.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean earth radius used by Distance.
const EarthRadiusMeters = 6_371_000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether both coordinates are finite and within range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	// Rounding can push h marginally past 1 for antipodal points.
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// boundaryTolerance absorbs floating point noise so a point placed exactly on
// the radius is not excluded by a rounding error in the last bit.
const boundaryTolerance = 1e-6

// Within reports whether b lies within radius meters of a. The boundary is inclusive.
func Within(a, b Point, radius float64) bool {
	return Distance(a, b) <= radius+boundaryTolerance
}

// Round2 rounds a distance to centimeters for display.
func Round2(meters float64) float64 {
	return math.Round(meters*100) / 100
}

// MapsURL returns a Google Maps link for p.
func MapsURL(p Point) string {
	return fmt.Sprintf("https://maps.google.com/maps?q=%.6f,%.6f", p.Lat, p.Lon)
}

// OffsetNorth returns the point lying meters due north of p along its meridian.
func OffsetNorth(p Point, meters float64) Point {
	return Point{Lat: p.Lat + toDegrees(meters/EarthRadiusMeters), Lon: p.Lon}
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
