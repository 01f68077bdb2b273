// Package geomath provides the stateless geographic primitives used by the
// travel engine: great-circle distance, bearing, point-to-segment projection,
// polyline decoding and coordinate smoothing.
package geomath

import (
	"math"

	"github.com/golang/geo/s2"
)

const (
	// EarthRadiusMeters is the mean Earth radius used for every distance
	EarthRadiusMeters = 6371000.0
)

// Point is a WGS84 coordinate in decimal degrees
type Point struct {
	Lat float64
	Lng float64
}

// LatLng converts the point to an s2 LatLng
func (p Point) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lng)
}

// IsValid reports whether the point holds finite, in-range coordinates
func (p Point) IsValid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance calculates the great-circle distance in meters between two points
// using the Haversine formula
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// c = 2 ⋅ atan2( √a, √(1−a) )
// d = R ⋅ c
//
// s2.LatLng.Distance evaluates exactly this expression and returns c.
func Distance(a, b Point) float64 {
	return a.LatLng().Distance(b.LatLng()).Radians() * EarthRadiusMeters
}

// Bearing calculates the initial bearing (forward azimuth) from a to b.
// Returns degrees in [0, 360), where 0 is North and 90 is East.
func Bearing(a, b Point) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	lonDiff := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(lonDiff) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(lonDiff)

	bearing := math.Mod(radiansToDegrees(math.Atan2(y, x))+360, 360)
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// ProjectToSegment returns the point on segment [s, e] closest to p, using a
// vector projection in degree space with the parameter t clamped to [0, 1].
func ProjectToSegment(p, s, e Point) Point {
	dx := e.Lng - s.Lng
	dy := e.Lat - s.Lat

	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return s
	}

	t := ((p.Lng-s.Lng)*dx + (p.Lat-s.Lat)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))

	return Point{
		Lat: s.Lat + t*dy,
		Lng: s.Lng + t*dx,
	}
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func radiansToDegrees(radians float64) float64 {
	return radians * 180 / math.Pi
}

// PathMetrics holds summary statistics for a sequence of samples
type PathMetrics struct {
	PathLengthM    float64
	MaxFromOriginM float64
	MinFromOriginM float64
	AvgFromOriginM float64
	TotalPoints    int
}

// CalculatePathMetrics computes path length and distances from origin for a
// set of points
func CalculatePathMetrics(origin Point, points []Point) PathMetrics {
	if len(points) == 0 {
		return PathMetrics{}
	}

	metrics := PathMetrics{
		TotalPoints:    len(points),
		MinFromOriginM: math.MaxFloat64,
	}

	var totalFromOrigin float64
	for i, p := range points {
		d := Distance(origin, p)
		totalFromOrigin += d

		if d > metrics.MaxFromOriginM {
			metrics.MaxFromOriginM = d
		}
		if d < metrics.MinFromOriginM {
			metrics.MinFromOriginM = d
		}
		if i > 0 {
			metrics.PathLengthM += Distance(points[i-1], p)
		}
	}

	metrics.AvgFromOriginM = totalFromOrigin / float64(len(points))

	return metrics
}
