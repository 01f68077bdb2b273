package geomath

import (
	"errors"
	"math"
	"strings"
)

// polylinePrecision is the fixed 1e5 factor of the Google encoded polyline format
const polylinePrecision = 1e5

// ErrMalformedPolyline is returned when an encoded polyline ends mid-value or
// contains characters outside the encoding alphabet
var ErrMalformedPolyline = errors.New("malformed polyline")

// DecodePolyline decodes a Google encoded polyline into points.
// An empty string decodes to an empty slice.
func DecodePolyline(encoded string) ([]Point, error) {
	var points []Point
	var lat, lng int64

	for i := 0; i < len(encoded); {
		dLat, next, err := decodeValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dLng, next, err := decodeValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next

		lat += dLat
		lng += dLng
		points = append(points, Point{
			Lat: float64(lat) / polylinePrecision,
			Lng: float64(lng) / polylinePrecision,
		})
	}

	return points, nil
}

// decodeValue reads one zig-zag varint starting at offset and returns the
// signed delta and the offset of the next value
func decodeValue(encoded string, offset int) (int64, int, error) {
	var result int64
	var shift uint

	for {
		if offset >= len(encoded) {
			return 0, offset, ErrMalformedPolyline
		}
		b := int64(encoded[offset]) - 63
		offset++
		if b < 0 || b > 0x3f {
			return 0, offset, ErrMalformedPolyline
		}
		if shift > 60 {
			return 0, offset, ErrMalformedPolyline
		}

		result |= (b & 0x1f) << shift
		shift += 5

		if b < 0x20 {
			break
		}
	}

	if result&1 != 0 {
		return ^(result >> 1), offset, nil
	}
	return result >> 1, offset, nil
}

// EncodePolyline encodes points with the Google polyline algorithm
func EncodePolyline(points []Point) string {
	var sb strings.Builder
	var prevLat, prevLng int64

	for _, p := range points {
		lat := int64(math.Round(p.Lat * polylinePrecision))
		lng := int64(math.Round(p.Lng * polylinePrecision))

		encodeValue(&sb, lat-prevLat)
		encodeValue(&sb, lng-prevLng)

		prevLat, prevLng = lat, lng
	}

	return sb.String()
}

func encodeValue(sb *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	sb.WriteByte(byte(u + 63))
}
