package geomath

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"
)

func TestDecodePolyline_ReferenceExample(t *testing.T) {
	// Example from the Google polyline algorithm documentation
	points, err := DecodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.NoError(t, err)
	require.Len(t, points, 3)

	expected := []Point{
		{Lat: 38.5, Lng: -120.2},
		{Lat: 40.7, Lng: -120.95},
		{Lat: 43.252, Lng: -126.453},
	}
	for i, p := range expected {
		assert.InDelta(t, p.Lat, points[i].Lat, 1e-5)
		assert.InDelta(t, p.Lng, points[i].Lng, 1e-5)
	}
}

func TestDecodePolyline_RoundTripWithMapsEncoder(t *testing.T) {
	path := []maps.LatLng{
		{Lat: 40.736097, Lng: -74.039373},
		{Lat: 40.73612, Lng: -74.03901},
		{Lat: 40.7489, Lng: -73.98543},
		{Lat: -33.85678, Lng: 151.21530},
		{Lat: 0, Lng: 0},
	}

	encoded := maps.Encode(path)
	points, err := DecodePolyline(encoded)
	require.NoError(t, err)
	require.Len(t, points, len(path))

	for i, ll := range path {
		assert.InDelta(t, ll.Lat, points[i].Lat, 1e-5, "lat at %d", i)
		assert.InDelta(t, ll.Lng, points[i].Lng, 1e-5, "lng at %d", i)
	}
}

func TestEncodePolyline_MatchesMapsEncoder(t *testing.T) {
	points := []Point{
		{Lat: 38.5, Lng: -120.2},
		{Lat: 40.7, Lng: -120.95},
		{Lat: 43.252, Lng: -126.453},
	}
	path := make([]maps.LatLng, len(points))
	for i, p := range points {
		path[i] = maps.LatLng{Lat: p.Lat, Lng: p.Lng}
	}

	assert.Equal(t, maps.Encode(path), EncodePolyline(points))
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", EncodePolyline(points))
}

func TestDecodePolyline_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"truncated longitude", "_p~iF"},
		{"dangling continuation", "_p~iF~ps|"},
		{"character below alphabet", "_p~iF ps|U"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePolyline(tt.encoded)
			assert.True(t, errors.Is(err, ErrMalformedPolyline), "expected ErrMalformedPolyline, got %v", err)
		})
	}
}

func TestDecodePolyline_Empty(t *testing.T) {
	points, err := DecodePolyline("")
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestSmooth(t *testing.T) {
	t.Run("fewer points than window returns input", func(t *testing.T) {
		in := []Point{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}}
		assert.Equal(t, in, Smooth(in, 3))
	})

	t.Run("recency weighting", func(t *testing.T) {
		in := []Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0}, {Lat: 6, Lng: 12}}
		out := Smooth(in, 3)
		require.Len(t, out, 3)

		// weights 1,2,3 over the last window: 6*3/6 = 3
		last := out[2]
		assert.InDelta(t, 3.0, last.Lat, 1e-12)
		assert.InDelta(t, 6.0, last.Lng, 1e-12)
		assert.Equal(t, in[0], out[0])
	})

	t.Run("constant input stays constant", func(t *testing.T) {
		in := []Point{{Lat: 5, Lng: 5}, {Lat: 5, Lng: 5}, {Lat: 5, Lng: 5}, {Lat: 5, Lng: 5}}
		for _, p := range Smooth(in, 3) {
			assert.False(t, math.Abs(p.Lat-5) > 1e-12)
		}
	})
}
