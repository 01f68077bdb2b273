package deviation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

const metersPerDegreeLat = geomath.EarthRadiusMeters * math.Pi / 180

// straight east-west route along the equator, ~1.1 km long
var routeStart, routeEnd = geomath.Point{Lat: 0, Lng: 0}, geomath.Point{Lat: 0, Lng: 0.01}

func offset(meters float64) geomath.Point {
	return geomath.Point{Lat: meters / metersPerDegreeLat, Lng: 0.005}
}

func sample(p geomath.Point, at time.Duration, accuracy float64) track.Sample {
	return track.Sample{Point: p, AccuracyM: accuracy, Timestamp: t0.Add(at)}
}

func newWalkingMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := NewMonitor(DefaultConfig())
	m.SetRoute(geomath.EncodePolyline([]geomath.Point{routeStart, routeEnd}), transport.Walking)
	require.True(t, m.HasRoute())
	return m
}

func TestAnalyze_OnRoute(t *testing.T) {
	m := newWalkingMonitor(t)
	a := m.Analyze(sample(offset(0), 0, 5))

	assert.False(t, a.IsOffRoute)
	assert.InDelta(t, 0, a.DeviationDistanceM, 0.01)
	require.NotNil(t, a.ClosestPoint)
	assert.InDelta(t, 0.005, a.ClosestPoint.Lng, 1e-9)
}

func TestAnalyze_JustOverWalkingThreshold(t *testing.T) {
	m := newWalkingMonitor(t)
	a := m.Analyze(sample(offset(51), 0, 5))

	assert.True(t, a.IsOffRoute)
	assert.InDelta(t, 51, a.DeviationDistanceM, 0.01)
	assert.Equal(t, 1, a.ConsecutiveDeviations)
	assert.False(t, a.ShouldSuggestRecalculation)
}

func TestAnalyze_ModeThresholds(t *testing.T) {
	tests := []struct {
		mode      transport.Mode
		threshold float64
	}{
		{transport.Walking, 50},
		{transport.Cycling, 75},
		{transport.Driving, 100},
		{transport.Transit, 200},
		{transport.Stationary, 50},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			m := NewMonitor(DefaultConfig())
			m.SetRoute(geomath.EncodePolyline([]geomath.Point{routeStart, routeEnd}), tt.mode)
			assert.Equal(t, tt.threshold, m.Threshold())

			assert.False(t, m.Analyze(sample(offset(tt.threshold-1), 0, 5)).IsOffRoute)
			m.Reset()
			assert.True(t, m.Analyze(sample(offset(tt.threshold+1), 0, 5)).IsOffRoute)
		})
	}
}

func TestAnalyze_SevereDeviationSuggestsImmediately(t *testing.T) {
	m := newWalkingMonitor(t)
	a := m.Analyze(sample(offset(160), 0, 5))
	assert.True(t, a.ShouldSuggestRecalculation)
}

func TestAnalyze_ConsecutiveDeviations(t *testing.T) {
	m := newWalkingMonitor(t)

	var a Analysis
	for i := 0; i < 4; i++ {
		a = m.Analyze(sample(offset(60), time.Duration(i)*time.Second, 5))
		assert.False(t, a.ShouldSuggestRecalculation, "reading %d", i)
	}
	a = m.Analyze(sample(offset(60), 4*time.Second, 5))
	assert.Equal(t, 5, a.ConsecutiveDeviations)
	assert.True(t, a.ShouldSuggestRecalculation)
}

func TestAnalyze_SustainedDeviation(t *testing.T) {
	m := newWalkingMonitor(t)

	assert.False(t, m.Analyze(sample(offset(60), 0, 5)).ShouldSuggestRecalculation)
	a := m.Analyze(sample(offset(60), 31*time.Second, 5))
	assert.Equal(t, 2, a.ConsecutiveDeviations)
	assert.True(t, a.ShouldSuggestRecalculation)
}

func TestAnalyze_BackOnRouteResetsCounters(t *testing.T) {
	m := newWalkingMonitor(t)
	for i := 0; i < 3; i++ {
		m.Analyze(sample(offset(60), time.Duration(i)*time.Second, 5))
	}
	for i := 3; i < 6; i++ {
		m.Analyze(sample(offset(0), time.Duration(i)*time.Second, 5))
	}
	a := m.Analyze(sample(offset(0), 6*time.Second, 5))
	assert.False(t, a.IsOffRoute)
	assert.Equal(t, 0, a.ConsecutiveDeviations)
}

func TestAnalyze_LowAccuracyDropped(t *testing.T) {
	m := newWalkingMonitor(t)
	first := m.Analyze(sample(offset(10), 0, 5))

	// far off the route but with 80 m accuracy: must not be buffered
	a := m.Analyze(sample(offset(500), time.Second, 80))
	assert.Equal(t, first, a)
	assert.Len(t, m.buffer, 1)
}

func TestAnalyze_SmoothingDampensSingleJump(t *testing.T) {
	m := newWalkingMonitor(t)
	m.Analyze(sample(offset(0), 0, 5))
	m.Analyze(sample(offset(0), time.Second, 5))

	// weights 1,2,3: 90 m × 3/6 = 45 m smoothed
	a := m.Analyze(sample(offset(90), 2*time.Second, 5))
	assert.InDelta(t, 45, a.DeviationDistanceM, 0.01)
	assert.False(t, a.IsOffRoute)
}

func TestAnalyze_BufferBounded(t *testing.T) {
	m := newWalkingMonitor(t)
	for i := 0; i < 25; i++ {
		m.Analyze(sample(offset(0), time.Duration(i)*time.Second, 5))
	}
	assert.Len(t, m.buffer, 10)
}

func TestSetRoute_MalformedMeansNoRoute(t *testing.T) {
	for _, polyline := range []string{"", "_p~iF", "??"} {
		m := NewMonitor(DefaultConfig())
		m.SetRoute(polyline, transport.Driving)
		assert.False(t, m.HasRoute(), "polyline %q", polyline)

		a := m.Analyze(sample(offset(5000), 0, 5))
		assert.False(t, a.IsOffRoute)
		assert.False(t, a.ShouldSuggestRecalculation)
	}
}

func TestSetRoute_ResetsState(t *testing.T) {
	m := newWalkingMonitor(t)
	for i := 0; i < 3; i++ {
		m.Analyze(sample(offset(60), time.Duration(i)*time.Second, 5))
	}

	m.SetRoute(geomath.EncodePolyline([]geomath.Point{routeStart, routeEnd}), transport.Walking)
	assert.Empty(t, m.buffer)
	assert.Equal(t, Analysis{}, m.Last())

	a := m.Analyze(sample(offset(60), 10*time.Second, 5))
	assert.Equal(t, 1, a.ConsecutiveDeviations)
}

func TestAnalyze_MultiSegmentRoute(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	route := []geomath.Point{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 0.01},
		{Lat: 0.01, Lng: 0.01},
	}
	m.SetRoute(geomath.EncodePolyline(route), transport.Driving)

	// 30 m west of the northbound second leg
	p := geomath.Point{Lat: 0.005, Lng: 0.01 - 30/metersPerDegreeLat}
	a := m.Analyze(sample(p, 0, 5))
	assert.InDelta(t, 30, a.DeviationDistanceM, 0.1)
	assert.False(t, a.IsOffRoute)
}
