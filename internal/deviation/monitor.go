// Package deviation detects when a traveller leaves the planned route.
package deviation

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

// Config holds the deviation rules
type Config struct {
	BufferSize        int
	MaxAccuracyM      float64
	SmoothingWindow   int
	Thresholds        map[transport.Mode]float64
	SevereMultiplier  float64
	SustainedDuration time.Duration
	MaxConsecutive    int
}

// DefaultConfig returns the production deviation rules
func DefaultConfig() Config {
	return Config{
		BufferSize:      10,
		MaxAccuracyM:    50,
		SmoothingWindow: 3,
		Thresholds: map[transport.Mode]float64{
			transport.Walking: 50,
			transport.Cycling: 75,
			transport.Driving: 100,
			transport.Transit: 200,
		},
		SevereMultiplier:  3,
		SustainedDuration: 30 * time.Second,
		MaxConsecutive:    5,
	}
}

// Analysis is the per-sample route deviation verdict
type Analysis struct {
	IsOffRoute                 bool
	DeviationDistanceM         float64
	ConsecutiveDeviations      int
	ShouldSuggestRecalculation bool
	ClosestPoint               *geomath.Point
}

// Monitor tracks deviation from one active route
type Monitor struct {
	cfg           Config
	route         orb.LineString
	mode          transport.Mode
	buffer        []geomath.Point
	consecutive   int
	offRouteSince time.Time
	last          Analysis
}

// NewMonitor creates a monitor with no active route
func NewMonitor(cfg Config) *Monitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Monitor{cfg: cfg, mode: transport.Walking}
}

// SetRoute decodes and activates a route polyline. A malformed or empty
// polyline clears the route; the monitor then never reports off-route.
func (m *Monitor) SetRoute(polyline string, mode transport.Mode) {
	m.Reset()
	m.route = nil
	m.mode = mode

	points, err := geomath.DecodePolyline(polyline)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring route with malformed polyline")
		return
	}
	if len(points) < 2 {
		if polyline != "" {
			log.Warn().Int("points", len(points)).Msg("Ignoring route with fewer than two points")
		}
		return
	}

	route := make(orb.LineString, len(points))
	for i, p := range points {
		route[i] = orb.Point{p.Lng, p.Lat}
	}
	m.route = route

	log.Info().
		Int("points", len(route)).
		Str("mode", string(mode)).
		Msg("Route activated")
}

// ClearRoute deactivates the current route
func (m *Monitor) ClearRoute() {
	m.Reset()
	m.route = nil
}

// HasRoute reports whether a route is active
func (m *Monitor) HasRoute() bool {
	return len(m.route) >= 2
}

// Route returns the active route geometry
func (m *Monitor) Route() orb.LineString {
	return m.route
}

// Threshold returns the off-route distance for the active mode
func (m *Monitor) Threshold() float64 {
	mode := m.mode
	if mode == transport.Stationary {
		mode = transport.Walking
	}
	if t, ok := m.cfg.Thresholds[mode]; ok {
		return t
	}
	return m.cfg.Thresholds[transport.Walking]
}

// Analyze evaluates one sample against the route. Samples less accurate than
// MaxAccuracyM are dropped and the previous analysis is returned.
func (m *Monitor) Analyze(s track.Sample) Analysis {
	if !m.HasRoute() {
		return Analysis{}
	}
	if s.AccuracyM > m.cfg.MaxAccuracyM || !s.Point.IsValid() {
		return m.last
	}

	m.buffer = append(m.buffer, s.Point)
	if len(m.buffer) > m.cfg.BufferSize {
		m.buffer = m.buffer[len(m.buffer)-m.cfg.BufferSize:]
	}

	smoothed := geomath.Smooth(m.buffer, m.cfg.SmoothingWindow)
	position := smoothed[len(smoothed)-1]

	distance, closest := m.nearest(position)
	threshold := m.Threshold()

	analysis := Analysis{
		DeviationDistanceM: distance,
		ClosestPoint:       &closest,
	}

	if distance > threshold {
		m.consecutive++
		if m.offRouteSince.IsZero() {
			m.offRouteSince = s.Timestamp
		}
		analysis.IsOffRoute = true
		analysis.ShouldSuggestRecalculation = distance > threshold*m.cfg.SevereMultiplier ||
			s.Timestamp.Sub(m.offRouteSince) > m.cfg.SustainedDuration ||
			m.consecutive >= m.cfg.MaxConsecutive
	} else {
		m.consecutive = 0
		m.offRouteSince = time.Time{}
	}
	analysis.ConsecutiveDeviations = m.consecutive

	if analysis.ShouldSuggestRecalculation {
		log.Info().
			Float64("deviation_m", distance).
			Float64("threshold_m", threshold).
			Int("consecutive", m.consecutive).
			Msg("Route recalculation suggested")
	}

	m.last = analysis
	return analysis
}

// nearest projects p onto every route segment and returns the minimum
// distance and the matching point
func (m *Monitor) nearest(p geomath.Point) (float64, geomath.Point) {
	best := math.Inf(1)
	var closest geomath.Point

	for i := 1; i < len(m.route); i++ {
		s := geomath.Point{Lat: m.route[i-1].Lat(), Lng: m.route[i-1].Lon()}
		e := geomath.Point{Lat: m.route[i].Lat(), Lng: m.route[i].Lon()}

		proj := geomath.ProjectToSegment(p, s, e)
		if d := geomath.Distance(p, proj); d < best {
			best = d
			closest = proj
		}
	}

	return best, closest
}

// Last returns the most recent analysis
func (m *Monitor) Last() Analysis {
	return m.last
}

// Reset clears the sample buffer and deviation counters
func (m *Monitor) Reset() {
	m.buffer = m.buffer[:0]
	m.consecutive = 0
	m.offRouteSince = time.Time{}
	m.last = Analysis{}
}
