// Package transport detects the traveller's transport mode from a rolling
// speed window and exposes the per-mode tuning (detection radius, sampling
// interval, ETA notification threshold) the rest of the engine consumes.
package transport

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/stuartshay/travel-geoengine/internal/track"
)

// Mode is a transport mode
type Mode string

// Transport modes
const (
	Stationary Mode = "stationary"
	Walking    Mode = "walking"
	Cycling    Mode = "cycling"
	Transit    Mode = "transit"
	Driving    Mode = "driving"
)

// Profile is the fixed tuning tuple for a mode
type Profile struct {
	DetectionRadiusM float64
	UpdateInterval   time.Duration
	ETAThresholdMin  float64
	Confidence       float64
}

var profiles = map[Mode]Profile{
	Stationary: {DetectionRadiusM: 100, UpdateInterval: 60 * time.Second, ETAThresholdMin: 0, Confidence: 0.9},
	Walking:    {DetectionRadiusM: 300, UpdateInterval: 15 * time.Second, ETAThresholdMin: 5, Confidence: 0.85},
	Cycling:    {DetectionRadiusM: 800, UpdateInterval: 10 * time.Second, ETAThresholdMin: 3, Confidence: 0.75},
	Transit:    {DetectionRadiusM: 1000, UpdateInterval: 8 * time.Second, ETAThresholdMin: 5, Confidence: 0.7},
	Driving:    {DetectionRadiusM: 1500, UpdateInterval: 5 * time.Second, ETAThresholdMin: 3, Confidence: 0.85},
}

// ProfileFor returns the tuning tuple of a mode. Unknown modes get the
// stationary profile.
func ProfileFor(m Mode) Profile {
	if p, ok := profiles[m]; ok {
		return p
	}
	return profiles[Stationary]
}

// ParseMode converts a free-form mode name, defaulting to walking
func ParseMode(s string) Mode {
	switch Mode(s) {
	case Stationary, Walking, Cycling, Transit, Driving:
		return Mode(s)
	case "bicycling", "bike":
		return Cycling
	case "car", "drive":
		return Driving
	case "bus", "train", "subway":
		return Transit
	default:
		return Walking
	}
}

// Context is an immutable snapshot of the detected transport situation
type Context struct {
	Mode             Mode
	SpeedMps         float64
	SpeedKmh         float64
	Confidence       float64
	DetectionRadiusM float64
	UpdateInterval   time.Duration
	ETAThresholdMin  float64
	Variance         float64
}

// Config holds transport classification thresholds
type Config struct {
	StationaryMaxMps float64
	WalkingMaxMps    float64
	CyclingMaxMps    float64
	DrivingMaxMps    float64
	WindowSize       int
	// ErraticVariance (m²/s²) above which cycling/driving speeds are read as transit
	ErraticVariance float64
	// MinReadings below which confidence is halved
	MinReadings int
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		StationaryMaxMps: 0.5,
		WalkingMaxMps:    2.5,
		CyclingMaxMps:    7,
		DrivingMaxMps:    30,
		WindowSize:       10,
		ErraticVariance:  5,
		MinReadings:      3,
	}
}

const (
	erraticConfidenceFactor = 0.6
	sparseConfidenceFactor  = 0.5
)

// Classifier keeps a speed history and derives the transport context
type Classifier struct {
	cfg    Config
	buffer *track.SpeedBuffer
	last   Context
}

// NewClassifier creates a classifier with the given thresholds
func NewClassifier(cfg Config) *Classifier {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	c := &Classifier{cfg: cfg, buffer: track.NewSpeedBuffer()}
	c.last = newContext(Stationary, 0, 0, 0)
	return c
}

// Update ingests a sample and returns the refreshed context
func (c *Classifier) Update(s track.Sample) Context {
	var prev *track.SpeedReading
	if last, ok := c.buffer.Last(); ok {
		prev = &last
	}
	c.buffer.Add(track.DeriveReading(prev, s))

	speeds := stats.Float64Data(c.buffer.RecentSpeeds(c.cfg.WindowSize))
	avg, err := stats.Mean(speeds)
	if err != nil {
		return c.last
	}
	variance, err := stats.PopulationVariance(speeds)
	if err != nil {
		variance = 0
	}

	mode, erratic := c.classify(avg, variance)

	confidence := ProfileFor(mode).Confidence
	if erratic {
		confidence *= erraticConfidenceFactor
	}
	if len(speeds) < c.cfg.MinReadings {
		confidence *= sparseConfidenceFactor
	}

	c.last = newContext(mode, avg, confidence, variance)
	return c.last
}

// classify maps an average speed to a mode. An erratic window turns
// cycling- and driving-range speeds into transit, the stop-and-go signature.
func (c *Classifier) classify(avg, variance float64) (Mode, bool) {
	erratic := variance > c.cfg.ErraticVariance

	switch {
	case avg < c.cfg.StationaryMaxMps:
		return Stationary, erratic
	case avg < c.cfg.WalkingMaxMps:
		return Walking, erratic
	case avg < c.cfg.CyclingMaxMps:
		if erratic {
			return Transit, true
		}
		return Cycling, false
	case avg < c.cfg.DrivingMaxMps:
		if erratic {
			return Transit, true
		}
		return Driving, false
	default:
		return Driving, erratic
	}
}

// Last returns the most recent context
func (c *Classifier) Last() Context {
	return c.last
}

// Reset clears the speed history
func (c *Classifier) Reset() {
	c.buffer.Reset()
	c.last = newContext(Stationary, 0, 0, 0)
}

func newContext(mode Mode, speed, confidence, variance float64) Context {
	p := ProfileFor(mode)
	return Context{
		Mode:             mode,
		SpeedMps:         speed,
		SpeedKmh:         speed * 3.6,
		Confidence:       confidence,
		DetectionRadiusM: p.DetectionRadiusM,
		UpdateInterval:   p.UpdateInterval,
		ETAThresholdMin:  p.ETAThresholdMin,
		Variance:         variance,
	}
}
