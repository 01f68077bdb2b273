// Package movement classifies coarse movement (stationary, walking, running,
// vehicle) from a rolling speed window and recommends an energy mode.
package movement

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/stuartshay/travel-geoengine/internal/track"
)

// State is a coarse movement class
type State string

// Movement classes
const (
	Stationary State = "stationary"
	Walking    State = "walking"
	Running    State = "running"
	Vehicle    State = "vehicle"
)

// EnergyMode is a power-consumption tier for location sampling
type EnergyMode string

// Energy modes, in escalation order
const (
	EnergyNormal      EnergyMode = "normal"
	EnergySaving      EnergyMode = "saving"
	EnergyUltraSaving EnergyMode = "ultra-saving"
)

// Config holds movement classification thresholds
type Config struct {
	StationaryMaxMps float64       // below: stationary
	WalkingMaxMps    float64       // below: walking
	RunningMaxMps    float64       // below: running, else vehicle
	WindowSize       int           // readings averaged for classification
	UltraSavingAfter time.Duration // continuous stationary time before ultra-saving
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		StationaryMaxMps: 0.5,
		WalkingMaxMps:    2.0,
		RunningMaxMps:    4.0,
		WindowSize:       10,
		UltraSavingAfter: 5 * time.Minute,
	}
}

// Result is the classifier output for one sample
type Result struct {
	State              State
	AverageSpeedMps    float64
	StationaryDuration time.Duration
	EnergyMode         EnergyMode
}

// Classifier keeps the speed history for one session
type Classifier struct {
	cfg             Config
	buffer          *track.SpeedBuffer
	stationarySince time.Time
	last            Result
}

// NewClassifier creates a classifier with the given thresholds
func NewClassifier(cfg Config) *Classifier {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Classifier{
		cfg:    cfg,
		buffer: track.NewSpeedBuffer(),
		last:   Result{State: Stationary, EnergyMode: EnergyNormal},
	}
}

// Update ingests a sample and returns the refreshed classification
func (c *Classifier) Update(s track.Sample) Result {
	var prev *track.SpeedReading
	if last, ok := c.buffer.Last(); ok {
		prev = &last
	}
	reading := track.DeriveReading(prev, s)
	c.buffer.Add(reading)

	return c.ingest(reading)
}

func (c *Classifier) ingest(reading track.SpeedReading) Result {
	avg, err := stats.Mean(stats.Float64Data(c.buffer.RecentSpeeds(c.cfg.WindowSize)))
	if err != nil {
		avg = 0
	}

	if reading.SpeedMps < c.cfg.StationaryMaxMps {
		if c.stationarySince.IsZero() {
			c.stationarySince = reading.Timestamp
		}
	} else {
		c.stationarySince = time.Time{}
	}

	var stationaryFor time.Duration
	if !c.stationarySince.IsZero() {
		stationaryFor = reading.Timestamp.Sub(c.stationarySince)
	}

	state := c.classify(avg)
	c.last = Result{
		State:              state,
		AverageSpeedMps:    avg,
		StationaryDuration: stationaryFor,
		EnergyMode:         c.energyMode(state, reading.SpeedMps, stationaryFor),
	}

	return c.last
}

func (c *Classifier) classify(avg float64) State {
	switch {
	case avg < c.cfg.StationaryMaxMps:
		return Stationary
	case avg < c.cfg.WalkingMaxMps:
		return Walking
	case avg < c.cfg.RunningMaxMps:
		return Running
	default:
		return Vehicle
	}
}

// energyMode only escalates after a continuous stationary streak; a reading
// above walking speed drops straight back to normal
func (c *Classifier) energyMode(state State, latestMps float64, stationaryFor time.Duration) EnergyMode {
	if latestMps >= c.cfg.WalkingMaxMps {
		return EnergyNormal
	}
	if !c.stationarySince.IsZero() && stationaryFor >= c.cfg.UltraSavingAfter {
		return EnergyUltraSaving
	}
	if state == Stationary || state == Walking {
		return EnergySaving
	}
	return EnergyNormal
}

// Last returns the most recent classification
func (c *Classifier) Last() Result {
	return c.last
}

// Reset clears the speed history and stationary streak
func (c *Classifier) Reset() {
	c.buffer.Reset()
	c.stationarySince = time.Time{}
	c.last = Result{State: Stationary, EnergyMode: EnergyNormal}
}
