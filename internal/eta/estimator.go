// Package eta estimates travel time to nearby places and decides whether a
// proximity notification is due.
package eta

import (
	"fmt"
	"math"
	"time"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

// Bucket classifies a result for message templating
type Bucket string

// Message buckets, nearest first
const (
	BucketArrived      Bucket = "arrived"
	BucketVeryClose    Bucket = "very_close"
	BucketUnderMinute  Bucket = "under_minute"
	BucketUnderFive    Bucket = "under_five_minutes"
	BucketUnderFifteen Bucket = "under_fifteen_minutes"
	BucketFar          Bucket = "far"
)

// Config holds the routing model
type Config struct {
	CorrectionFactors   map[transport.Mode]float64
	AverageSpeeds       map[transport.Mode]float64
	ShortTripM          float64
	ShortTripFactor     float64
	LongTripM           float64
	LongTripFactor      float64
	MinLiveSpeedMps     float64
	ArrivedM            float64
	MaxNotifyMin        float64
	StationaryMaxNotify float64
}

// DefaultConfig returns the production routing model
func DefaultConfig() Config {
	return Config{
		CorrectionFactors: map[transport.Mode]float64{
			transport.Stationary: 1.0,
			transport.Walking:    1.3,
			transport.Cycling:    1.25,
			transport.Transit:    1.4,
			transport.Driving:    1.35,
		},
		AverageSpeeds: map[transport.Mode]float64{
			transport.Stationary: 0,
			transport.Walking:    1.4,
			transport.Cycling:    5.5,
			transport.Transit:    8.3,
			transport.Driving:    11.1,
		},
		ShortTripM:          500,
		ShortTripFactor:     1.1,
		LongTripM:           2000,
		LongTripFactor:      0.95,
		MinLiveSpeedMps:     0.5,
		ArrivedM:            50,
		MaxNotifyMin:        30,
		StationaryMaxNotify: 100,
	}
}

// Target is a place to estimate against
type Target struct {
	ID       string
	Name     string
	Location geomath.Point
}

// Result is the estimate for one place
type Result struct {
	PlaceID      string
	PlaceName    string
	DistanceM    float64
	DurationMin  float64
	ArrivalTime  time.Time
	ShouldNotify bool
	Bucket       Bucket
	Message      string
}

// Reachable reports whether the estimate has a finite duration
func (r Result) Reachable() bool {
	return !math.IsInf(r.DurationMin, 0)
}

// Estimator computes ETA results
type Estimator struct {
	cfg Config
}

// NewEstimator creates an estimator with the given model
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// CorrectionFactor returns the straight-line to route distance factor
func (e *Estimator) CorrectionFactor(mode transport.Mode, straightM float64) float64 {
	factor, ok := e.cfg.CorrectionFactors[mode]
	if !ok {
		factor = 1.0
	}
	switch {
	case straightM < e.cfg.ShortTripM:
		factor *= e.cfg.ShortTripFactor
	case straightM > e.cfg.LongTripM:
		factor *= e.cfg.LongTripFactor
	}
	return factor
}

// EffectiveSpeed picks the live speed when it is meaningful, else the mode average
func (e *Estimator) EffectiveSpeed(mode transport.Mode, liveMps float64) float64 {
	if mode != transport.Stationary && liveMps > e.cfg.MinLiveSpeedMps && !math.IsInf(liveMps, 0) {
		return liveMps
	}
	return e.cfg.AverageSpeeds[mode]
}

// Estimate computes the ETA from user to target
func (e *Estimator) Estimate(user geomath.Point, target Target, tc transport.Context, liveMps float64, now time.Time) Result {
	straight := geomath.Distance(user, target.Location)
	routeDistance := straight * e.CorrectionFactor(tc.Mode, straight)
	speed := e.EffectiveSpeed(tc.Mode, liveMps)

	result := Result{
		PlaceID:     target.ID,
		PlaceName:   target.Name,
		DistanceM:   routeDistance,
		DurationMin: math.Inf(1),
	}

	if speed > 0 {
		seconds := routeDistance / speed
		result.DurationMin = seconds / 60
		result.ArrivalTime = now.Add(time.Duration(seconds * float64(time.Second)))
	}

	result.ShouldNotify = e.shouldNotify(tc, routeDistance, result.DurationMin)
	result.Bucket = bucketFor(routeDistance, result.DurationMin)
	result.Message = message(target.Name, result)

	return result
}

func (e *Estimator) shouldNotify(tc transport.Context, routeDistance, durationMin float64) bool {
	if durationMin > e.cfg.MaxNotifyMin {
		return false
	}
	if tc.Mode == transport.Stationary && routeDistance > e.cfg.StationaryMaxNotify {
		return false
	}
	return durationMin <= tc.ETAThresholdMin || routeDistance < e.cfg.ArrivedM
}

func bucketFor(distanceM, durationMin float64) Bucket {
	switch {
	case distanceM < 50:
		return BucketArrived
	case distanceM < 200:
		return BucketVeryClose
	case durationMin < 1:
		return BucketUnderMinute
	case durationMin < 5:
		return BucketUnderFive
	case durationMin < 15:
		return BucketUnderFifteen
	default:
		return BucketFar
	}
}

func message(name string, r Result) string {
	switch r.Bucket {
	case BucketArrived:
		return fmt.Sprintf("You've arrived at %s", name)
	case BucketVeryClose:
		return fmt.Sprintf("%s is just ahead, %.0f m away", name, r.DistanceM)
	case BucketUnderMinute:
		return fmt.Sprintf("%s in less than a minute", name)
	case BucketUnderFive, BucketUnderFifteen:
		return fmt.Sprintf("%s in about %d min", name, int(math.Ceil(r.DurationMin)))
	default:
		if !r.Reachable() {
			return fmt.Sprintf("%s is %.1f km away", name, r.DistanceM/1000)
		}
		return fmt.Sprintf("%s is %d min away", name, int(math.Round(r.DurationMin)))
	}
}
