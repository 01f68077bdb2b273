// Package scheduler decides the GPS sampling cadence and owns the single
// location subscription of a session.
//
// Every change that affects the cadence (foreground state, energy mode,
// active/passive tracking, transport interval hint) stops the live
// subscription before a new one is requested. Transitions are serialized by
// a mutex so two subscriptions never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/movement"
	"github.com/stuartshay/travel-geoengine/internal/source"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

// Platform selects the interval tables
type Platform string

// Platforms
const (
	Native Platform = "native"
	Other  Platform = "other"
)

// ParsePlatform converts a platform name, defaulting to Other
func ParsePlatform(s string) Platform {
	if Platform(s) == Native {
		return Native
	}
	return Other
}

// State is the scheduler lifecycle state
type State string

// Scheduler states
const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateDenied   State = "denied"
)

// Limits holds one platform's interval table
type Limits struct {
	ActiveMin            time.Duration
	ActiveMax            time.Duration
	PassiveBase          time.Duration
	Max                  time.Duration
	BackgroundMultiplier float64
}

// LimitsFor returns the interval table of a platform
func LimitsFor(p Platform) Limits {
	if p == Native {
		return Limits{
			ActiveMin:            3 * time.Second,
			ActiveMax:            30 * time.Second,
			PassiveBase:          5 * time.Minute,
			Max:                  15 * time.Minute,
			BackgroundMultiplier: 2,
		}
	}
	return Limits{
		ActiveMin:            5 * time.Second,
		ActiveMax:            45 * time.Second,
		PassiveBase:          10 * time.Minute,
		Max:                  30 * time.Minute,
		BackgroundMultiplier: 2.5,
	}
}

// DefaultIntervalHint is the active base used before any transport context
const DefaultIntervalHint = 10 * time.Second

// EnergyMultiplier returns the interval stretch for an energy mode
func EnergyMultiplier(mode movement.EnergyMode) float64 {
	switch mode {
	case movement.EnergySaving:
		return 1.5
	case movement.EnergyUltraSaving:
		return 3
	default:
		return 1
	}
}

// Inputs are the facts the cadence is computed from
type Inputs struct {
	Platform     Platform
	Active       bool
	Foreground   bool
	EnergyMode   movement.EnergyMode
	IntervalHint time.Duration
}

// Compute returns the subscription request for a set of inputs
func Compute(in Inputs) source.Request {
	limits := LimitsFor(in.Platform)

	var base time.Duration
	if in.Active {
		base = in.IntervalHint
		if base <= 0 {
			base = DefaultIntervalHint
		}
		base = clamp(base, limits.ActiveMin, limits.ActiveMax)
	} else {
		base = limits.PassiveBase
	}

	factor := EnergyMultiplier(in.EnergyMode)
	if !in.Foreground {
		factor *= limits.BackgroundMultiplier
	}

	interval := clamp(time.Duration(float64(base)*factor), limits.ActiveMin, limits.Max)

	return source.Request{Interval: interval, Accuracy: accuracyFor(in)}
}

func accuracyFor(in Inputs) source.Accuracy {
	switch {
	case !in.Active:
		return source.AccuracyLow
	case in.Foreground && (in.EnergyMode == movement.EnergyNormal || in.EnergyMode == ""):
		return source.AccuracyHigh
	default:
		return source.AccuracyBalanced
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Scheduler owns one session's location subscription
type Scheduler struct {
	mu      sync.Mutex
	src     source.LocationSource
	inputs  Inputs
	state   State
	sub     source.Subscription
	current source.Request
	ctx     context.Context

	// generation of the live subscription; callbacks of older ones are dropped
	generation atomic.Uint64

	onSample  source.SampleFunc
	onFatal   func(error)
	fatalOnce sync.Once
	restarts  int
}

// New creates an idle scheduler. onSample receives samples of the live
// subscription only; onFatal is called once if location permission is lost.
func New(platform Platform, src source.LocationSource, onSample source.SampleFunc, onFatal func(error)) *Scheduler {
	return &Scheduler{
		src: src,
		inputs: Inputs{
			Platform:   platform,
			Foreground: true,
			EnergyMode: movement.EnergyNormal,
		},
		state:    StateIdle,
		onSample: onSample,
		onFatal:  onFatal,
	}
}

// Start subscribes in active (dense) or passive (region-watching) mode
func (s *Scheduler) Start(ctx context.Context, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDenied {
		return source.ErrPermissionDenied
	}

	s.ctx = ctx
	s.inputs.Active = active
	return s.restartLocked()
}

// Stop releases the live subscription
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.state != StateDenied {
		s.state = StateIdle
	}
}

// SetForeground records the app foreground state
func (s *Scheduler) SetForeground(foreground bool) error {
	return s.update(func(in *Inputs) { in.Foreground = foreground })
}

// SetEnergyMode records the energy mode suggested by the movement classifier
func (s *Scheduler) SetEnergyMode(mode movement.EnergyMode) error {
	return s.update(func(in *Inputs) { in.EnergyMode = mode })
}

// SetActive switches between active and passive tracking
func (s *Scheduler) SetActive(active bool) error {
	return s.update(func(in *Inputs) { in.Active = active })
}

// SetIntervalHint records the transport mode's preferred update interval
func (s *Scheduler) SetIntervalHint(d time.Duration) error {
	return s.update(func(in *Inputs) { in.IntervalHint = d })
}

// SetCadence records the classifier outputs of one sample together, so the
// subscription restarts at most once per sample
func (s *Scheduler) SetCadence(mode movement.EnergyMode, hint time.Duration) error {
	return s.update(func(in *Inputs) {
		in.EnergyMode = mode
		in.IntervalHint = hint
	})
}

// Deny records that location permission was withdrawn. The subscription is
// released and onFatal fires once.
func (s *Scheduler) Deny() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.denyLocked()
}

// update applies a change and restarts the subscription when the computed
// request differs from the live one
func (s *Scheduler) update(apply func(*Inputs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apply(&s.inputs)

	if s.state != StateWatching {
		return nil
	}
	if Compute(s.inputs) == s.current {
		return nil
	}
	return s.restartLocked()
}

func (s *Scheduler) restartLocked() error {
	s.stopLocked()

	req := Compute(s.inputs)
	gen := s.generation.Add(1)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := s.src.Subscribe(ctx, req,
		func(sample track.Sample) { s.deliver(gen, sample) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		if errors.Is(err, source.ErrPermissionDenied) {
			s.denyLocked()
			return err
		}
		s.state = StateIdle
		return fmt.Errorf("failed to start location subscription: %w", err)
	}

	s.sub = sub
	s.current = req
	s.state = StateWatching
	s.restarts++

	log.Info().
		Dur("interval", req.Interval).
		Str("accuracy", string(req.Accuracy)).
		Bool("active", s.inputs.Active).
		Bool("foreground", s.inputs.Foreground).
		Str("energy_mode", string(s.inputs.EnergyMode)).
		Msg("Location subscription started")

	return nil
}

func (s *Scheduler) stopLocked() {
	// invalidate callbacks of the subscription being released
	s.generation.Add(1)

	if s.sub == nil {
		return
	}
	if err := s.sub.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop location subscription cleanly")
	}
	s.sub = nil
	s.current = source.Request{}
}

func (s *Scheduler) deliver(gen uint64, sample track.Sample) {
	if s.generation.Load() != gen {
		return
	}
	s.onSample(sample)
}

func (s *Scheduler) fail(gen uint64, err error) {
	if !errors.Is(err, source.ErrPermissionDenied) {
		log.Warn().Err(err).Msg("Location subscription reported an error")
		return
	}

	s.mu.Lock()
	if s.generation.Load() != gen {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.denyLocked()
	s.mu.Unlock()
}

func (s *Scheduler) denyLocked() {
	s.state = StateDenied
	s.fatalOnce.Do(func() {
		log.Error().Msg("Location permission denied, tracking stopped")
		if s.onFatal != nil {
			// outside the caller's critical section
			go s.onFatal(source.ErrPermissionDenied)
		}
	})
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the live request; zero when not watching
func (s *Scheduler) Current() source.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Inputs returns the facts the cadence is currently computed from
func (s *Scheduler) Inputs() Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs
}

// Restarts returns how many subscriptions have been started
func (s *Scheduler) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
