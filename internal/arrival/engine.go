// Package arrival detects arrival at tracked places with a per-place
// dwelling-time state machine.
//
// A place moves from Far to Entering on the first reading inside its
// detection radius and is Confirmed once the traveller has both dwelled for
// the required time and produced enough consecutive in-radius readings.
// Leaving beyond radius × ExitMultiplier reverts it to Far. Only one arrival
// may await user confirmation at a time.
package arrival

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
	"github.com/stuartshay/travel-geoengine/internal/venue"
)

// State is the FSM state of a tracked place
type State string

// Place states
const (
	StateFar       State = "far"
	StateEntering  State = "entering"
	StateConfirmed State = "confirmed"
	StateSkipped   State = "skipped"
	StateBlocked   State = "blocked"
)

// Config holds the dwelling rules
type Config struct {
	BaseDwell            time.Duration
	LargeVenueMultiplier float64
	MinConsecutive       int
	ExitMultiplier       float64
	BlockDuration        time.Duration
	BlockRadiusM         float64
}

// DefaultConfig returns the production dwelling rules
func DefaultConfig() Config {
	return Config{
		BaseDwell:            30 * time.Second,
		LargeVenueMultiplier: 1.5,
		MinConsecutive:       3,
		ExitMultiplier:       1.5,
		BlockDuration:        5 * time.Minute,
		BlockRadiusM:         200,
	}
}

// Place is a candidate destination
type Place struct {
	ID       string
	Name     string
	Location geomath.Point
	Venue    venue.Profile
}

// NewPlace builds a place, resolving its category tags once
func NewPlace(id, name string, location geomath.Point, tags []string) Place {
	return Place{
		ID:       id,
		Name:     name,
		Location: location,
		Venue:    venue.Resolve(tags),
	}
}

// ProximityState is the mutable per-place proximity record
type ProximityState struct {
	State               State
	EnteredAt           time.Time
	LastDistanceM       float64
	ConsecutiveReadings int
	SkipNotification    bool
	IsBlocked           bool
	BlockedUntil        time.Time
}

// PlaceArrival is emitted once a place is confirmed
type PlaceArrival struct {
	PlaceID          string
	PlaceName        string
	DistanceM        float64
	EnteredAt        time.Time
	DwellingTime     time.Duration
	DetectionRadiusM float64
}

type tracked struct {
	place Place
	prox  ProximityState
}

// Engine tracks proximity to a set of places for one session
type Engine struct {
	cfg     Config
	places  map[string]*tracked
	arrived map[string]bool
	active  string
}

// NewEngine creates an engine with no places
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		places:  make(map[string]*tracked),
		arrived: make(map[string]bool),
	}
}

// SetPlaces replaces the tracked place set. Proximity state of places that
// remain is kept; arrival history is kept for the whole session.
func (e *Engine) SetPlaces(places []Place) {
	next := make(map[string]*tracked, len(places))
	for _, p := range places {
		if existing, ok := e.places[p.ID]; ok {
			existing.place = p
			next[p.ID] = existing
			continue
		}
		prox := ProximityState{State: StateFar}
		if e.arrived[p.ID] {
			prox.State = StateConfirmed
		}
		next[p.ID] = &tracked{place: p, prox: prox}
	}
	e.places = next
}

// RequiredDwell returns the dwelling time a place needs before confirmation
func (e *Engine) RequiredDwell(p Place) time.Duration {
	if p.Venue.LargeVenue {
		return time.Duration(float64(e.cfg.BaseDwell) * e.cfg.LargeVenueMultiplier)
	}
	return e.cfg.BaseDwell
}

// Evaluate advances every tracked place with one sample and returns the
// arrival confirmed by it, if any. Places are evaluated nearest first.
func (e *Engine) Evaluate(s track.Sample) *PlaceArrival {
	if len(e.places) == 0 || !s.Point.IsValid() {
		return nil
	}

	ordered := make([]*tracked, 0, len(e.places))
	for _, t := range e.places {
		t.prox.LastDistanceM = geomath.Distance(s.Point, t.place.Location)
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].prox.LastDistanceM == ordered[j].prox.LastDistanceM {
			return ordered[i].place.ID < ordered[j].place.ID
		}
		return ordered[i].prox.LastDistanceM < ordered[j].prox.LastDistanceM
	})

	var result *PlaceArrival
	for _, t := range ordered {
		if arrival := e.step(t, s.Timestamp); arrival != nil && result == nil {
			result = arrival
			e.blockNeighbours(t.place.ID, ordered, s.Timestamp)
		}
	}

	return result
}

// step advances one place; it returns an arrival when the place confirms
func (e *Engine) step(t *tracked, now time.Time) *PlaceArrival {
	prox := &t.prox

	switch prox.State {
	case StateConfirmed, StateSkipped:
		return nil
	case StateBlocked:
		if now.Before(prox.BlockedUntil) {
			return nil
		}
		e.clearProximity(prox)
	}

	radius := t.place.Venue.RadiusM
	distance := prox.LastDistanceM

	if distance > radius*e.cfg.ExitMultiplier {
		if prox.State == StateEntering {
			log.Debug().
				Str("place_id", t.place.ID).
				Float64("distance_m", distance).
				Msg("Left place before arrival confirmed")
		}
		e.clearProximity(prox)
		return nil
	}

	if distance > radius {
		// between radius and exit radius: hold the current progress
		return nil
	}

	if prox.State == StateFar {
		prox.State = StateEntering
		prox.EnteredAt = now
		prox.ConsecutiveReadings = 0
	}
	prox.ConsecutiveReadings++

	dwell := now.Sub(prox.EnteredAt)
	if dwell < e.RequiredDwell(t.place) || prox.ConsecutiveReadings < e.cfg.MinConsecutive {
		return nil
	}

	if e.active != "" && e.active != t.place.ID {
		log.Debug().
			Str("place_id", t.place.ID).
			Str("active_place_id", e.active).
			Msg("Arrival suppressed while another arrival is active")
		return nil
	}

	prox.State = StateConfirmed
	e.arrived[t.place.ID] = true
	e.active = t.place.ID

	log.Info().
		Str("place_id", t.place.ID).
		Str("place_name", t.place.Name).
		Float64("distance_m", distance).
		Dur("dwell", dwell).
		Msg("Arrival confirmed")

	return &PlaceArrival{
		PlaceID:          t.place.ID,
		PlaceName:        t.place.Name,
		DistanceM:        distance,
		EnteredAt:        prox.EnteredAt,
		DwellingTime:     dwell,
		DetectionRadiusM: radius,
	}
}

// blockNeighbours blocks every other open place currently within BlockRadiusM
func (e *Engine) blockNeighbours(arrivedID string, ordered []*tracked, now time.Time) {
	for _, t := range ordered {
		if t.place.ID == arrivedID {
			continue
		}
		if t.prox.LastDistanceM > e.cfg.BlockRadiusM {
			break
		}
		if t.prox.State == StateConfirmed || t.prox.State == StateSkipped {
			continue
		}
		e.clearProximity(&t.prox)
		t.prox.State = StateBlocked
		t.prox.IsBlocked = true
		t.prox.BlockedUntil = now.Add(e.cfg.BlockDuration)
	}
}

func (e *Engine) clearProximity(prox *ProximityState) {
	prox.State = StateFar
	prox.EnteredAt = time.Time{}
	prox.ConsecutiveReadings = 0
	prox.IsBlocked = false
	prox.BlockedUntil = time.Time{}
}

// Confirm records the user's confirmation of an arrival and releases the
// active lock
func (e *Engine) Confirm(placeID string) {
	if e.active == placeID {
		e.active = ""
	}
	e.arrived[placeID] = true
	if t, ok := e.places[placeID]; ok {
		t.prox.State = StateConfirmed
	}
}

// Skip dismisses a place for the rest of the session and releases the
// active lock
func (e *Engine) Skip(placeID string) {
	if e.active == placeID {
		e.active = ""
	}
	if t, ok := e.places[placeID]; ok {
		e.clearProximity(&t.prox)
		t.prox.State = StateSkipped
		t.prox.SkipNotification = true
	}
}

// ResetPlace makes a confirmed or skipped place eligible again
func (e *Engine) ResetPlace(placeID string) {
	if e.active == placeID {
		e.active = ""
	}
	delete(e.arrived, placeID)
	if t, ok := e.places[placeID]; ok {
		t.prox = ProximityState{State: StateFar}
	}
}

// Reset clears all proximity and arrival state, keeping the place set
func (e *Engine) Reset() {
	e.active = ""
	e.arrived = make(map[string]bool)
	for _, t := range e.places {
		t.prox = ProximityState{State: StateFar}
	}
}

// Active returns the id of the arrival awaiting confirmation, if any
func (e *Engine) Active() (string, bool) {
	return e.active, e.active != ""
}

// HasArrived reports whether a place has been confirmed this session
func (e *Engine) HasArrived(placeID string) bool {
	return e.arrived[placeID]
}

// State returns a copy of a place's proximity state
func (e *Engine) State(placeID string) (ProximityState, bool) {
	t, ok := e.places[placeID]
	if !ok {
		return ProximityState{}, false
	}
	return t.prox, true
}

// Places returns the tracked places
func (e *Engine) Places() []Place {
	out := make([]Place, 0, len(e.places))
	for _, t := range e.places {
		out = append(out, t.place)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
