// Package session composes the travel engines for one traveller. A Session
// owns one instance of every classifier, the arrival and deviation trackers,
// the ETA estimator, the adaptive scheduler and the region detector, and
// processes samples strictly one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/deviation"
	"github.com/stuartshay/travel-geoengine/internal/eta"
	"github.com/stuartshay/travel-geoengine/internal/events"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/movement"
	"github.com/stuartshay/travel-geoengine/internal/region"
	"github.com/stuartshay/travel-geoengine/internal/scheduler"
	"github.com/stuartshay/travel-geoengine/internal/source"
	"github.com/stuartshay/travel-geoengine/internal/track"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

var (
	// ErrStopped is returned by operations on a stopped session
	ErrStopped = errors.New("session stopped")
	// ErrNotWatching is returned when a sample is pushed while no
	// subscription is live
	ErrNotWatching = errors.New("session is not watching location")
	// ErrDebugDisabled is returned by Snapshot when debug introspection is off
	ErrDebugDisabled = errors.New("session debug introspection disabled")
	// ErrNoSource is returned by Start when the session has no location source
	ErrNoSource = errors.New("session has no location source")
)

const debugPathLimit = 500

const defaultRegionCacheTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/stuartshay/travel-geoengine/internal/session")

// Config bundles the tuning of every engine in a session
type Config struct {
	Movement  movement.Config
	Transport transport.Config
	Arrival   arrival.Config
	Deviation deviation.Config
	ETA       eta.Config
	Platform  scheduler.Platform

	RegionCooldown time.Duration
	// a region lookup is queued once the traveller moved this far or this
	// long since the previous one
	RegionLookupDistanceM float64
	RegionLookupInterval  time.Duration
	// bounds each region cache read or write
	RegionCacheTimeout time.Duration

	Debug bool
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		Movement:              movement.DefaultConfig(),
		Transport:             transport.DefaultConfig(),
		Arrival:               arrival.DefaultConfig(),
		Deviation:             deviation.DefaultConfig(),
		ETA:                   eta.DefaultConfig(),
		Platform:              scheduler.Other,
		RegionCooldown:        region.DefaultCooldown,
		RegionLookupDistanceM: 500,
		RegionLookupInterval:  10 * time.Minute,
		RegionCacheTimeout:    defaultRegionCacheTimeout,
	}
}

// Deps are the collaborators a session talks to. Only Sink is required.
type Deps struct {
	Source      source.LocationSource
	Sink        events.Sink
	Metrics     *metrics.Metrics
	RegionCache region.Cache
	Watcher     *region.Watcher
}

// Outcome is what one sample produced
type Outcome struct {
	Dropped   bool
	Movement  movement.Result
	Transport transport.Context
	Arrival   *arrival.PlaceArrival
	Deviation *deviation.Analysis
	ETAs      []eta.Result
	Events    []events.Event
}

// Session is the per-traveller engine
type Session struct {
	id    string
	owner string
	cfg   Config

	sink    events.Sink
	metrics *metrics.Metrics
	watcher *region.Watcher

	scheduler *scheduler.Scheduler

	mu sync.Mutex
	// held while events are handed to the sink; keeps them in order and
	// lets Stop wait for a publish in progress
	pubMu sync.Mutex

	movement  *movement.Classifier
	transport *transport.Classifier
	arrival   *arrival.Engine
	deviation *deviation.Monitor
	estimator *eta.Estimator
	detector  *region.Detector

	started  bool
	stopped  bool
	active   bool
	samples  int
	last     *track.Sample
	path     []geomath.Point
	notified map[string]bool
	// set while an off-route episode has already been reported
	deviationReported bool

	lookups         chan track.Sample
	lastLookupAt    time.Time
	lastLookupPoint geomath.Point
	cancel          context.CancelFunc

	// set by the Manager; forgets the session after a fatal error
	release func()
}

// New creates an idle session. owner namespaces the region cache entries.
func New(id, owner string, cfg Config, deps Deps) *Session {
	sink := deps.Sink
	if sink == nil {
		sink = events.LogSink{}
	}
	cache := deps.RegionCache
	if cache == nil {
		cache = region.NewMemoryCache()
	}

	s := &Session{
		id:        id,
		owner:     owner,
		cfg:       cfg,
		sink:      sink,
		metrics:   deps.Metrics,
		watcher:   deps.Watcher,
		movement:  movement.NewClassifier(cfg.Movement),
		transport: transport.NewClassifier(cfg.Transport),
		arrival:   arrival.NewEngine(cfg.Arrival),
		deviation: deviation.NewMonitor(cfg.Deviation),
		estimator: eta.NewEstimator(cfg.ETA),
		detector:  region.NewDetector(cache, owner, cfg.RegionCooldown),
		notified:  make(map[string]bool),
	}
	if deps.Watcher != nil {
		s.lookups = make(chan track.Sample, 1)
	}
	if deps.Source != nil {
		s.scheduler = scheduler.New(cfg.Platform, deps.Source, s.onSourceSample, s.onFatal)
	}

	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Owner returns the traveller the session belongs to
func (s *Session) Owner() string {
	return s.owner
}

// Start subscribes to location updates in active (travel mode) or passive
// (region watching only) mode. Calling Start again switches the mode.
func (s *Session) Start(ctx context.Context, active bool) error {
	if s.scheduler == nil {
		return ErrNoSource
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.active = active
		s.mu.Unlock()
		return s.scheduler.SetActive(active)
	}

	s.started = true
	s.active = active
	// outlives the request that started the session
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if s.lookups != nil {
		go s.regionWorker(runCtx)
	}
	s.mu.Unlock()

	s.metrics.SessionStarted()

	log.Info().
		Str("session_id", s.id).
		Str("owner", s.owner).
		Bool("active", active).
		Msg("Session started")

	if err := s.scheduler.Start(runCtx, active); err != nil {
		return fmt.Errorf("failed to start session %s: %w", s.id, err)
	}
	return nil
}

// SetActive switches between active and passive tracking
func (s *Session) SetActive(active bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.active = active
	s.mu.Unlock()

	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.SetActive(active)
}

// SetForeground records the app foreground state
func (s *Session) SetForeground(foreground bool) error {
	if s.Stopped() {
		return ErrStopped
	}
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.SetForeground(foreground)
}

// Stop is terminal: the subscription is released and no further event is
// emitted, including results of region lookups still in flight
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	// a region lookup still waiting on the geocoder or the cache sees the
	// cancellation and publishes nothing
	if cancel != nil {
		cancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	// wait out a publish that started before the stop
	s.pubMu.Lock()
	s.pubMu.Unlock() // nolint:staticcheck // empty critical section waits for the publisher

	if started {
		s.metrics.SessionStopped()
	}

	log.Info().Str("session_id", s.id).Msg("Session stopped")
}

// Stopped reports whether Stop was called
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Deliver processes a sample pushed by the client. It fails when the
// session's subscription is not live.
func (s *Session) Deliver(ctx context.Context, sample track.Sample) (Outcome, error) {
	if s.Stopped() {
		return Outcome{}, ErrStopped
	}
	if s.scheduler != nil {
		switch s.scheduler.State() {
		case scheduler.StateDenied:
			return Outcome{}, source.ErrPermissionDenied
		case scheduler.StateIdle:
			return Outcome{}, ErrNotWatching
		}
	}
	return s.HandleSample(ctx, sample), nil
}

func (s *Session) onSourceSample(sample track.Sample) {
	s.HandleSample(context.Background(), sample)
}

func (s *Session) onFatal(err error) {
	e := events.New(s.id, events.KindPermissionDenied, time.Now().UTC())
	e.Error = err.Error()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
	} else {
		s.pubMu.Lock()
		s.mu.Unlock()
		s.publish(context.Background(), e)
		s.pubMu.Unlock()
	}

	s.Stop()
	if s.release != nil {
		s.release()
	}
}

// RevokePermission reports that the traveller withdrew location access.
// The session stops and reports the denial once.
func (s *Session) RevokePermission() error {
	if s.Stopped() {
		return ErrStopped
	}
	if s.scheduler == nil {
		return ErrNoSource
	}
	s.scheduler.Deny()
	return nil
}

// HandleSample runs one sample through every engine. It never fails: bad
// samples and internal faults are logged and reported as dropped.
func (s *Session) HandleSample(ctx context.Context, sample track.Sample) (out Outcome) {
	started := time.Now()

	ctx, span := tracer.Start(ctx, "session.HandleSample",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	result := metrics.OutcomeProcessed

	s.mu.Lock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("session_id", s.id).
					Interface("panic", r).
					Msg("Recovered from panic while processing sample")
				out = Outcome{Dropped: true}
				result = metrics.OutcomePanic
			}
		}()

		switch {
		case s.stopped:
			out = Outcome{Dropped: true}
			result = metrics.OutcomeDropped
		case !sample.Point.IsValid() || sample.Timestamp.IsZero():
			log.Warn().
				Str("session_id", s.id).
				Float64("lat", sample.Point.Lat).
				Float64("lng", sample.Point.Lng).
				Msg("Dropping invalid location sample")
			out = Outcome{Dropped: true}
			result = metrics.OutcomeDropped
		default:
			out = s.process(ctx, sample)
		}
	}()

	// events leave outside the session mutex, still in sample order
	s.pubMu.Lock()
	s.mu.Unlock()
	undelivered := s.publishAll(ctx, out.Events)
	s.pubMu.Unlock()

	if len(undelivered) > 0 {
		s.rollback(undelivered)
		out = out.without(undelivered)
	}

	if !out.Dropped {
		span.SetAttributes(
			attribute.String("movement.state", string(out.Movement.State)),
			attribute.String("transport.mode", string(out.Transport.Mode)),
			attribute.Int("events", len(out.Events)),
		)
		s.applyCadence(out)
	}

	s.metrics.Sample(result, time.Since(started))
	return out
}

// process is called with the mutex held
func (s *Session) process(ctx context.Context, sample track.Sample) Outcome {
	s.samples++
	stored := sample
	s.last = &stored
	if s.cfg.Debug {
		s.path = append(s.path, sample.Point)
		if len(s.path) > debugPathLimit {
			s.path = s.path[len(s.path)-debugPathLimit:]
		}
	}

	out := Outcome{
		Movement:  s.movement.Update(sample),
		Transport: s.transport.Update(sample),
	}

	s.queueRegionLookup(sample)

	if !s.active && s.started {
		// passive tracking only watches regions
		return out
	}

	if a := s.arrival.Evaluate(sample); a != nil {
		out.Arrival = a
		e := events.New(s.id, events.KindArrival, sample.Timestamp)
		e.Arrival = a
		out.Events = append(out.Events, e)
	}

	if s.deviation.HasRoute() {
		analysis := s.deviation.Analyze(sample)
		out.Deviation = &analysis

		switch {
		case !analysis.IsOffRoute:
			s.deviationReported = false
		case analysis.ShouldSuggestRecalculation && !s.deviationReported:
			s.deviationReported = true
			e := events.New(s.id, events.KindRouteDeviation, sample.Timestamp)
			reported := analysis
			e.Deviation = &reported
			out.Events = append(out.Events, e)
		}
	}

	for _, place := range s.arrival.Places() {
		if s.arrival.HasArrived(place.ID) {
			continue
		}
		if st, ok := s.arrival.State(place.ID); ok && st.State == arrival.StateSkipped {
			continue
		}

		target := eta.Target{ID: place.ID, Name: place.Name, Location: place.Location}
		result := s.estimator.Estimate(sample.Point, target, out.Transport, out.Transport.SpeedMps, sample.Timestamp)
		out.ETAs = append(out.ETAs, result)

		if result.ShouldNotify && !s.notified[place.ID] {
			s.notified[place.ID] = true
			e := events.New(s.id, events.KindETA, sample.Timestamp)
			notified := result
			e.ETA = &notified
			out.Events = append(out.Events, e)
		}
	}

	return out
}

// publishAll hands events to the sink in order and returns the ones whose
// publication panicked. Called with pubMu held.
func (s *Session) publishAll(ctx context.Context, evs []events.Event) []events.Event {
	var undelivered []events.Event
	for _, e := range evs {
		if !s.publish(ctx, e) {
			undelivered = append(undelivered, e)
			continue
		}
		switch e.Kind {
		case events.KindArrival:
			s.metrics.Arrival()
		case events.KindRouteDeviation:
			s.metrics.RouteRecalculation()
		case events.KindETA:
			s.metrics.ETANotification()
		}
	}
	return undelivered
}

// rollback undoes the state changes of events that never reached the sink,
// so the next sample can produce them again
func (s *Session) rollback(undelivered []events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range undelivered {
		switch {
		case e.Arrival != nil:
			s.arrival.ResetPlace(e.Arrival.PlaceID)
		case e.ETA != nil:
			delete(s.notified, e.ETA.PlaceID)
		case e.Deviation != nil:
			s.deviationReported = false
		}
	}
}

// without drops undelivered events and the arrival they carried
func (o Outcome) without(undelivered []events.Event) Outcome {
	dropped := make(map[string]bool, len(undelivered))
	for _, e := range undelivered {
		dropped[e.ID] = true
		if e.Arrival != nil {
			o.Arrival = nil
		}
	}

	kept := make([]events.Event, 0, len(o.Events))
	for _, e := range o.Events {
		if !dropped[e.ID] {
			kept = append(kept, e)
		}
	}
	o.Events = kept
	return o
}

// applyCadence feeds the classifier outputs back into the scheduler. It runs
// outside the session mutex since a restart may wait on the source.
func (s *Session) applyCadence(out Outcome) {
	if s.scheduler == nil {
		return
	}

	before := s.scheduler.Restarts()
	err := s.scheduler.SetCadence(out.Movement.EnergyMode, out.Transport.UpdateInterval)
	if err != nil && !errors.Is(err, source.ErrPermissionDenied) {
		log.Warn().Err(err).Str("session_id", s.id).Msg("Failed to apply sampling cadence")
	}
	for i := before; i < s.scheduler.Restarts(); i++ {
		s.metrics.SubscriptionRestart()
	}
}

// queueRegionLookup hands the sample to the region worker when the
// traveller moved far enough or enough time passed. A pending lookup is
// replaced by the newer sample.
func (s *Session) queueRegionLookup(sample track.Sample) {
	if s.lookups == nil {
		return
	}
	if !s.lastLookupAt.IsZero() &&
		geomath.Distance(s.lastLookupPoint, sample.Point) < s.cfg.RegionLookupDistanceM &&
		sample.Timestamp.Sub(s.lastLookupAt) < s.cfg.RegionLookupInterval {
		return
	}
	s.lastLookupAt = sample.Timestamp
	s.lastLookupPoint = sample.Point

	select {
	case s.lookups <- sample:
		return
	default:
	}
	select {
	case <-s.lookups:
	default:
	}
	select {
	case s.lookups <- sample:
	default:
	}
}

func (s *Session) regionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-s.lookups:
			s.resolveRegion(ctx, sample)
		}
	}
}

// resolveRegion runs on the region worker. The geocoder and the cache are
// called without the session mutex, which is only taken to publish.
func (s *Session) resolveRegion(ctx context.Context, sample track.Sample) {
	resolution, ok := s.watcher.Lookup(ctx, sample.Point)
	if !ok {
		if ctx.Err() == nil {
			s.metrics.GeocodeFailure()
		}
		return
	}

	timeout := s.cfg.RegionCacheTimeout
	if timeout <= 0 {
		timeout = defaultRegionCacheTimeout
	}

	for _, scope := range region.Scopes {
		if ctx.Err() != nil {
			return
		}

		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		change := s.detector.Check(checkCtx, scope, resolution.For(scope), sample.Timestamp)
		cancel()
		if change == nil {
			continue
		}

		e := events.New(s.id, events.KindRegionChange, change.At)
		e.Region = change

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.pubMu.Lock()
		s.mu.Unlock()
		delivered := s.publish(ctx, e)
		s.pubMu.Unlock()

		if delivered {
			s.metrics.RegionChange(string(scope))
		}
	}
}

// publish is called with pubMu held. It reports false when the sink
// panicked; sink errors are logged and count as published.
func (s *Session) publish(ctx context.Context, e events.Event) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session_id", s.id).
				Str("kind", string(e.Kind)).
				Interface("panic", r).
				Msg("Recovered from panic while publishing event")
			delivered = false
		}
	}()

	if err := s.sink.Publish(ctx, e); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", s.id).
			Str("kind", string(e.Kind)).
			Msg("Failed to publish event")
	}
	return true
}

// SetRoute activates a route. A malformed polyline leaves no route active.
func (s *Session) SetRoute(polyline string, mode transport.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviation.SetRoute(polyline, mode)
	s.deviationReported = false
}

// ClearRoute deactivates the route
func (s *Session) ClearRoute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviation.ClearRoute()
	s.deviationReported = false
}

// SetPlaces replaces the candidate destinations
func (s *Session) SetPlaces(places []arrival.Place) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrival.SetPlaces(places)
}

// ConfirmArrival records the traveller's confirmation of an arrival
func (s *Session) ConfirmArrival(placeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrival.Confirm(placeID)
}

// SkipArrival dismisses a place for the rest of the session
func (s *Session) SkipArrival(placeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrival.Skip(placeID)
}

// ResetPlace makes a place eligible for arrival and notification again
func (s *Session) ResetPlace(placeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrival.ResetPlace(placeID)
	delete(s.notified, placeID)
}

// Reset clears all per-trip state, e.g. when the active trip changes. The
// place set survives; the route does not.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.movement.Reset()
	s.transport.Reset()
	s.arrival.Reset()
	s.deviation.ClearRoute()
	s.deviationReported = false
	s.notified = make(map[string]bool)
	s.samples = 0
	s.last = nil
	s.path = nil
	s.lastLookupAt = time.Time{}

	log.Info().Str("session_id", s.id).Msg("Session reset")
}

// Status is a point-in-time summary of a session
type Status struct {
	ID            string
	Owner         string
	Active        bool
	Stopped       bool
	Scheduler     scheduler.State
	Request       source.Request
	Movement      movement.Result
	Transport     transport.Context
	ActivePlaceID string
	Places        int
	HasRoute      bool
	Samples       int
	LastSample    *track.Sample
}

// Status summarizes the session
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:        s.id,
		Owner:     s.owner,
		Active:    s.active,
		Stopped:   s.stopped,
		Scheduler: scheduler.StateIdle,
		Movement:  s.movement.Last(),
		Transport: s.transport.Last(),
		Places:    len(s.arrival.Places()),
		HasRoute:  s.deviation.HasRoute(),
		Samples:   s.samples,
	}
	if id, ok := s.arrival.Active(); ok {
		st.ActivePlaceID = id
	}
	if s.last != nil {
		last := *s.last
		st.LastSample = &last
	}
	s.mu.Unlock()

	if s.scheduler != nil {
		st.Scheduler = s.scheduler.State()
		st.Request = s.scheduler.Current()
	}
	return st
}
