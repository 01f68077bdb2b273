package session

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Snapshot renders the session's internals as GeoJSON: the recent track,
// the active route, every place with its proximity state and the last
// position. Only available when Config.Debug is set.
func (s *Session) Snapshot() (*geojson.FeatureCollection, error) {
	if !s.cfg.Debug {
		return nil, ErrDebugDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"session_id": s.id,
		"owner":      s.owner,
		"samples":    s.samples,
		"stopped":    s.stopped,
	}

	if len(s.path) >= 2 {
		line := make(orb.LineString, len(s.path))
		for i, p := range s.path {
			line[i] = orb.Point{p.Lng, p.Lat}
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "track"
		fc.Append(f)
	}

	if s.deviation.HasRoute() {
		f := geojson.NewFeature(s.deviation.Route().Clone())
		f.Properties["kind"] = "route"
		f.Properties["threshold_m"] = s.deviation.Threshold()
		last := s.deviation.Last()
		f.Properties["off_route"] = last.IsOffRoute
		f.Properties["consecutive_deviations"] = last.ConsecutiveDeviations
		fc.Append(f)
	}

	active, _ := s.arrival.Active()
	for _, place := range s.arrival.Places() {
		f := geojson.NewFeature(orb.Point{place.Location.Lng, place.Location.Lat})
		f.ID = place.ID
		f.Properties["kind"] = "place"
		f.Properties["name"] = place.Name
		f.Properties["category"] = place.Venue.Category.String()
		f.Properties["radius_m"] = place.Venue.RadiusM
		f.Properties["large_venue"] = place.Venue.LargeVenue
		f.Properties["arrived"] = s.arrival.HasArrived(place.ID)
		f.Properties["active"] = place.ID == active
		f.Properties["notified"] = s.notified[place.ID]
		if st, ok := s.arrival.State(place.ID); ok {
			f.Properties["state"] = string(st.State)
			f.Properties["distance_m"] = st.LastDistanceM
			f.Properties["consecutive_readings"] = st.ConsecutiveReadings
		}
		fc.Append(f)
	}

	if s.last != nil {
		mv := s.movement.Last()
		tc := s.transport.Last()
		f := geojson.NewFeature(orb.Point{s.last.Point.Lng, s.last.Point.Lat})
		f.Properties["kind"] = "position"
		f.Properties["accuracy_m"] = s.last.AccuracyM
		f.Properties["timestamp"] = s.last.Timestamp.UTC().Format(time.RFC3339)
		f.Properties["movement"] = string(mv.State)
		f.Properties["energy_mode"] = string(mv.EnergyMode)
		f.Properties["transport"] = string(tc.Mode)
		f.Properties["speed_mps"] = tc.SpeedMps
		f.Properties["confidence"] = tc.Confidence
		fc.Append(f)
	}

	return fc, nil
}
