// Package events carries engine outputs (arrivals, route deviations, ETA
// notifications, region changes) to their consumers.
package events

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/deviation"
	"github.com/stuartshay/travel-geoengine/internal/eta"
	"github.com/stuartshay/travel-geoengine/internal/region"
)

// Kind identifies the event type
type Kind string

// Event kinds
const (
	KindArrival          Kind = "arrival"
	KindRouteDeviation   Kind = "route_deviation"
	KindETA              Kind = "eta"
	KindRegionChange     Kind = "region_change"
	KindPermissionDenied Kind = "permission_denied"
)

// Event is one engine output. Exactly one of the detail pointers is set,
// matching Kind; permission events carry Error instead.
type Event struct {
	ID        string
	SessionID string
	Kind      Kind
	At        time.Time

	Arrival   *arrival.PlaceArrival
	Deviation *deviation.Analysis
	ETA       *eta.Result
	Region    *region.Change
	Error     string
}

// Sink receives events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// New creates an event with a fresh ID
func New(sessionID string, kind Kind, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		At:        at,
	}
}

// Payload flattens the event into JSON-compatible values. Times are RFC 3339
// strings, durations are seconds and non-finite numbers are omitted.
func (e Event) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"id":         e.ID,
		"session_id": e.SessionID,
		"kind":       string(e.Kind),
		"at":         formatTime(e.At),
	}

	switch {
	case e.Arrival != nil:
		a := e.Arrival
		p["arrival"] = map[string]interface{}{
			"place_id":           a.PlaceID,
			"place_name":         a.PlaceName,
			"distance_m":         a.DistanceM,
			"entered_at":         formatTime(a.EnteredAt),
			"dwelling_seconds":   a.DwellingTime.Seconds(),
			"detection_radius_m": a.DetectionRadiusM,
		}
	case e.Deviation != nil:
		d := e.Deviation
		dev := map[string]interface{}{
			"is_off_route":                 d.IsOffRoute,
			"deviation_distance_m":         d.DeviationDistanceM,
			"consecutive_deviations":       d.ConsecutiveDeviations,
			"should_suggest_recalculation": d.ShouldSuggestRecalculation,
		}
		if d.ClosestPoint != nil {
			dev["closest_point"] = map[string]interface{}{
				"lat": d.ClosestPoint.Lat,
				"lng": d.ClosestPoint.Lng,
			}
		}
		p["deviation"] = dev
	case e.ETA != nil:
		r := e.ETA
		est := map[string]interface{}{
			"place_id":      r.PlaceID,
			"place_name":    r.PlaceName,
			"distance_m":    r.DistanceM,
			"should_notify": r.ShouldNotify,
			"bucket":        string(r.Bucket),
			"message":       r.Message,
		}
		if r.Reachable() {
			est["duration_min"] = r.DurationMin
			est["arrival_time"] = formatTime(r.ArrivalTime)
		}
		p["eta"] = est
	case e.Region != nil:
		c := e.Region
		reg := map[string]interface{}{
			"scope":       string(c.Scope),
			"region_name": c.Region.Name,
			"region_code": c.Region.Code,
		}
		if c.Previous != nil {
			reg["previous"] = map[string]interface{}{
				"region_name": c.Previous.RegionName,
				"region_code": c.Previous.RegionCode,
				"timestamp":   formatTime(c.Previous.Timestamp),
			}
		}
		p["region"] = reg
	}

	if e.Error != "" {
		p["error"] = e.Error
	}

	return dropNonFinite(p)
}

// MarshalJSON encodes the payload form
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func dropNonFinite(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		switch val := v.(type) {
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				delete(m, k)
			}
		case map[string]interface{}:
			dropNonFinite(val)
		}
	}
	return m
}
