package grpc

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/deviation"
	"github.com/stuartshay/travel-geoengine/internal/eta"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func numberField(in *structpb.Struct, key string) (float64, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func boolField(in *structpb.Struct, key string, defaultValue bool) bool {
	v, ok := in.GetFields()[key]
	if !ok {
		return defaultValue
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return defaultValue
	}
	return b.BoolValue
}

func intField(in *structpb.Struct, key string, defaultValue int) int {
	n, ok := numberField(in, key)
	if !ok {
		return defaultValue
	}
	return int(n)
}

// parseSample reads a location fix. The timestamp is either an RFC 3339
// string or unix seconds; a missing timestamp means now.
func parseSample(in *structpb.Struct) (track.Sample, error) {
	lat, okLat := numberField(in, "lat")
	lng, okLng := numberField(in, "lng")
	if !okLat || !okLng {
		return track.Sample{}, fmt.Errorf("lat and lng are required")
	}

	sample := track.Sample{
		Point:     geomath.Point{Lat: lat, Lng: lng},
		Timestamp: time.Now().UTC(),
	}
	if acc, ok := numberField(in, "accuracy_m"); ok {
		sample.AccuracyM = acc
	}

	switch v := in.GetFields()["timestamp"].GetKind().(type) {
	case *structpb.Value_StringValue:
		ts, err := time.Parse(time.RFC3339, v.StringValue)
		if err != nil {
			return track.Sample{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		sample.Timestamp = ts.UTC()
	case *structpb.Value_NumberValue:
		sec, frac := math.Modf(v.NumberValue)
		sample.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	if speed, ok := numberField(in, "speed_mps"); ok {
		sample.SpeedMps = track.Speed(speed)
	}
	if heading, ok := numberField(in, "heading_deg"); ok {
		sample.HeadingDeg = &heading
	}

	return sample, nil
}

// parsePlaces reads the places list: [{id, name, lat, lng, tags}]
func parsePlaces(in *structpb.Struct) ([]arrival.Place, error) {
	values := in.GetFields()["places"].GetListValue().GetValues()
	places := make([]arrival.Place, 0, len(values))

	for i, v := range values {
		p := v.GetStructValue()
		if p == nil {
			return nil, fmt.Errorf("places[%d] is not an object", i)
		}
		id := stringField(p, "id")
		lat, okLat := numberField(p, "lat")
		lng, okLng := numberField(p, "lng")
		if id == "" || !okLat || !okLng {
			return nil, fmt.Errorf("places[%d] needs id, lat and lng", i)
		}

		var tags []string
		for _, t := range p.GetFields()["tags"].GetListValue().GetValues() {
			if s := t.GetStringValue(); s != "" {
				tags = append(tags, s)
			}
		}

		places = append(places, arrival.NewPlace(id, stringField(p, "name"), geomath.Point{Lat: lat, Lng: lng}, tags))
	}

	return places, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// finite replaces NaN and infinities, which JSON cannot carry, by -1
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}

func outcomeFields(out session.Outcome) map[string]interface{} {
	fields := map[string]interface{}{
		"dropped": out.Dropped,
	}
	if out.Dropped {
		return fields
	}

	fields["movement"] = map[string]interface{}{
		"state":              string(out.Movement.State),
		"average_speed_mps":  out.Movement.AverageSpeedMps,
		"stationary_seconds": out.Movement.StationaryDuration.Seconds(),
		"energy_mode":        string(out.Movement.EnergyMode),
	}
	fields["transport"] = map[string]interface{}{
		"mode":               string(out.Transport.Mode),
		"speed_mps":          out.Transport.SpeedMps,
		"confidence":         out.Transport.Confidence,
		"detection_radius_m": out.Transport.DetectionRadiusM,
		"update_interval_s":  out.Transport.UpdateInterval.Seconds(),
		"eta_threshold_min":  out.Transport.ETAThresholdMin,
	}

	if out.Arrival != nil {
		fields["arrival"] = arrivalFields(out.Arrival)
	}
	if out.Deviation != nil {
		fields["deviation"] = deviationFields(out.Deviation)
	}

	etas := make([]interface{}, len(out.ETAs))
	for i, r := range out.ETAs {
		etas[i] = etaFields(r)
	}
	fields["etas"] = etas

	evts := make([]interface{}, len(out.Events))
	for i, e := range out.Events {
		evts[i] = e.Payload()
	}
	fields["events"] = evts

	return fields
}

func arrivalFields(a *arrival.PlaceArrival) map[string]interface{} {
	return map[string]interface{}{
		"place_id":           a.PlaceID,
		"place_name":         a.PlaceName,
		"distance_m":         a.DistanceM,
		"entered_at":         formatTime(a.EnteredAt),
		"dwelling_seconds":   a.DwellingTime.Seconds(),
		"detection_radius_m": a.DetectionRadiusM,
	}
}

func deviationFields(d *deviation.Analysis) map[string]interface{} {
	return map[string]interface{}{
		"is_off_route":                 d.IsOffRoute,
		"deviation_distance_m":         finite(d.DeviationDistanceM),
		"consecutive_deviations":       d.ConsecutiveDeviations,
		"should_suggest_recalculation": d.ShouldSuggestRecalculation,
	}
}

func etaFields(r eta.Result) map[string]interface{} {
	fields := map[string]interface{}{
		"place_id":      r.PlaceID,
		"place_name":    r.PlaceName,
		"distance_m":    r.DistanceM,
		"should_notify": r.ShouldNotify,
		"bucket":        string(r.Bucket),
		"message":       r.Message,
		"reachable":     r.Reachable(),
	}
	if r.Reachable() {
		fields["duration_min"] = r.DurationMin
		fields["arrival_time"] = formatTime(r.ArrivalTime)
	}
	return fields
}

func statusFields(st session.Status) map[string]interface{} {
	fields := map[string]interface{}{
		"session_id":      st.ID,
		"owner":           st.Owner,
		"active":          st.Active,
		"stopped":         st.Stopped,
		"scheduler_state": string(st.Scheduler),
		"interval_s":      st.Request.Interval.Seconds(),
		"accuracy":        string(st.Request.Accuracy),
		"movement":        string(st.Movement.State),
		"energy_mode":     string(st.Movement.EnergyMode),
		"transport":       string(st.Transport.Mode),
		"active_place_id": st.ActivePlaceID,
		"places":          st.Places,
		"has_route":       st.HasRoute,
		"samples":         st.Samples,
	}
	if st.LastSample != nil {
		fields["last_sample"] = map[string]interface{}{
			"lat":        st.LastSample.Point.Lat,
			"lng":        st.LastSample.Point.Lng,
			"accuracy_m": st.LastSample.AccuracyM,
			"timestamp":  formatTime(st.LastSample.Timestamp),
		}
	}
	return fields
}

func jobFields(job *queue.Job) map[string]interface{} {
	fields := map[string]interface{}{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"start_date": job.Request.StartDate,
		"end_date":   job.Request.EndDate,
		"device_id":  job.Request.DeviceID,
		"queued_at":  formatTime(job.QueuedAt),
	}
	if job.StartedAt != nil {
		fields["started_at"] = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		fields["completed_at"] = formatTime(*job.CompletedAt)
	}
	if job.ErrorMessage != "" {
		fields["error_message"] = job.ErrorMessage
	}

	if r := job.Result; r != nil {
		arrivals := make([]interface{}, len(r.Arrivals))
		for i, id := range r.Arrivals {
			arrivals[i] = id
		}
		modes := make(map[string]interface{}, len(r.TransportModes))
		for m, n := range r.TransportModes {
			modes[string(m)] = n
		}
		fields["result"] = map[string]interface{}{
			"csv_path":           r.CSVPath,
			"total_samples":      r.TotalSamples,
			"dropped_samples":    r.DroppedSamples,
			"arrivals":           arrivals,
			"route_deviations":   r.RouteDeviations,
			"eta_notifications":  r.ETANotifications,
			"transport_modes":    modes,
			"path_length_km":     r.PathLengthKM,
			"max_from_home_km":   r.MaxFromHomeKM,
			"min_from_home_km":   r.MinFromHomeKM,
			"processing_time_ms": r.ProcessingTimeMS,
		}
	}

	return fields
}
