package events

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/deviation"
	"github.com/stuartshay/travel-geoengine/internal/eta"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/region"
)

var at = time.Date(2026, 5, 9, 14, 30, 0, 0, time.UTC)

func TestNew_AssignsID(t *testing.T) {
	a := New("s1", KindArrival, at)
	b := New("s1", KindArrival, at)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "s1", a.SessionID)
	assert.Equal(t, KindArrival, a.Kind)
}

func TestPayload_Arrival(t *testing.T) {
	e := New("s1", KindArrival, at)
	e.Arrival = &arrival.PlaceArrival{
		PlaceID:          "p1",
		PlaceName:        "Louvre",
		DistanceM:        42.5,
		EnteredAt:        at.Add(-45 * time.Second),
		DwellingTime:     45 * time.Second,
		DetectionRadiusM: 150,
	}

	p := e.Payload()
	assert.Equal(t, "arrival", p["kind"])
	assert.Equal(t, "2026-05-09T14:30:00Z", p["at"])

	a := p["arrival"].(map[string]interface{})
	assert.Equal(t, "p1", a["place_id"])
	assert.Equal(t, 45.0, a["dwelling_seconds"])
	assert.Equal(t, 150.0, a["detection_radius_m"])
	assert.Equal(t, "2026-05-09T14:29:15Z", a["entered_at"])
}

func TestPayload_UnreachableETAOmitsDuration(t *testing.T) {
	e := New("s1", KindETA, at)
	e.ETA = &eta.Result{
		PlaceID:     "p1",
		PlaceName:   "Louvre",
		DistanceM:   3000,
		DurationMin: math.Inf(1),
		Bucket:      eta.BucketFar,
		Message:     "Louvre is 3.0 km away",
	}

	p := e.Payload()
	est := p["eta"].(map[string]interface{})
	assert.NotContains(t, est, "duration_min")
	assert.NotContains(t, est, "arrival_time")
	assert.Equal(t, "far", est["bucket"])

	// JSON encoding must not choke on the infinite duration
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"Louvre is 3.0 km away"`)
}

func TestPayload_DropsNaN(t *testing.T) {
	e := New("s1", KindRouteDeviation, at)
	e.Deviation = &deviation.Analysis{DeviationDistanceM: math.NaN()}

	dev := e.Payload()["deviation"].(map[string]interface{})
	assert.NotContains(t, dev, "deviation_distance_m")
	assert.NotContains(t, dev, "closest_point")
}

func TestPayload_DeviationClosestPoint(t *testing.T) {
	e := New("s1", KindRouteDeviation, at)
	e.Deviation = &deviation.Analysis{
		IsOffRoute:                 true,
		DeviationDistanceM:         180,
		ConsecutiveDeviations:      5,
		ShouldSuggestRecalculation: true,
		ClosestPoint:               &geomath.Point{Lat: 48.86, Lng: 2.33},
	}

	dev := e.Payload()["deviation"].(map[string]interface{})
	assert.Equal(t, true, dev["should_suggest_recalculation"])
	assert.Equal(t, map[string]interface{}{"lat": 48.86, "lng": 2.33}, dev["closest_point"])
}

func TestPayload_RegionChange(t *testing.T) {
	e := New("s1", KindRegionChange, at)
	e.Region = &region.Change{
		Scope:    region.ScopeCountry,
		Region:   region.Region{Name: "France", Code: "FR"},
		Previous: &region.CacheEntry{RegionName: "Belgium", RegionCode: "BE", Timestamp: at.Add(-time.Hour)},
		At:       at,
	}

	reg := e.Payload()["region"].(map[string]interface{})
	assert.Equal(t, "country", reg["scope"])
	assert.Equal(t, "FR", reg["region_code"])
	prev := reg["previous"].(map[string]interface{})
	assert.Equal(t, "Belgium", prev["region_name"])
}

func TestPayload_PermissionDenied(t *testing.T) {
	e := New("s1", KindPermissionDenied, at)
	e.Error = "location permission denied"

	p := e.Payload()
	assert.Equal(t, "location permission denied", p["error"])
	assert.NotContains(t, p, "arrival")
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)

	e := New("session-42", KindRegionChange, at)
	e.Region = &region.Change{Scope: region.ScopeCity, Region: region.Region{Name: "Paris", Code: "75"}, At: at}

	require.NoError(t, sink.Publish(context.Background(), e))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "session-42", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "region_change", string(msg.Headers[0].Value))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded["id"])
	assert.Equal(t, "Paris", decoded["region"].(map[string]interface{})["region_name"])

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	broker := errors.New("broker unavailable")
	sink := NewKafkaSink(&fakeWriter{err: broker})

	err := sink.Publish(context.Background(), New("s1", KindETA, at))
	require.Error(t, err)
	assert.ErrorIs(t, err, broker)
	assert.Contains(t, err.Error(), "eta")
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, Event) error { return f.err }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	rec := NewRecorder()
	first := errors.New("first")
	second := errors.New("second")

	m := Multi{failingSink{first}, rec, LogSink{}, failingSink{second}}
	err := m.Publish(context.Background(), New("s1", KindArrival, at))

	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, 1, rec.Count(KindArrival))
}

func TestMulti_NoErrors(t *testing.T) {
	m := Multi{NewRecorder(), LogSink{}}
	assert.NoError(t, m.Publish(context.Background(), New("s1", KindETA, at)))
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	_ = rec.Publish(ctx, New("s1", KindArrival, at))
	_ = rec.Publish(ctx, New("s1", KindETA, at))
	_ = rec.Publish(ctx, New("s1", KindETA, at))

	assert.Len(t, rec.Events(), 3)
	assert.Equal(t, 2, rec.Count(KindETA))
	assert.Empty(t, rec.OfKind(KindRegionChange))

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "travel-events")
	defer w.Close()

	assert.Equal(t, "travel-events", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
