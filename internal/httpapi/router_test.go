package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/travel-geoengine/internal/events"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/source"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newManager(debug bool) *session.Manager {
	cfg := session.DefaultConfig()
	cfg.Debug = debug
	return session.NewManager(cfg, func(string, bool) (session.Deps, error) {
		return session.Deps{Source: source.NewPush(), Sink: events.NewRecorder()}, nil
	})
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Options{ServiceName: "travel-geoengine"})

	rec := get(t, r, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"travel-geoengine"}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestReadyz(t *testing.T) {
	ready := NewRouter(Options{})
	assert.Equal(t, http.StatusOK, get(t, ready, "/readyz").Code)

	down := NewRouter(Options{Ready: func(context.Context) error { return errors.New("database unreachable") }})
	rec := get(t, down, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.Arrival()
	r := NewRouter(Options{Metrics: m})

	rec := get(t, r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "travelmode_arrivals_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, NewRouter(Options{}), "/metrics").Code)
}

func TestSessionViews(t *testing.T) {
	manager := newManager(true)
	r := NewRouter(Options{Sessions: manager})

	sess, err := manager.Create("traveller-1", true)
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background(), true))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	_, err = sess.Deliver(context.Background(), track.Sample{
		Point:     geomath.Point{Lat: 41.3851, Lng: 2.1734},
		AccuracyM: 8,
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	rec := get(t, r, "/debug/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count    int                      `json:"count"`
		Sessions []map[string]interface{} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, sess.ID(), list.Sessions[0]["session_id"])

	rec = get(t, r, "/debug/sessions/"+sess.ID())
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "watching", st["scheduler_state"])
	assert.Equal(t, 1.0, st["samples"])
	assert.NotNil(t, st["last_sample"])

	rec = get(t, r, "/debug/sessions/"+sess.ID()+"/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), `"FeatureCollection"`))

	assert.Equal(t, http.StatusNotFound, get(t, r, "/debug/sessions/unknown").Code)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/debug/sessions/unknown/snapshot").Code)
}

func TestSnapshot_DebugDisabled(t *testing.T) {
	manager := newManager(false)
	r := NewRouter(Options{Sessions: manager})

	sess, err := manager.Create("traveller-1", true)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, get(t, r, "/debug/sessions/"+sess.ID()+"/snapshot").Code)
}

func TestReplayStats(t *testing.T) {
	q := queue.NewQueue(0, func(context.Context, *queue.Job) (*queue.JobResult, error) { return nil, nil }, nil)
	t.Cleanup(func() { _ = q.Shutdown(time.Second) })
	_, err := q.Enqueue(queue.Request{StartDate: "2026-01-24"})
	require.NoError(t, err)

	rec := get(t, NewRouter(Options{Queue: q}), "/debug/replay/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats["total"])
	assert.Equal(t, 1, stats["queued"])
}
