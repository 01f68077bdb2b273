package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func feed(c *Classifier, speeds ...float64) Context {
	var ctx Context
	for i, v := range speeds {
		ctx = c.Update(track.Sample{
			Point:     geomath.Point{Lat: 51.5, Lng: -0.12},
			AccuracyM: 8,
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Second),
			SpeedMps:  track.Speed(v),
		})
	}
	return ctx
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestClassifier_SteadySpeeds(t *testing.T) {
	tests := []struct {
		name     string
		speed    float64
		mode     Mode
		radius   float64
		interval time.Duration
		eta      float64
	}{
		{"stationary", 0.1, Stationary, 100, 60 * time.Second, 0},
		{"walking", 1.4, Walking, 300, 15 * time.Second, 5},
		{"cycling", 5.0, Cycling, 800, 10 * time.Second, 3},
		{"driving", 15.0, Driving, 1500, 5 * time.Second, 3},
		{"motorway", 33.0, Driving, 1500, 5 * time.Second, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := feed(NewClassifier(DefaultConfig()), repeat(tt.speed, 10)...)
			assert.Equal(t, tt.mode, ctx.Mode)
			assert.Equal(t, tt.radius, ctx.DetectionRadiusM)
			assert.Equal(t, tt.interval, ctx.UpdateInterval)
			assert.Equal(t, tt.eta, ctx.ETAThresholdMin)
			assert.InDelta(t, tt.speed*3.6, ctx.SpeedKmh, 1e-9)
			assert.InDelta(t, ProfileFor(tt.mode).Confidence, ctx.Confidence, 1e-9)
		})
	}
}

func TestClassifier_ErraticBecomesTransit(t *testing.T) {
	t.Run("cycling range", func(t *testing.T) {
		// mean 5, population variance 16
		ctx := feed(NewClassifier(DefaultConfig()), 1, 9, 1, 9, 1, 9, 1, 9, 1, 9)
		assert.Equal(t, Transit, ctx.Mode)
		assert.InDelta(t, 16.0, ctx.Variance, 1e-9)
		assert.InDelta(t, ProfileFor(Transit).Confidence*erraticConfidenceFactor, ctx.Confidence, 1e-9)
		assert.Equal(t, 1000.0, ctx.DetectionRadiusM)
	})

	t.Run("driving range heavy traffic", func(t *testing.T) {
		ctx := feed(NewClassifier(DefaultConfig()), 2, 18, 2, 18, 2, 18, 2, 18, 2, 18)
		assert.Equal(t, Transit, ctx.Mode)
		assert.Equal(t, 8*time.Second, ctx.UpdateInterval)
	})

	t.Run("above driving cap stays driving", func(t *testing.T) {
		ctx := feed(NewClassifier(DefaultConfig()), 26, 36, 26, 36, 26, 36, 26, 36, 26, 36)
		assert.Equal(t, Driving, ctx.Mode)
		assert.Less(t, ctx.Confidence, ProfileFor(Driving).Confidence)
	})
}

func TestClassifier_ConfigurableVariance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErraticVariance = 20
	ctx := feed(NewClassifier(cfg), 1, 9, 1, 9, 1, 9, 1, 9, 1, 9)
	assert.Equal(t, Cycling, ctx.Mode)
}

func TestClassifier_SparseReadingsLowerConfidence(t *testing.T) {
	ctx := feed(NewClassifier(DefaultConfig()), 1.4, 1.4)
	assert.Equal(t, Walking, ctx.Mode)
	assert.InDelta(t, ProfileFor(Walking).Confidence*sparseConfidenceFactor, ctx.Confidence, 1e-9)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Driving, ParseMode("driving"))
	assert.Equal(t, Cycling, ParseMode("bicycling"))
	assert.Equal(t, Transit, ParseMode("bus"))
	assert.Equal(t, Walking, ParseMode(""))
}

func TestReset(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	feed(c, repeat(15, 10)...)
	c.Reset()
	assert.Equal(t, Stationary, c.Last().Mode)
}
