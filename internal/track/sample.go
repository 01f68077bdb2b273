// Package track defines location samples and the bounded speed history the
// classifiers keep over them.
package track

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
)

// SpeedBufferCapacity is the number of speed readings each classifier keeps
const SpeedBufferCapacity = 20

// maxDerivedSpeedMps caps speeds derived from position deltas; anything above
// is a GPS jump, not motion
const maxDerivedSpeedMps = 350.0

// Sample is a single absolute position fix from the platform
type Sample struct {
	Point      geomath.Point
	AccuracyM  float64
	Timestamp  time.Time
	SpeedMps   *float64
	HeadingDeg *float64
}

// Speed returns a pointer to v, for building samples
func Speed(v float64) *float64 {
	return &v
}

// SpeedReading is a derived speed observation
type SpeedReading struct {
	Timestamp time.Time
	Point     geomath.Point
	SpeedMps  float64
	AccuracyM float64
}

// SpeedBuffer is a fixed-capacity ring of speed readings, oldest evicted first
type SpeedBuffer struct {
	readings []SpeedReading
	next     int
	full     bool
}

// NewSpeedBuffer creates an empty buffer holding SpeedBufferCapacity readings
func NewSpeedBuffer() *SpeedBuffer {
	return &SpeedBuffer{readings: make([]SpeedReading, SpeedBufferCapacity)}
}

// Add appends a reading, evicting the oldest when full
func (b *SpeedBuffer) Add(r SpeedReading) {
	b.readings[b.next] = r
	b.next = (b.next + 1) % len(b.readings)
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of buffered readings
func (b *SpeedBuffer) Len() int {
	if b.full {
		return len(b.readings)
	}
	return b.next
}

// Last returns the most recent reading
func (b *SpeedBuffer) Last() (SpeedReading, bool) {
	if b.Len() == 0 {
		return SpeedReading{}, false
	}
	idx := (b.next - 1 + len(b.readings)) % len(b.readings)
	return b.readings[idx], true
}

// Recent returns up to n of the most recent readings, oldest first
func (b *SpeedBuffer) Recent(n int) []SpeedReading {
	size := b.Len()
	if n > size {
		n = size
	}
	out := make([]SpeedReading, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// RecentSpeeds returns the speeds of up to n of the most recent readings
func (b *SpeedBuffer) RecentSpeeds(n int) []float64 {
	readings := b.Recent(n)
	speeds := make([]float64, len(readings))
	for i, r := range readings {
		speeds[i] = r.SpeedMps
	}
	return speeds
}

// Reset empties the buffer
func (b *SpeedBuffer) Reset() {
	for i := range b.readings {
		b.readings[i] = SpeedReading{}
	}
	b.next = 0
	b.full = false
}

// at returns the i-th reading in chronological order
func (b *SpeedBuffer) at(i int) SpeedReading {
	if !b.full {
		return b.readings[i]
	}
	return b.readings[(b.next+i)%len(b.readings)]
}

// DeriveReading turns a sample into a speed reading. A reported speed wins;
// otherwise speed is derived from the distance to the previous reading.
// Non-finite or negative speeds are sanitized to 0.
func DeriveReading(prev *SpeedReading, s Sample) SpeedReading {
	reading := SpeedReading{
		Timestamp: s.Timestamp,
		Point:     s.Point,
		AccuracyM: s.AccuracyM,
	}

	switch {
	case s.SpeedMps != nil:
		reading.SpeedMps = SanitizeSpeed(*s.SpeedMps)
	case prev != nil:
		dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt > 0 {
			v := geomath.Distance(prev.Point, s.Point) / dt
			if v > maxDerivedSpeedMps {
				log.Debug().
					Float64("derived_speed_mps", v).
					Msg("Discarding implausible derived speed")
				v = 0
			}
			reading.SpeedMps = SanitizeSpeed(v)
		}
	}

	return reading
}

// SanitizeSpeed maps non-finite or negative speeds to 0
func SanitizeSpeed(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		log.Warn().Float64("speed_mps", v).Msg("Sanitized invalid speed to 0")
		return 0
	}
	return v
}
