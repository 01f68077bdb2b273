package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

func TestPush_DeliverRequiresSubscription(t *testing.T) {
	p := NewPush()
	assert.False(t, p.Deliver(track.Sample{}))

	var got []track.Sample
	sub, err := p.Subscribe(context.Background(), Request{Interval: 10 * time.Second, Accuracy: AccuracyHigh},
		func(s track.Sample) { got = append(got, s) }, nil)
	require.NoError(t, err)
	assert.True(t, p.Subscribed())
	assert.Equal(t, 10*time.Second, p.Request().Interval)

	s := track.Sample{Point: geomath.Point{Lat: 1, Lng: 2}, AccuracyM: 5}
	assert.True(t, p.Deliver(s))
	require.Len(t, got, 1)
	assert.Equal(t, s, got[0])

	require.NoError(t, sub.Stop())
	assert.False(t, p.Subscribed())
	assert.False(t, p.Deliver(s))
	assert.Len(t, got, 1)
}

func TestPush_SingleSubscription(t *testing.T) {
	p := NewPush()
	first, err := p.Subscribe(context.Background(), Request{}, func(track.Sample) {}, nil)
	require.NoError(t, err)

	_, err = p.Subscribe(context.Background(), Request{}, func(track.Sample) {}, nil)
	assert.Error(t, err)

	require.NoError(t, first.Stop())
	second, err := p.Subscribe(context.Background(), Request{}, func(track.Sample) {}, nil)
	require.NoError(t, err)

	// stopping a stale subscription leaves the live one alone
	require.NoError(t, first.Stop())
	assert.True(t, p.Subscribed())
	require.NoError(t, second.Stop())
}

func TestPush_Revoke(t *testing.T) {
	p := NewPush()

	var reported error
	_, err := p.Subscribe(context.Background(), Request{}, func(track.Sample) {}, func(err error) { reported = err })
	require.NoError(t, err)

	p.Revoke()
	assert.True(t, errors.Is(reported, ErrPermissionDenied))

	_, err = p.Subscribe(context.Background(), Request{}, func(track.Sample) {}, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
