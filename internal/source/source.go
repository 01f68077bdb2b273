// Package source defines the location-source contract the scheduler drives
// and the concrete sources the service ships with.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/stuartshay/travel-geoengine/internal/track"
)

// ErrPermissionDenied is returned or reported when the platform refuses
// location access. It is fatal to a session.
var ErrPermissionDenied = errors.New("location permission denied")

// Accuracy is the requested positioning tier
type Accuracy string

// Accuracy tiers
const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// Request describes how often and how precisely samples should be delivered
type Request struct {
	Interval time.Duration
	Accuracy Accuracy
}

// SampleFunc receives samples from a subscription
type SampleFunc func(track.Sample)

// ErrorFunc receives asynchronous subscription failures
type ErrorFunc func(error)

// Subscription is a live stream of samples
type Subscription interface {
	Stop() error
}

// LocationSource produces samples at a requested cadence. Implementations
// must not invoke callbacks synchronously from Subscribe.
type LocationSource interface {
	Subscribe(ctx context.Context, req Request, onSample SampleFunc, onError ErrorFunc) (Subscription, error)
}
