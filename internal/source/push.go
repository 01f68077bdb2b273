package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/track"
)

// Push is a source fed by an external caller, such as a client streaming
// samples over gRPC. At most one subscription is live at a time.
type Push struct {
	mu       sync.Mutex
	seq      uint64
	current  *pushSubscription
	denied   bool
	lastSeen Request
}

type pushSubscription struct {
	push     *Push
	id       uint64
	req      Request
	onSample SampleFunc
	onError  ErrorFunc
}

// NewPush creates a push source with permission granted
func NewPush() *Push {
	return &Push{}
}

// Subscribe registers the receiver of delivered samples. A second live
// subscription is rejected.
func (p *Push) Subscribe(_ context.Context, req Request, onSample SampleFunc, onError ErrorFunc) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.denied {
		return nil, ErrPermissionDenied
	}
	if p.current != nil {
		return nil, fmt.Errorf("push source already subscribed (subscription %d)", p.current.id)
	}

	p.seq++
	sub := &pushSubscription{push: p, id: p.seq, req: req, onSample: onSample, onError: onError}
	p.current = sub
	p.lastSeen = req

	log.Debug().
		Uint64("subscription", sub.id).
		Dur("interval", req.Interval).
		Str("accuracy", string(req.Accuracy)).
		Msg("Push source subscribed")

	return sub, nil
}

// Deliver hands a sample to the live subscription. It reports false when
// nothing is subscribed.
func (p *Push) Deliver(s track.Sample) bool {
	p.mu.Lock()
	sub := p.current
	p.mu.Unlock()

	if sub == nil {
		return false
	}
	sub.onSample(s)
	return true
}

// Revoke marks location permission as withdrawn and reports it to the live
// subscription
func (p *Push) Revoke() {
	p.mu.Lock()
	p.denied = true
	sub := p.current
	p.mu.Unlock()

	if sub != nil && sub.onError != nil {
		sub.onError(ErrPermissionDenied)
	}
}

// Request returns the cadence last requested by a subscriber
func (p *Push) Request() Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Subscribed reports whether a subscription is live
func (p *Push) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func (s *pushSubscription) Stop() error {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()

	if s.push.current == s {
		s.push.current = nil
	}
	return nil
}
