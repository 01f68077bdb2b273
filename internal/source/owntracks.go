package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

// MQTTClient is the subset of mqtt.Client used by OwnTracks
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const tokenTimeout = 10 * time.Second

// OwnTracks reads location reports published by an OwnTracks device over
// MQTT and pushes the requested cadence back as a remote configuration
// command. Retained fixes and fixes not newer than the last delivered one
// are dropped, so a resubscription never replays a sample.
type OwnTracks struct {
	client MQTTClient
	user   string
	device string

	mu   sync.Mutex
	live *ownTracksSubscription

	seenMu   sync.Mutex
	lastSeen time.Time
}

// NewOwnTracks creates a source for one user's device
func NewOwnTracks(client MQTTClient, user, device string) *OwnTracks {
	return &OwnTracks{client: client, user: user, device: device}
}

// Topic returns the device's location topic
func (o *OwnTracks) Topic() string {
	return fmt.Sprintf("owntracks/%s/%s", o.user, o.device)
}

// CommandTopic returns the device's command topic
func (o *OwnTracks) CommandTopic() string {
	return o.Topic() + "/cmd"
}

// Subscribe starts receiving the device's location reports and asks the
// device to report at the requested interval
func (o *OwnTracks) Subscribe(ctx context.Context, req Request, onSample SampleFunc, _ ErrorFunc) (Subscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live != nil {
		return nil, fmt.Errorf("owntracks source already subscribed to %s", o.Topic())
	}

	sub := &ownTracksSubscription{source: o, onSample: onSample}

	token := o.client.Subscribe(o.Topic(), 1, sub.handle)
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", o.Topic(), err)
	}

	if err := o.pushConfiguration(ctx, req); err != nil {
		// the device keeps its previous cadence; samples still flow
		log.Warn().Err(err).Str("topic", o.CommandTopic()).Msg("Failed to push locator configuration")
	}

	o.live = sub

	log.Info().
		Str("topic", o.Topic()).
		Dur("interval", req.Interval).
		Str("accuracy", string(req.Accuracy)).
		Msg("OwnTracks source subscribed")

	return sub, nil
}

type configurationCommand struct {
	Type          string               `json:"_type"`
	Action        string               `json:"action"`
	Configuration locatorConfiguration `json:"configuration"`
}

type locatorConfiguration struct {
	Type            string `json:"_type"`
	LocatorInterval int    `json:"locatorInterval"`
	LocatorPriority int    `json:"locatorPriority"`
}

func (o *OwnTracks) pushConfiguration(ctx context.Context, req Request) error {
	cmd := configurationCommand{
		Type:   "cmd",
		Action: "setConfiguration",
		Configuration: locatorConfiguration{
			Type:            "configuration",
			LocatorInterval: int(math.Ceil(req.Interval.Seconds())),
			LocatorPriority: locatorPriority(req.Accuracy),
		},
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration command: %w", err)
	}

	return waitToken(ctx, o.client.Publish(o.CommandTopic(), 1, false, payload))
}

// locatorPriority maps an accuracy tier onto the OwnTracks Android
// priorities (1 low power, 2 balanced, 3 high accuracy)
func locatorPriority(a Accuracy) int {
	switch a {
	case AccuracyHigh:
		return 3
	case AccuracyLow:
		return 1
	default:
		return 2
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(tokenTimeout):
		return fmt.Errorf("mqtt operation timed out after %s", tokenTimeout)
	}
}

type ownTracksSubscription struct {
	source   *OwnTracks
	onSample SampleFunc
}

// ownTracksLocation is the OwnTracks "location" payload
type ownTracksLocation struct {
	Type      string   `json:"_type"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Accuracy  float64  `json:"acc"`
	Timestamp int64    `json:"tst"`
	Velocity  *float64 `json:"vel,omitempty"` // km/h
	Course    *float64 `json:"cog,omitempty"`
}

func (s *ownTracksSubscription) handle(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		// the broker replays the device's last fix on every subscribe
		return
	}

	sample, ok, err := ParseOwnTracks(msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed OwnTracks message")
		return
	}
	if !ok {
		return
	}
	if !s.live() {
		return
	}
	if !s.source.advance(sample.Timestamp) {
		log.Debug().
			Str("topic", msg.Topic()).
			Time("timestamp", sample.Timestamp).
			Msg("Dropping OwnTracks fix not newer than the last one")
		return
	}
	s.onSample(sample)
}

// live is false once the subscription was stopped; handlers run unordered
// and may outlast Stop
func (s *ownTracksSubscription) live() bool {
	s.source.mu.Lock()
	defer s.source.mu.Unlock()
	return s.source.live == s
}

// advance records t as the newest delivered fix; false when it is not newer
func (o *OwnTracks) advance(t time.Time) bool {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()

	if !t.After(o.lastSeen) {
		return false
	}
	o.lastSeen = t
	return true
}

// ParseOwnTracks converts an OwnTracks payload into a sample. Non-location
// messages are reported with ok false.
func ParseOwnTracks(payload []byte) (track.Sample, bool, error) {
	var loc ownTracksLocation
	if err := json.Unmarshal(payload, &loc); err != nil {
		return track.Sample{}, false, fmt.Errorf("failed to decode owntracks payload: %w", err)
	}
	if loc.Type != "location" {
		return track.Sample{}, false, nil
	}

	sample := track.Sample{
		Point:     geomath.Point{Lat: loc.Latitude, Lng: loc.Longitude},
		AccuracyM: loc.Accuracy,
		Timestamp: time.Unix(loc.Timestamp, 0).UTC(),
	}
	if !sample.Point.IsValid() {
		return track.Sample{}, false, fmt.Errorf("invalid coordinates %f,%f", loc.Latitude, loc.Longitude)
	}
	if loc.Velocity != nil {
		sample.SpeedMps = track.Speed(*loc.Velocity / 3.6)
	}
	if loc.Course != nil {
		course := *loc.Course
		sample.HeadingDeg = &course
	}

	return sample, true, nil
}

func (s *ownTracksSubscription) Stop() error {
	o := s.source
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live != s {
		return nil
	}
	o.live = nil

	if err := waitToken(context.Background(), o.client.Unsubscribe(o.Topic())); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", o.Topic(), err)
	}
	return nil
}
