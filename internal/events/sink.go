package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// LogSink writes events to the global logger
type LogSink struct{}

// Publish logs the event
func (LogSink) Publish(_ context.Context, e Event) error {
	ev := log.Info().
		Str("event_id", e.ID).
		Str("session_id", e.SessionID).
		Str("kind", string(e.Kind))

	switch {
	case e.Arrival != nil:
		ev = ev.Str("place_id", e.Arrival.PlaceID).
			Float64("distance_m", e.Arrival.DistanceM).
			Dur("dwelling", e.Arrival.DwellingTime)
	case e.Deviation != nil:
		ev = ev.Float64("deviation_m", e.Deviation.DeviationDistanceM).
			Int("consecutive", e.Deviation.ConsecutiveDeviations)
	case e.ETA != nil:
		ev = ev.Str("place_id", e.ETA.PlaceID).
			Str("message", e.ETA.Message)
	case e.Region != nil:
		ev = ev.Str("scope", string(e.Region.Scope)).
			Str("region", e.Region.Region.Name)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}

	ev.Msg("Travel event")
	return nil
}

// MessageWriter is the part of kafka.Writer the sink needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer partitioning by message key
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaSink publishes events as JSON keyed by session ID, so one session's
// events stay ordered within a partition
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink wraps a writer
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Publish writes one event
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	value, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(e.SessionID),
		Value:   value,
		Time:    e.At,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(e.Kind)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Close closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Multi fans events out to several sinks
type Multi []Sink

// Publish delivers to every sink and joins their errors
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of recorded events of one kind
func (r *Recorder) Count(kind Kind) int {
	return len(r.OfKind(kind))
}

// Reset forgets all recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
