package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/travel-geoengine/internal/movement"
	"github.com/stuartshay/travel-geoengine/internal/source"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

// fakeSource records the subscription lifecycle in order
type fakeSource struct {
	mu        sync.Mutex
	events    []string
	requests  []source.Request
	live      int
	maxLive   int
	err       error
	callbacks []source.SampleFunc
	onErrors  []source.ErrorFunc
}

type fakeSub struct {
	src     *fakeSource
	stopped bool
}

func (f *fakeSource) Subscribe(_ context.Context, req source.Request, onSample source.SampleFunc, onError source.ErrorFunc) (source.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, "start")
	f.requests = append(f.requests, req)
	f.callbacks = append(f.callbacks, onSample)
	f.onErrors = append(f.onErrors, onError)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return &fakeSub{src: f}, nil
}

func (s *fakeSub) Stop() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		s.src.live--
		s.src.events = append(s.src.events, "stop")
	}
	return nil
}

func (f *fakeSource) lastRequest() source.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestScheduler(platform Platform) (*Scheduler, *fakeSource, *[]track.Sample) {
	src := &fakeSource{}
	var got []track.Sample
	s := New(platform, src, func(sample track.Sample) { got = append(got, sample) }, nil)
	return s, src, &got
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		in       Inputs
		interval time.Duration
		accuracy source.Accuracy
	}{
		{"native active default", Inputs{Platform: Native, Active: true, Foreground: true}, 10 * time.Second, source.AccuracyHigh},
		{"native active background", Inputs{Platform: Native, Active: true}, 20 * time.Second, source.AccuracyBalanced},
		{"other active background", Inputs{Platform: Other, Active: true}, 25 * time.Second, source.AccuracyBalanced},
		{"hint clamped to native min", Inputs{Platform: Native, Active: true, Foreground: true, IntervalHint: time.Second}, 3 * time.Second, source.AccuracyHigh},
		{"hint clamped to other max", Inputs{Platform: Other, Active: true, Foreground: true, IntervalHint: time.Minute}, 45 * time.Second, source.AccuracyHigh},
		{"saving stretches", Inputs{Platform: Native, Active: true, Foreground: true, EnergyMode: movement.EnergySaving, IntervalHint: 8 * time.Second}, 12 * time.Second, source.AccuracyBalanced},
		{"ultra-saving background", Inputs{Platform: Native, Active: true, EnergyMode: movement.EnergyUltraSaving, IntervalHint: 15 * time.Second}, 90 * time.Second, source.AccuracyBalanced},
		{"native passive", Inputs{Platform: Native, Foreground: true}, 5 * time.Minute, source.AccuracyLow},
		{"other passive", Inputs{Platform: Other, Foreground: true}, 10 * time.Minute, source.AccuracyLow},
		{"native passive capped", Inputs{Platform: Native, EnergyMode: movement.EnergyUltraSaving}, 15 * time.Minute, source.AccuracyLow},
		{"other passive capped", Inputs{Platform: Other, EnergyMode: movement.EnergySaving}, 30 * time.Minute, source.AccuracyLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Compute(tt.in)
			assert.Equal(t, tt.interval, req.Interval)
			assert.Equal(t, tt.accuracy, req.Accuracy)
		})
	}
}

func TestStart_SubscribesOnce(t *testing.T) {
	s, src, _ := newTestScheduler(Native)

	require.NoError(t, s.Start(context.Background(), true))
	assert.Equal(t, StateWatching, s.State())
	assert.Equal(t, 10*time.Second, s.Current().Interval)
	assert.Equal(t, []string{"start"}, src.events)

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, []string{"start", "stop"}, src.events)
	assert.Equal(t, source.Request{}, s.Current())
}

func TestChanges_StopThenStart(t *testing.T) {
	s, src, _ := newTestScheduler(Native)
	require.NoError(t, s.Start(context.Background(), true))

	require.NoError(t, s.SetForeground(false))
	require.NoError(t, s.SetEnergyMode(movement.EnergySaving))
	require.NoError(t, s.SetActive(false))
	require.NoError(t, s.SetIntervalHint(5*time.Second)) // passive: no effect

	assert.Equal(t, []string{"start", "stop", "start", "stop", "start", "stop", "start"}, src.events)
	assert.Equal(t, 1, src.maxLive)
	assert.Equal(t, 4, s.Restarts())
	assert.Equal(t, 15*time.Minute, src.lastRequest().Interval)
}

func TestChanges_NoRestartWhenUnchanged(t *testing.T) {
	s, src, _ := newTestScheduler(Native)
	require.NoError(t, s.Start(context.Background(), true))

	require.NoError(t, s.SetForeground(true))
	require.NoError(t, s.SetEnergyMode(movement.EnergyNormal))
	// 2 s and 1 s both clamp to 3 s; only the first restarts
	require.NoError(t, s.SetIntervalHint(2*time.Second))
	require.NoError(t, s.SetIntervalHint(time.Second))

	assert.Equal(t, []string{"start", "stop", "start"}, src.events)
}

func TestSetCadence_RestartsOnce(t *testing.T) {
	s, src, _ := newTestScheduler(Native)
	require.NoError(t, s.Start(context.Background(), true))

	// energy mode and interval hint change on the same sample
	require.NoError(t, s.SetCadence(movement.EnergySaving, 15*time.Second))

	assert.Equal(t, []string{"start", "stop", "start"}, src.events)
	assert.Equal(t, 2, s.Restarts())
	assert.Equal(t, 22500*time.Millisecond, src.lastRequest().Interval)
	assert.Equal(t, source.AccuracyBalanced, src.lastRequest().Accuracy)

	require.NoError(t, s.SetCadence(movement.EnergySaving, 15*time.Second))
	assert.Equal(t, 2, s.Restarts())
}

func TestDeny(t *testing.T) {
	src := &fakeSource{}
	fatal := make(chan error, 2)
	s := New(Native, src, func(track.Sample) {}, func(err error) { fatal <- err })
	require.NoError(t, s.Start(context.Background(), true))

	s.Deny()
	s.Deny()

	assert.Equal(t, StateDenied, s.State())
	assert.Equal(t, 0, src.live)
	assert.ErrorIs(t, s.Start(context.Background(), true), source.ErrPermissionDenied)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, source.ErrPermissionDenied)
	case <-time.After(time.Second):
		t.Fatal("fatal callback not invoked")
	}
	select {
	case <-fatal:
		t.Fatal("fatal callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChanges_WhileIdleOnlyRecorded(t *testing.T) {
	s, src, _ := newTestScheduler(Other)

	require.NoError(t, s.SetForeground(false))
	require.NoError(t, s.SetEnergyMode(movement.EnergyUltraSaving))
	assert.Empty(t, src.events)

	require.NoError(t, s.Start(context.Background(), true))
	// 10 s × 2.5 × 3
	assert.Equal(t, 75*time.Second, s.Current().Interval)
}

func TestStaleSubscriptionCallbacksDropped(t *testing.T) {
	s, src, got := newTestScheduler(Native)
	require.NoError(t, s.Start(context.Background(), true))
	require.NoError(t, s.SetForeground(false))

	require.Len(t, src.callbacks, 2)
	src.callbacks[0](track.Sample{AccuracyM: 1})
	src.callbacks[1](track.Sample{AccuracyM: 2})

	require.Len(t, *got, 1)
	assert.Equal(t, 2.0, (*got)[0].AccuracyM)

	s.Stop()
	src.callbacks[1](track.Sample{AccuracyM: 3})
	assert.Len(t, *got, 1)
}

func TestPermissionDeniedAtStart(t *testing.T) {
	src := &fakeSource{err: source.ErrPermissionDenied}
	fatal := make(chan error, 2)
	s := New(Native, src, func(track.Sample) {}, func(err error) { fatal <- err })

	err := s.Start(context.Background(), true)
	assert.ErrorIs(t, err, source.ErrPermissionDenied)
	assert.Equal(t, StateDenied, s.State())

	// later attempts fail fast without touching the source
	src.err = nil
	assert.ErrorIs(t, s.Start(context.Background(), true), source.ErrPermissionDenied)
	assert.Empty(t, src.events)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, source.ErrPermissionDenied)
	case <-time.After(time.Second):
		t.Fatal("fatal callback not invoked")
	}
	select {
	case <-fatal:
		t.Fatal("fatal callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPermissionRevokedWhileWatching(t *testing.T) {
	src := &fakeSource{}
	fatal := make(chan error, 2)
	s := New(Native, src, func(track.Sample) {}, func(err error) { fatal <- err })
	require.NoError(t, s.Start(context.Background(), true))

	src.onErrors[0](source.ErrPermissionDenied)
	src.onErrors[0](source.ErrPermissionDenied)

	assert.Equal(t, StateDenied, s.State())
	assert.Equal(t, []string{"start", "stop"}, src.events)
	assert.Equal(t, 0, src.live)

	// a change after denial must not resubscribe
	require.NoError(t, s.SetForeground(false))
	assert.Equal(t, []string{"start", "stop"}, src.events)

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("fatal callback not invoked")
	}
	select {
	case <-fatal:
		t.Fatal("fatal callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransientErrorsAreNotFatal(t *testing.T) {
	src := &fakeSource{}
	s := New(Native, src, func(track.Sample) {}, func(error) { t.Error("unexpected fatal") })
	require.NoError(t, s.Start(context.Background(), true))

	src.onErrors[0](errors.New("gps glitch"))
	assert.Equal(t, StateWatching, s.State())

	src.mu.Lock()
	src.err = errors.New("broker unavailable")
	src.mu.Unlock()
	err := s.SetForeground(false)
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}

func TestConcurrentChangesNeverOverlap(t *testing.T) {
	s, src, _ := newTestScheduler(Other)
	require.NoError(t, s.Start(context.Background(), true))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SetForeground(i%2 == 0)
			_ = s.SetIntervalHint(time.Duration(5+i) * time.Second)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, src.maxLive)
	assert.Equal(t, 1, src.live)
}
