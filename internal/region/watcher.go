package region

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
)

// DefaultLookupTimeout bounds a single reverse-geocoding call
const DefaultLookupTimeout = 15 * time.Second

// cellPrecision rounds coordinates to ~100 m cells for deduplication
const cellPrecision = 1000.0

// Resolution is a reverse-geocoded position
type Resolution struct {
	City    Region
	Country Region
}

// For returns the region of a scope
func (r Resolution) For(scope Scope) Region {
	if scope == ScopeCountry {
		return r.Country
	}
	return r.City
}

// IsZero reports whether nothing was resolved
func (r Resolution) IsZero() bool {
	return r.City.IsZero() && r.Country.IsZero()
}

// Geocoder resolves a position into administrative regions
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p geomath.Point) (Resolution, error)
}

// Watcher resolves positions through a Geocoder. Concurrent lookups for the
// same cell share one call, calls are bounded by a timeout, and good results
// are memoized so a failed call never loses them.
type Watcher struct {
	geocoder Geocoder
	timeout  time.Duration
	group    singleflight.Group
	memo     *lru.Cache[string, Resolution]

	mu       sync.RWMutex
	last     Resolution
	inflight int
	failures int
}

// NewWatcher creates a watcher memoizing up to memoSize cells
func NewWatcher(geocoder Geocoder, timeout time.Duration, memoSize int) (*Watcher, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	memo, err := lru.New[string, Resolution](memoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create region memo: %w", err)
	}
	return &Watcher{geocoder: geocoder, timeout: timeout, memo: memo}, nil
}

// CellKey returns the deduplication key of a position
func CellKey(p geomath.Point) string {
	return fmt.Sprintf("%.3f,%.3f", math.Round(p.Lat*cellPrecision)/cellPrecision, math.Round(p.Lng*cellPrecision)/cellPrecision)
}

// Lookup resolves p. It reports false when no result is available this
// time; that is never an error for the caller.
func (w *Watcher) Lookup(ctx context.Context, p geomath.Point) (Resolution, bool) {
	key := CellKey(p)

	if r, ok := w.memo.Get(key); ok {
		w.remember(r)
		return r, true
	}

	ch := w.group.DoChan(key, func() (interface{}, error) {
		w.track(1)
		defer w.track(-1)

		// shared by every waiter, so not bound to any one caller's cancellation
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()

		return w.geocoder.ReverseGeocode(callCtx, p)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			w.fail(key, res.Err)
			return Resolution{}, false
		}
		r := res.Val.(Resolution)
		if r.IsZero() {
			return Resolution{}, false
		}
		w.memo.Add(key, r)
		w.remember(r)
		return r, true
	case <-ctx.Done():
		return Resolution{}, false
	}
}

func (w *Watcher) track(delta int) {
	w.mu.Lock()
	w.inflight += delta
	w.mu.Unlock()
}

func (w *Watcher) remember(r Resolution) {
	w.mu.Lock()
	w.last = r
	w.mu.Unlock()
}

func (w *Watcher) fail(key string, err error) {
	w.mu.Lock()
	w.failures++
	w.mu.Unlock()

	log.Warn().Err(err).Str("cell", key).Msg("Reverse geocoding failed, keeping last known region")
}

// Last returns the most recent good resolution
func (w *Watcher) Last() Resolution {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Failures returns how many lookups failed
func (w *Watcher) Failures() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failures
}

// InFlight returns the number of geocoding calls currently running
func (w *Watcher) InFlight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inflight
}
