// Package region decides when a traveller has entered a new city or country.
package region

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCooldown is the minimum time before the same region fires again
const DefaultCooldown = 6 * time.Hour

// Scope is the administrative level a region is tracked at
type Scope string

// Region scopes
const (
	ScopeCity    Scope = "city"
	ScopeCountry Scope = "country"
)

// Scopes lists every tracked scope, widest last
var Scopes = []Scope{ScopeCity, ScopeCountry}

// Region is a resolved administrative area
type Region struct {
	Name string
	Code string
}

// IsZero reports whether nothing was resolved
func (r Region) IsZero() bool {
	return r.Name == "" && r.Code == ""
}

// CacheEntry is the last region a change was fired for
type CacheEntry struct {
	RegionName string    `json:"region_name"`
	RegionCode string    `json:"region_code"`
	Timestamp  time.Time `json:"timestamp"`
}

// Cache persists the last fired region per key. TTL is enforced by the
// detector, not the store.
type Cache interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry CacheEntry) error
}

// Change is a region-change event
type Change struct {
	Scope    Scope
	Region   Region
	Previous *CacheEntry
	At       time.Time
}

// Detector applies the region-change rule for one traveller
type Detector struct {
	mu       sync.Mutex
	cache    Cache
	owner    string
	cooldown time.Duration
	// last entries written; they win over older or unreadable cache entries
	fallback map[Scope]CacheEntry
}

// NewDetector creates a detector whose cache keys are namespaced by owner
func NewDetector(cache Cache, owner string, cooldown time.Duration) *Detector {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Detector{
		cache:    cache,
		owner:    owner,
		cooldown: cooldown,
		fallback: make(map[Scope]CacheEntry),
	}
}

// Key returns the cache key for a scope
func (d *Detector) Key(scope Scope) string {
	return fmt.Sprintf("region:%s:%s", d.owner, scope)
}

// ShouldFire is the change rule: fire when nothing is cached, when the
// region differs, or when the cached entry is at least the cooldown old
func (d *Detector) ShouldFire(resolved Region, cached *CacheEntry, now time.Time) bool {
	if resolved.IsZero() {
		return false
	}
	if cached == nil {
		return true
	}
	if cached.RegionName != resolved.Name || cached.RegionCode != resolved.Code {
		return true
	}
	return now.Sub(cached.Timestamp) >= d.cooldown
}

// Check evaluates a freshly resolved region and, when it fires, writes the
// new entry back. It returns nil when the change is suppressed. Calls are
// serialized so one region cannot fire twice within the cooldown.
func (d *Detector) Check(ctx context.Context, scope Scope, resolved Region, now time.Time) *Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.Key(scope)

	var cached *CacheEntry
	entry, found, err := d.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Region cache read failed, using in-memory entry")
	} else if found {
		cached = &entry
	}
	if fb, ok := d.fallback[scope]; ok && (cached == nil || fb.Timestamp.After(cached.Timestamp)) {
		cached = &fb
	}

	if !d.ShouldFire(resolved, cached, now) {
		return nil
	}

	next := CacheEntry{RegionName: resolved.Name, RegionCode: resolved.Code, Timestamp: now}
	d.fallback[scope] = next

	change := &Change{Scope: scope, Region: resolved, Previous: cached, At: now}

	if err := d.cache.Set(ctx, key, next); err != nil {
		// the in-memory entry still suppresses repeats in this process
		log.Warn().Err(err).Str("key", key).Msg("Region cache write failed")
	}

	log.Info().
		Str("scope", string(scope)).
		Str("region", resolved.Name).
		Str("code", resolved.Code).
		Msg("Region change detected")

	return change
}

// MemoryCache is an in-process Cache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

// Get returns the entry stored under key
func (c *MemoryCache) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

// Set stores an entry under key
func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	return nil
}
