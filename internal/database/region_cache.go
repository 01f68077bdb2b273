package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stuartshay/travel-geoengine/internal/region"
)

// dialect holds the statements that differ between stores
type dialect struct {
	name   string
	schema string
	get    string
	set    string
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS region_cache (
			cache_key     TEXT PRIMARY KEY,
			region_name   TEXT NOT NULL,
			region_code   TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
	get: `SELECT region_name, region_code, updated_at_ms FROM region_cache WHERE cache_key = $1`,
	set: `
		INSERT INTO region_cache (cache_key, region_name, region_code, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE SET
			region_name = EXCLUDED.region_name,
			region_code = EXCLUDED.region_code,
			updated_at_ms = EXCLUDED.updated_at_ms`,
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS region_cache (
			cache_key     TEXT PRIMARY KEY,
			region_name   TEXT NOT NULL,
			region_code   TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
	get: `SELECT region_name, region_code, updated_at_ms FROM region_cache WHERE cache_key = ?`,
	set: `
		INSERT INTO region_cache (cache_key, region_name, region_code, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			region_name = excluded.region_name,
			region_code = excluded.region_code,
			updated_at_ms = excluded.updated_at_ms`,
}

// RegionCache stores the last fired region per key in SQL. It implements
// region.Cache.
type RegionCache struct {
	db      *sql.DB
	dialect dialect
	owned   bool
}

var _ region.Cache = (*RegionCache)(nil)

// NewPostgresRegionCache stores region entries through an existing client
func NewPostgresRegionCache(ctx context.Context, c *Client) (*RegionCache, error) {
	rc := &RegionCache{db: c.db, dialect: postgresDialect}
	if err := rc.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

// NewSQLiteRegionCache opens (or creates) an embedded cache at path.
// ":memory:" gives a process-local cache.
func NewSQLiteRegionCache(ctx context.Context, path string) (*RegionCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one connection: sqlite serializes writers, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	rc := &RegionCache{db: db, dialect: sqliteDialect, owned: true}
	if err := rc.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rc, nil
}

func (c *RegionCache) ensureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.dialect.schema); err != nil {
		return fmt.Errorf("failed to create %s region_cache table: %w", c.dialect.name, err)
	}
	return nil
}

// Get returns the entry stored under key
func (c *RegionCache) Get(ctx context.Context, key string) (region.CacheEntry, bool, error) {
	var entry region.CacheEntry
	var updatedAtMs int64

	err := c.db.QueryRowContext(ctx, c.dialect.get, key).Scan(&entry.RegionName, &entry.RegionCode, &updatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return region.CacheEntry{}, false, nil
	}
	if err != nil {
		return region.CacheEntry{}, false, fmt.Errorf("region cache get %s: %w", key, err)
	}

	entry.Timestamp = time.UnixMilli(updatedAtMs).UTC()
	return entry, true, nil
}

// Set stores an entry under key, replacing any previous one
func (c *RegionCache) Set(ctx context.Context, key string, entry region.CacheEntry) error {
	_, err := c.db.ExecContext(ctx, c.dialect.set, key, entry.RegionName, entry.RegionCode, entry.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("region cache set %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the store is reachable
func (c *RegionCache) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the store when it owns its connection
func (c *RegionCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}
