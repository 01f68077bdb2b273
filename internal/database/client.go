// Package database provides PostgreSQL access to recorded OwnTracks
// locations and the region-change cache stores.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/track"
)

// Client wraps a PostgreSQL database connection
type Client struct {
	db *sql.DB
}

// Location is a recorded OwnTracks fix
type Location struct {
	ID          int64
	DeviceID    string
	Latitude    float64
	Longitude   float64
	Accuracy    int
	Velocity    int // km/h
	HasVelocity bool
	Trigger     string
	Timestamp   int64
	CreatedAt   time.Time
}

// Sample converts the fix into an engine sample
func (l Location) Sample() track.Sample {
	s := track.Sample{
		Point:     geomath.Point{Lat: l.Latitude, Lng: l.Longitude},
		AccuracyM: float64(l.Accuracy),
		Timestamp: l.CreatedAt.UTC(),
	}
	if l.Timestamp > 0 {
		s.Timestamp = time.Unix(l.Timestamp, 0).UTC()
	}
	if l.HasVelocity && l.Velocity >= 0 {
		s.SpeedMps = track.Speed(float64(l.Velocity) / 3.6)
	}
	return s
}

// NewClient creates a new database client with connection pooling
func NewClient(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// GetLocations retrieves recorded fixes between two dates (YYYY-MM-DD,
// inclusive), oldest first. An empty end date means the start date only.
func (c *Client) GetLocations(ctx context.Context, startDate, endDate, deviceID string) ([]Location, error) {
	if endDate == "" {
		endDate = startDate
	}

	query := `
		SELECT
			id, device_id, latitude, longitude, accuracy, velocity,
			trigger, EXTRACT(EPOCH FROM timestamp)::bigint AS timestamp, created_at
		FROM public.locations
		WHERE created_at >= $1::date AND created_at < $2::date + interval '1 day'
	`

	args := []interface{}{startDate, endDate}

	if deviceID != "" {
		query += " AND device_id = $3"
		args = append(args, deviceID)
	}

	query += " ORDER BY created_at ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var locations []Location
	for rows.Next() {
		var loc Location
		var accuracy, velocity, timestamp sql.NullInt64
		var trigger sql.NullString

		err := rows.Scan(
			&loc.ID,
			&loc.DeviceID,
			&loc.Latitude,
			&loc.Longitude,
			&accuracy,
			&velocity,
			&trigger,
			&timestamp,
			&loc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		if accuracy.Valid {
			loc.Accuracy = int(accuracy.Int64)
		}
		if velocity.Valid {
			loc.Velocity = int(velocity.Int64)
			loc.HasVelocity = true
		}
		if trigger.Valid {
			loc.Trigger = trigger.String
		}
		if timestamp.Valid {
			loc.Timestamp = timestamp.Int64
		}

		locations = append(locations, loc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return locations, nil
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
