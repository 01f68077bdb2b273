// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string

	// Database configuration
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	// Region cache fallback when PostgreSQL is unavailable
	SQLitePath string

	// Home location coordinates, the origin of replay path metrics
	HomeLatitude  float64
	HomeLongitude float64

	// Replay reports
	CSVOutputPath string
	ReplayWorkers int

	// Session tuning
	Platform              string
	Debug                 bool
	ErraticVariance       float64
	UltraSavingAfter      time.Duration
	RegionCooldown        time.Duration
	RegionLookupDistanceM float64
	RegionLookupInterval  time.Duration
	RegionCacheTimeout    time.Duration

	// Reverse geocoding
	GoogleMapsAPIKey string
	GeocodeLanguage  string
	GeocodeTimeout   time.Duration
	GeocodeMemoSize  int

	// Event delivery
	KafkaBrokers []string
	KafkaTopic   string

	// OwnTracks over MQTT
	MQTTBroker        string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTDefaultDevice string

	// OpenTelemetry configuration
	OTELEndpoint    string
	OTELEnabled     bool
	OTELSampleRatio float64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "travel-geoengine"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "192.168.1.175"),
		PostgresPort:     getEnv("POSTGRES_PORT", "6432"),
		PostgresDB:       getEnv("POSTGRES_DB", "owntracks"),
		PostgresUser:     getEnv("POSTGRES_USER", "development"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "development"),
		SQLitePath:       getEnv("SQLITE_PATH", "/data/region-cache.db"),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "/data/csv"),

		Platform: getEnv("PLATFORM", "other"),

		GoogleMapsAPIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),
		GeocodeLanguage:  getEnv("GEOCODE_LANGUAGE", "en"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "travelmode.events"),

		MQTTBroker:        getEnv("MQTT_BROKER", ""),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "travel-geoengine"),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTDefaultDevice: getEnv("MQTT_DEFAULT_DEVICE", "phone"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	// Parse float values
	var err error
	cfg.HomeLatitude, err = parseFloat("HOME_LATITUDE", "40.736097")
	if err != nil {
		return nil, fmt.Errorf("invalid HOME_LATITUDE: %w", err)
	}

	cfg.HomeLongitude, err = parseFloat("HOME_LONGITUDE", "-74.039373")
	if err != nil {
		return nil, fmt.Errorf("invalid HOME_LONGITUDE: %w", err)
	}

	cfg.ErraticVariance, err = parseFloat("ERRATIC_VARIANCE", "5")
	if err != nil {
		return nil, fmt.Errorf("invalid ERRATIC_VARIANCE: %w", err)
	}

	cfg.RegionLookupDistanceM, err = parseFloat("REGION_LOOKUP_DISTANCE_M", "500")
	if err != nil {
		return nil, fmt.Errorf("invalid REGION_LOOKUP_DISTANCE_M: %w", err)
	}

	// Parse durations
	cfg.UltraSavingAfter, err = parseDuration("ULTRA_SAVING_AFTER", "5m")
	if err != nil {
		return nil, fmt.Errorf("invalid ULTRA_SAVING_AFTER: %w", err)
	}

	cfg.RegionCooldown, err = parseDuration("REGION_COOLDOWN", "6h")
	if err != nil {
		return nil, fmt.Errorf("invalid REGION_COOLDOWN: %w", err)
	}

	cfg.RegionLookupInterval, err = parseDuration("REGION_LOOKUP_INTERVAL", "10m")
	if err != nil {
		return nil, fmt.Errorf("invalid REGION_LOOKUP_INTERVAL: %w", err)
	}

	cfg.RegionCacheTimeout, err = parseDuration("REGION_CACHE_TIMEOUT", "5s")
	if err != nil {
		return nil, fmt.Errorf("invalid REGION_CACHE_TIMEOUT: %w", err)
	}

	cfg.GeocodeTimeout, err = parseDuration("GEOCODE_TIMEOUT", "15s")
	if err != nil {
		return nil, fmt.Errorf("invalid GEOCODE_TIMEOUT: %w", err)
	}

	// Parse integers and flags
	cfg.ReplayWorkers, err = parseInt("REPLAY_WORKERS", "5")
	if err != nil {
		return nil, fmt.Errorf("invalid REPLAY_WORKERS: %w", err)
	}

	cfg.GeocodeMemoSize, err = parseInt("GEOCODE_MEMO_SIZE", "1024")
	if err != nil {
		return nil, fmt.Errorf("invalid GEOCODE_MEMO_SIZE: %w", err)
	}

	cfg.Debug, err = parseBool("DEBUG", "false")
	if err != nil {
		return nil, fmt.Errorf("invalid DEBUG: %w", err)
	}

	cfg.OTELEnabled, err = parseBool("OTEL_ENABLED", "true")
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	cfg.OTELSampleRatio, err = parseFloat("OTEL_SAMPLE_RATIO", "1")
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATIO: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseFloat parses a float64 from an environment variable or default value
func parseFloat(key, defaultValue string) (float64, error) {
	value := getEnv(key, defaultValue)
	return strconv.ParseFloat(value, 64)
}

func parseInt(key, defaultValue string) (int, error) {
	value := getEnv(key, defaultValue)
	return strconv.Atoi(value)
}

func parseBool(key, defaultValue string) (bool, error) {
	value := getEnv(key, defaultValue)
	return strconv.ParseBool(value)
}

// parseDuration accepts Go durations such as "90s" or "6h"
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnv(key, defaultValue)
	return time.ParseDuration(value)
}

// splitList splits a comma separated list, dropping empty items
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
