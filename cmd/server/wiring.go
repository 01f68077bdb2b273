package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/config"
	"github.com/stuartshay/travel-geoengine/internal/database"
	"github.com/stuartshay/travel-geoengine/internal/events"
	"github.com/stuartshay/travel-geoengine/internal/geocode"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/region"
	"github.com/stuartshay/travel-geoengine/internal/scheduler"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/source"
)

// errNoBroker is returned for OwnTracks sessions when MQTT is not configured
var errNoBroker = errors.New("no MQTT broker configured for OwnTracks sessions")

// errReplayUnavailable fails replay jobs while the location database is down
var errReplayUnavailable = errors.New("replay unavailable: location database not connected")

// sessionConfig maps the service configuration onto the engine tuning
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Platform = scheduler.ParsePlatform(cfg.Platform)
	sc.Debug = cfg.Debug
	sc.Transport.ErraticVariance = cfg.ErraticVariance
	sc.Movement.UltraSavingAfter = cfg.UltraSavingAfter
	sc.RegionCooldown = cfg.RegionCooldown
	sc.RegionLookupDistanceM = cfg.RegionLookupDistanceM
	sc.RegionLookupInterval = cfg.RegionLookupInterval
	sc.RegionCacheTimeout = cfg.RegionCacheTimeout
	return sc
}

// newSourceFactory builds session collaborators. Push sessions get their own
// push source; the others follow the owner's OwnTracks device, where owner
// is "user" or "user/device".
func newSourceFactory(base session.Deps, client source.MQTTClient, defaultDevice string) session.SourceFactory {
	return func(owner string, push bool) (session.Deps, error) {
		deps := base
		if push {
			deps.Source = source.NewPush()
			return deps, nil
		}

		if client == nil {
			return session.Deps{}, errNoBroker
		}
		user, device := owner, defaultDevice
		if i := strings.Index(owner, "/"); i > 0 && i < len(owner)-1 {
			user, device = owner[:i], owner[i+1:]
		}
		deps.Source = source.NewOwnTracks(client, user, device)
		return deps, nil
	}
}

// newSink logs every event and, when brokers are configured, publishes it
// to Kafka. The returned close function flushes the Kafka writer.
func newSink(cfg *config.Config) (events.Sink, func() error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.LogSink{}, func() error { return nil }
	}

	kafkaSink := events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopic).
		Msg("Publishing travel events to Kafka")

	return events.Multi{events.LogSink{}, kafkaSink}, kafkaSink.Close
}

// newRegionCache prefers the PostgreSQL store and falls back to an embedded
// SQLite file, then to memory
func newRegionCache(ctx context.Context, cfg *config.Config, db *database.Client) (region.Cache, func() error) {
	noop := func() error { return nil }

	if db != nil {
		rc, err := database.NewPostgresRegionCache(ctx, db)
		if err == nil {
			log.Info().Msg("Region cache stored in PostgreSQL")
			return rc, rc.Close
		}
		log.Warn().Err(err).Msg("PostgreSQL region cache unavailable, trying SQLite")
	}

	if cfg.SQLitePath != "" {
		rc, err := database.NewSQLiteRegionCache(ctx, cfg.SQLitePath)
		if err == nil {
			log.Info().Str("path", cfg.SQLitePath).Msg("Region cache stored in SQLite")
			return rc, rc.Close
		}
		log.Warn().Err(err).Msg("SQLite region cache unavailable, keeping regions in memory")
	}

	return region.NewMemoryCache(), noop
}

// newRegionWatcher returns nil, disabling region tracking, without an API key
func newRegionWatcher(cfg *config.Config) (*region.Watcher, error) {
	if cfg.GoogleMapsAPIKey == "" {
		log.Warn().Msg("GOOGLE_MAPS_API_KEY not set, region change detection disabled")
		return nil, nil
	}

	g, err := geocode.NewGoogle(cfg.GoogleMapsAPIKey, cfg.GeocodeLanguage)
	if err != nil {
		return nil, err
	}
	return region.NewWatcher(g, cfg.GeocodeTimeout, cfg.GeocodeMemoSize)
}

// connectMQTT returns nil when no broker is configured
// mqttOptions turns off ordered delivery: message handlers restart
// subscriptions, which would deadlock paho's ordered router.
func mqttOptions(cfg *config.Config) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", cfg.MQTTBroker).Msg("MQTT connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})
}

func connectMQTT(cfg *config.Config) (mqtt.Client, error) {
	if cfg.MQTTBroker == "" {
		return nil, nil
	}

	client := mqtt.NewClient(mqttOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}

// unavailableReplay fails every job; used while the database is down
func unavailableReplay(_ context.Context, _ *queue.Job) (*queue.JobResult, error) {
	return nil, errReplayUnavailable
}
