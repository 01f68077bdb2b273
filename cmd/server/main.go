package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/travel-geoengine/internal/config"
	"github.com/stuartshay/travel-geoengine/internal/database"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	grpcserver "github.com/stuartshay/travel-geoengine/internal/grpc"
	"github.com/stuartshay/travel-geoengine/internal/httpapi"
	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/replay"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Str("version", version).Msg("Starting travel-geoengine service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("db_host", cfg.PostgresHost).
		Str("db_port", cfg.PostgresPort).
		Str("platform", cfg.Platform).
		Bool("debug", cfg.Debug).
		Float64("home_lat", cfg.HomeLatitude).
		Float64("home_lon", cfg.HomeLongitude).
		Msg("Configuration loaded")

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:      cfg.ServiceName,
		ServiceNamespace: "travel",
		ServiceVersion:   version,
		Environment:      cfg.Environment,
		OTLPEndpoint:     cfg.OTELEndpoint,
		Enabled:          cfg.OTELEnabled,
		SampleRatio:      cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	m := metrics.New()

	// Initialize database client; without it replays are unavailable and
	// the region cache falls back to SQLite
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dbClient, err := database.NewClient(cfg.DatabaseDSN())
	if err == nil {
		err = dbClient.HealthCheck(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Database unavailable, replays disabled")
		if dbClient != nil {
			_ = dbClient.Close()
		}
		dbClient = nil
	} else {
		log.Info().Msg("Database health check passed")
		defer dbClient.Close()
	}

	regionCache, closeRegionCache := newRegionCache(ctx, cfg, dbClient)
	watcher, err := newRegionWatcher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize geocoder")
	}

	sink, closeSink := newSink(cfg)

	mqttClient, err := connectMQTT(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}

	sessCfg := sessionConfig(cfg)
	base := session.Deps{Sink: sink, Metrics: m, RegionCache: regionCache, Watcher: watcher}
	sessions := session.NewManager(sessCfg, newSourceFactory(base, mqttClient, cfg.MQTTDefaultDevice))

	// Replay queue
	process := unavailableReplay
	if dbClient != nil {
		home := geomath.Point{Lat: cfg.HomeLatitude, Lng: cfg.HomeLongitude}
		process = replay.NewRunner(dbClient, sessCfg, home, cfg.CSVOutputPath).Process
	}
	replayQueue := queue.NewQueue(cfg.ReplayWorkers, process, m)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))

	// Register travel mode service
	travelServer := grpcserver.NewServer(sessions, replayQueue)
	grpcserver.RegisterTravelModeServer(grpcServer, travelServer)

	// Register health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	// Start gRPC server
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create TCP listener")
	}

	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	// Start HTTP server for health checks, metrics and debug views
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: httpapi.NewRouter(httpapi.Options{
			ServiceName: cfg.ServiceName,
			Sessions:    sessions,
			Queue:       replayQueue,
			Metrics:     m,
			Ready:       readiness(dbClient),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, gracefully stopping...")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Stop gRPC server
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}

	// Stop sessions and replay workers
	if err := travelServer.Shutdown(shutdownCtx, 10*time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown travel mode service")
	}

	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
	if err := closeSink(); err != nil {
		log.Error().Err(err).Msg("Failed to flush event sink")
	}
	if err := closeRegionCache(); err != nil {
		log.Error().Err(err).Msg("Failed to close region cache")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown tracer")
	}

	log.Info().Msg("Service shutdown complete")
}

// readiness reports the database state; the service runs without it
func readiness(db *database.Client) func(context.Context) error {
	if db == nil {
		return nil
	}
	return db.HealthCheck
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("level", level).Msg("Log level set")
}
