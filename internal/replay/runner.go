// Package replay runs recorded location history through a fresh travel
// session, for trip review and for tuning the engines against real tracks.
package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/database"
	"github.com/stuartshay/travel-geoengine/internal/events"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

// LocationStore loads recorded fixes, oldest first
type LocationStore interface {
	GetLocations(ctx context.Context, startDate, endDate, deviceID string) ([]database.Location, error)
}

// Runner replays jobs taken from the queue
type Runner struct {
	store     LocationStore
	cfg       session.Config
	home      geomath.Point
	outputDir string
}

// NewRunner creates a runner. Path metrics are measured from home; an
// empty outputDir disables the CSV report.
func NewRunner(store LocationStore, cfg session.Config, home geomath.Point, outputDir string) *Runner {
	return &Runner{
		store:     store,
		cfg:       cfg,
		home:      home,
		outputDir: outputDir,
	}
}

type row struct {
	location  database.Location
	sample    session.Outcome
	distanceM float64
}

// Process is the queue.ProcessFunc of replay jobs
func (r *Runner) Process(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	req := job.Request

	log.Info().
		Str("job_id", job.ID).
		Str("start_date", req.StartDate).
		Str("end_date", req.EndDate).
		Str("device_id", req.DeviceID).
		Int("places", len(req.Places)).
		Msg("Processing replay job")

	locations, err := r.store.GetLocations(ctx, req.StartDate, req.EndDate, req.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch locations from database")
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	if len(locations) == 0 {
		log.Warn().Str("start_date", req.StartDate).Msg("No locations found for replay")
		return nil, fmt.Errorf("no locations found for %s", dateRange(req))
	}

	// no region watcher: replays must not spend geocoding quota
	recorder := events.NewRecorder()
	sess := session.New("replay-"+job.ID, req.DeviceID, r.cfg, session.Deps{Sink: recorder})
	defer sess.Stop()

	sess.SetPlaces(req.Places)
	if req.Route != "" {
		mode := req.RouteMode
		if mode == "" {
			mode = transport.Walking
		}
		sess.SetRoute(req.Route, mode)
	}

	result := &queue.JobResult{TransportModes: make(map[transport.Mode]int)}
	rows := make([]row, 0, len(locations))
	points := make([]geomath.Point, 0, len(locations))

	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("replay interrupted: %w", err)
		}

		sample := loc.Sample()
		out := sess.HandleSample(ctx, sample)
		result.TotalSamples++
		if out.Dropped {
			result.DroppedSamples++
			continue
		}

		points = append(points, sample.Point)
		result.TransportModes[out.Transport.Mode]++

		if out.Arrival != nil {
			result.Arrivals = append(result.Arrivals, out.Arrival.PlaceID)
			// nobody confirms a replayed arrival; release it so later
			// places can fire
			sess.ConfirmArrival(out.Arrival.PlaceID)
		}

		rows = append(rows, row{location: loc, sample: out, distanceM: geomath.Distance(r.home, sample.Point)})
	}

	result.RouteDeviations = recorder.Count(events.KindRouteDeviation)
	result.ETANotifications = recorder.Count(events.KindETA)

	path := geomath.CalculatePathMetrics(r.home, points)
	result.PathLengthKM = path.PathLengthM / 1000
	result.MaxFromHomeKM = path.MaxFromOriginM / 1000
	if path.TotalPoints > 0 {
		result.MinFromHomeKM = path.MinFromOriginM / 1000
	}

	log.Info().
		Int("samples", result.TotalSamples).
		Int("dropped", result.DroppedSamples).
		Int("arrivals", len(result.Arrivals)).
		Int("route_deviations", result.RouteDeviations).
		Int("eta_notifications", result.ETANotifications).
		Float64("path_length_km", result.PathLengthKM).
		Msg("Replay finished")

	if r.outputDir != "" {
		csvPath, err := r.writeCSV(req, rows, result)
		if err != nil {
			log.Error().Err(err).Msg("Failed to generate CSV file")
			return nil, fmt.Errorf("CSV generation failed: %w", err)
		}
		result.CSVPath = csvPath
	}

	return result, nil
}

func dateRange(req queue.Request) string {
	if req.EndDate == "" || req.EndDate == req.StartDate {
		return req.StartDate
	}
	return req.StartDate + ".." + req.EndDate
}

// writeCSV writes one row per replayed sample and a summary footer
func (r *Runner) writeCSV(req queue.Request, rows []row, result *queue.JobResult) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	csvPath := filepath.Join(r.outputDir, Filename(req))

	file, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close CSV file")
		}
	}()

	writer := csv.NewWriter(file)

	header := []string{
		"timestamp", "device_id", "latitude", "longitude", "accuracy_m",
		"distance_from_home_km", "movement", "transport", "speed_mps", "energy_mode", "events",
	}
	if err := writer.Write(header); err != nil {
		return "", fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rw := range rows {
		kinds := make([]string, len(rw.sample.Events))
		for i, e := range rw.sample.Events {
			kinds[i] = string(e.Kind)
		}

		record := []string{
			rw.location.Sample().Timestamp.Format(time.RFC3339),
			rw.location.DeviceID,
			fmt.Sprintf("%.6f", rw.location.Latitude),
			fmt.Sprintf("%.6f", rw.location.Longitude),
			fmt.Sprintf("%d", rw.location.Accuracy),
			fmt.Sprintf("%.3f", rw.distanceM/1000),
			string(rw.sample.Movement.State),
			string(rw.sample.Transport.Mode),
			fmt.Sprintf("%.2f", rw.sample.Transport.SpeedMps),
			string(rw.sample.Movement.EnergyMode),
			strings.Join(kinds, ";"),
		}
		if err := writer.Write(record); err != nil {
			return "", fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	_ = writer.Write([]string{})
	_ = writer.Write([]string{"Summary"})
	_ = writer.Write([]string{"Total Samples", fmt.Sprintf("%d", result.TotalSamples)})
	_ = writer.Write([]string{"Dropped Samples", fmt.Sprintf("%d", result.DroppedSamples)})
	_ = writer.Write([]string{"Arrivals", strings.Join(result.Arrivals, ";")})
	_ = writer.Write([]string{"Route Deviations", fmt.Sprintf("%d", result.RouteDeviations)})
	_ = writer.Write([]string{"ETA Notifications", fmt.Sprintf("%d", result.ETANotifications)})
	_ = writer.Write([]string{"Path Length (km)", fmt.Sprintf("%.2f", result.PathLengthKM)})
	_ = writer.Write([]string{"Max From Home (km)", fmt.Sprintf("%.2f", result.MaxFromHomeKM)})

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to flush CSV file: %w", err)
	}

	log.Info().Str("csv_path", csvPath).Msg("CSV file generated successfully")

	return csvPath, nil
}

// pathSafe keeps a device id inside the output directory
var pathSafe = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// Filename returns the report name for a request, e.g.
// replay_20260124_20260125_phone.csv
func Filename(req queue.Request) string {
	name := "replay_" + compactDate(req.StartDate)
	if req.EndDate != "" && req.EndDate != req.StartDate {
		name += "_" + compactDate(req.EndDate)
	}
	if req.DeviceID != "" {
		name += "_" + pathSafe.Replace(req.DeviceID)
	}
	return name + ".csv"
}

func compactDate(date string) string {
	if len(date) == 10 {
		return date[0:4] + date[5:7] + date[8:10] // YYYYMMDD
	}
	return date
}
