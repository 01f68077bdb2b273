// Package grpc implements the TravelModeService gRPC server handlers for
// live travel sessions and replay job management.
package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/session"
	"github.com/stuartshay/travel-geoengine/internal/source"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Server implements the TravelModeService gRPC server
type Server struct {
	sessions *session.Manager
	queue    *queue.Queue
}

// NewServer creates a new gRPC server instance. The queue runs replay jobs.
func NewServer(sessions *session.Manager, q *queue.Queue) *Server {
	return &Server{
		sessions: sessions,
		queue:    q,
	}
}

// StartSession creates a session and starts watching location
func (s *Server) StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner := stringField(req, "owner")
	push := boolField(req, "push", true)
	active := boolField(req, "active", true)

	log.Info().
		Str("owner", owner).
		Bool("push", push).
		Bool("active", active).
		Msg("Received start session request")

	if owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	places, err := parsePlaces(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sess, err := s.sessions.Create(owner, push)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		return nil, status.Errorf(codes.Unavailable, "failed to create session: %v", err)
	}

	sess.SetPlaces(places)
	if polyline := stringField(req, "route"); polyline != "" {
		sess.SetRoute(polyline, transport.ParseMode(stringField(req, "route_mode")))
	}

	if err := sess.Start(ctx, active); err != nil {
		_ = s.sessions.Stop(sess.ID())
		return nil, toStatus(err)
	}

	return respond(statusFields(sess.Status()))
}

// PushSample feeds a client-side fix into a push session. The reply carries
// the sample outcome and the cadence the client should use next.
func (s *Server) PushSample(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	sample, err := parseSample(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out, err := sess.Deliver(ctx, sample)
	if err != nil {
		return nil, toStatus(err)
	}

	fields := outcomeFields(out)
	st := sess.Status()
	fields["interval_s"] = st.Request.Interval.Seconds()
	fields["accuracy"] = string(st.Request.Accuracy)

	return respond(fields)
}

// SetRoute activates a route polyline; an empty polyline clears the route
func (s *Server) SetRoute(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}

	if polyline := stringField(req, "polyline"); polyline != "" {
		sess.SetRoute(polyline, transport.ParseMode(stringField(req, "mode")))
	} else {
		sess.ClearRoute()
	}

	return respond(map[string]interface{}{"has_route": sess.Status().HasRoute})
}

// SetPlaces replaces the candidate destinations
func (s *Server) SetPlaces(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	places, err := parsePlaces(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sess.SetPlaces(places)
	return respond(map[string]interface{}{"places": len(places)})
}

// ConfirmArrival records the traveller's confirmation of an arrival
func (s *Server) ConfirmArrival(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.placeCommand(req, (*session.Session).ConfirmArrival)
}

// SkipArrival dismisses a place for the rest of the session
func (s *Server) SkipArrival(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.placeCommand(req, (*session.Session).SkipArrival)
}

// ResetPlace makes a place eligible again
func (s *Server) ResetPlace(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.placeCommand(req, (*session.Session).ResetPlace)
}

func (s *Server) placeCommand(req *structpb.Struct, apply func(*session.Session, string)) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	placeID := stringField(req, "place_id")
	if placeID == "" {
		return nil, status.Error(codes.InvalidArgument, "place_id is required")
	}

	apply(sess, placeID)
	return respond(map[string]interface{}{"active_place_id": sess.Status().ActivePlaceID})
}

// SetForeground records the app foreground state
func (s *Server) SetForeground(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	if err := sess.SetForeground(boolField(req, "foreground", true)); err != nil {
		return nil, toStatus(err)
	}
	return respond(statusFields(sess.Status()))
}

// SetActive switches between travel mode and passive region watching
func (s *Server) SetActive(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	if err := sess.SetActive(boolField(req, "active", true)); err != nil {
		return nil, toStatus(err)
	}
	return respond(statusFields(sess.Status()))
}

// GetStatus summarizes a session
func (s *Server) GetStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	return respond(statusFields(sess.Status()))
}

// GetSnapshot returns the GeoJSON debug view of a session
func (s *Server) GetSnapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}

	fc, err := sess.Snapshot()
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}

	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}
	return out, nil
}

// StopSession stops and forgets a session
func (s *Server) StopSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := stringField(req, "session_id")
	if err := s.sessions.Stop(sessionID); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"session_id": sessionID, "stopped": true})
}

// ReportPermissionDenied tells a session that the client lost location
// permission. The session emits a permission_denied event, stops, and is
// forgotten.
func (s *Server) ReportPermissionDenied(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}

	log.Warn().Str("session_id", sess.ID()).Msg("Client reported location permission denied")

	if err := sess.RevokePermission(); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"session_id": sess.ID(), "permission_denied": true})
}

// SubmitReplay queues a replay of recorded history
func (s *Server) SubmitReplay(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := queue.Request{
		StartDate: stringField(req, "start_date"),
		EndDate:   stringField(req, "end_date"),
		DeviceID:  stringField(req, "device_id"),
		Route:     stringField(req, "route"),
	}

	log.Info().
		Str("start_date", r.StartDate).
		Str("end_date", r.EndDate).
		Str("device_id", r.DeviceID).
		Msg("Received replay request")

	if r.StartDate == "" {
		return nil, status.Error(codes.InvalidArgument, "start_date is required")
	}
	if _, err := time.Parse("2006-01-02", r.StartDate); err != nil {
		return nil, status.Error(codes.InvalidArgument, "start_date must be YYYY-MM-DD")
	}
	if r.EndDate != "" {
		end, err := time.Parse("2006-01-02", r.EndDate)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "end_date must be YYYY-MM-DD")
		}
		if start, _ := time.Parse("2006-01-02", r.StartDate); end.Before(start) {
			return nil, status.Error(codes.InvalidArgument, "end_date is before start_date")
		}
	}
	if strings.ContainsAny(r.DeviceID, `/\`) || strings.Contains(r.DeviceID, "..") {
		return nil, status.Error(codes.InvalidArgument, "device_id must not contain path separators or '..'")
	}
	if mode := stringField(req, "route_mode"); mode != "" {
		r.RouteMode = transport.ParseMode(mode)
	}

	places, err := parsePlaces(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r.Places = places

	jobID, err := s.queue.Enqueue(r)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue job")
		return nil, toStatus(err)
	}

	job, err := s.queue.GetJob(jobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(jobFields(job))
}

// GetReplayJob returns the current status of a replay job
func (s *Server) GetReplayJob(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.queue.GetJob(stringField(req, "job_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(jobFields(job))
}

// ListReplayJobs returns replay jobs with optional status filtering
func (s *Server) ListReplayJobs(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := intField(req, "limit", 0)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := intField(req, "offset", 0)

	jobs, total := s.queue.ListJobs(queue.JobStatus(stringField(req, "status")), limit, offset)

	list := make([]interface{}, len(jobs))
	for i, job := range jobs {
		list[i] = jobFields(job)
	}

	return respond(map[string]interface{}{
		"jobs":        list,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context, timeout time.Duration) error {
	s.sessions.Shutdown(ctx)
	return s.queue.Shutdown(timeout)
}

func (s *Server) session(req *structpb.Struct) (*session.Session, error) {
	sessionID := stringField(req, "session_id")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return sess, nil
}

func respond(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, queue.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, source.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, session.ErrNotWatching),
		errors.Is(err, session.ErrNoSource),
		errors.Is(err, session.ErrDebugDisabled):
		code = codes.FailedPrecondition
	case errors.Is(err, queue.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
