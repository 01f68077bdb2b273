package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

func replayOf(date, deviceID string) Request {
	return Request{StartDate: date, DeviceID: deviceID}
}

// waitForStatus polls until the job reaches a terminal status
func waitForStatus(t *testing.T, q *Queue, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob() failed: %v", err)
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestNewQueue(t *testing.T) {
	processor := func(_ context.Context, _ *Job) (*JobResult, error) {
		return &JobResult{}, nil
	}

	q := NewQueue(3, processor, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	if q.workers != 3 {
		t.Errorf("expected 3 workers, got %d", q.workers)
	}
	if len(q.jobs) != 0 {
		t.Errorf("expected empty jobs map, got %d jobs", len(q.jobs))
	}
}

func TestEnqueue(t *testing.T) {
	processor := func(_ context.Context, _ *Job) (*JobResult, error) {
		return &JobResult{}, nil
	}

	q := NewQueue(1, processor, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	req := Request{
		StartDate: "2026-01-24",
		EndDate:   "2026-01-25",
		DeviceID:  "test-device",
		Places:    []arrival.Place{arrival.NewPlace("p1", "Office", geomath.Point{Lat: 40.74, Lng: -74.03}, []string{"establishment"})},
		RouteMode: transport.Driving,
	}
	jobID, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if jobID == "" {
		t.Error("expected non-empty job ID")
	}

	job, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.Request.StartDate != "2026-01-24" || job.Request.EndDate != "2026-01-25" {
		t.Errorf("unexpected date range %s..%s", job.Request.StartDate, job.Request.EndDate)
	}
	if job.Request.DeviceID != "test-device" {
		t.Errorf("expected device_id 'test-device', got '%s'", job.Request.DeviceID)
	}
	if len(job.Request.Places) != 1 {
		t.Errorf("expected 1 place, got %d", len(job.Request.Places))
	}
	if job.Status == "" {
		t.Error("expected a status")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	// no workers: nothing drains the buffer
	q := NewQueue(0, func(context.Context, *Job) (*JobResult, error) { return nil, nil }, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	for i := 0; i < pendingCapacity; i++ {
		if _, err := q.Enqueue(replayOf("2026-01-24", "d")); err != nil {
			t.Fatalf("Enqueue() %d failed: %v", i, err)
		}
	}

	_, err := q.Enqueue(replayOf("2026-01-24", "d"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if got := q.GetStats()["total"]; got != pendingCapacity {
		t.Errorf("rejected job must not be stored, total %d", got)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	q := NewQueue(1, func(context.Context, *Job) (*JobResult, error) { return nil, nil }, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	_, err := q.GetJob("non-existent-id")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobs(t *testing.T) {
	processor := func(_ context.Context, _ *Job) (*JobResult, error) {
		time.Sleep(50 * time.Millisecond)
		return &JobResult{}, nil
	}

	q := NewQueue(1, processor, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	first, _ := q.Enqueue(replayOf("2026-01-24", "device1"))
	time.Sleep(2 * time.Millisecond)
	_, _ = q.Enqueue(replayOf("2026-01-25", "device2"))
	time.Sleep(2 * time.Millisecond)
	last, _ := q.Enqueue(replayOf("2026-01-26", "device3"))

	jobs, total := q.ListJobs("", 10, 0)
	if total != 3 || len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d (total %d)", len(jobs), total)
	}
	if jobs[0].ID != last || jobs[2].ID != first {
		t.Error("expected jobs ordered newest first")
	}

	jobs, total = q.ListJobs("", 1, 0)
	if len(jobs) != 1 || total != 3 {
		t.Errorf("expected 1 job of 3 with limit=1, got %d of %d", len(jobs), total)
	}

	jobs, _ = q.ListJobs("", 10, 100)
	if len(jobs) != 0 {
		t.Errorf("expected 0 jobs with offset=100, got %d", len(jobs))
	}
}

func TestProcessJob_Success(t *testing.T) {
	var processorCalled atomic.Bool
	processor := func(_ context.Context, job *Job) (*JobResult, error) {
		processorCalled.Store(true)
		if job.Request.DeviceID != "test-device" {
			t.Errorf("processor got device %q", job.Request.DeviceID)
		}
		return &JobResult{
			TotalSamples:   100,
			Arrivals:       []string{"office"},
			TransportModes: map[transport.Mode]int{transport.Walking: 60, transport.Driving: 40},
			PathLengthKM:   25.5,
		}, nil
	}

	m := metrics.New()
	q := NewQueue(1, processor, m)
	defer func() { _ = q.Shutdown(time.Second) }()

	jobID, _ := q.Enqueue(replayOf("2026-01-24", "test-device"))
	job := waitForStatus(t, q, jobID)

	if !processorCalled.Load() {
		t.Error("expected processor to be called")
	}
	if job.Status != StatusCompleted {
		t.Errorf("expected status 'completed', got '%s'", job.Status)
	}
	if job.Result == nil {
		t.Fatal("expected non-nil result")
	}
	if job.Result.PathLengthKM != 25.5 {
		t.Errorf("expected PathLengthKM 25.5, got %.2f", job.Result.PathLengthKM)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("expected start and completion times")
	}

	// copies are detached from the stored job
	job.Result.TransportModes[transport.Walking] = 0
	job.Result.Arrivals[0] = "changed"
	again, _ := q.GetJob(jobID)
	if again.Result.TransportModes[transport.Walking] != 60 || again.Result.Arrivals[0] != "office" {
		t.Error("GetJob must return a deep copy of the result")
	}
}

func TestProcessJob_Failure(t *testing.T) {
	processor := func(_ context.Context, _ *Job) (*JobResult, error) {
		return nil, errors.New("processing failed")
	}

	q := NewQueue(1, processor, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	jobID, _ := q.Enqueue(replayOf("2026-01-24", "test-device"))
	job := waitForStatus(t, q, jobID)

	if job.Status != StatusFailed {
		t.Errorf("expected status 'failed', got '%s'", job.Status)
	}
	if job.ErrorMessage != "processing failed" {
		t.Errorf("unexpected error message %q", job.ErrorMessage)
	}

	failed, total := q.ListJobs(StatusFailed, 10, 0)
	if total != 1 || failed[0].ID != jobID {
		t.Error("expected the failed job when filtering by status")
	}
}

func TestGetStats(t *testing.T) {
	processor := func(_ context.Context, _ *Job) (*JobResult, error) {
		time.Sleep(50 * time.Millisecond)
		return &JobResult{}, nil
	}

	q := NewQueue(1, processor, nil)
	defer func() { _ = q.Shutdown(time.Second) }()

	_, _ = q.Enqueue(replayOf("2026-01-24", "device1"))
	_, _ = q.Enqueue(replayOf("2026-01-25", "device2"))

	stats := q.GetStats()
	if stats["total"] != 2 {
		t.Errorf("expected total 2, got %d", stats["total"])
	}
	if stats["queued"]+stats["processing"]+stats["completed"] != 2 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestShutdown(t *testing.T) {
	q := NewQueue(3, func(context.Context, *Job) (*JobResult, error) { return &JobResult{}, nil }, nil)

	if err := q.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}

	select {
	case <-q.ctx.Done():
	default:
		t.Error("expected context to be canceled")
	}
}
