// Package queue provides an in-memory job queue with a worker pool for
// replaying recorded location history through the travel engines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/arrival"
	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/transport"
)

// JobStatus represents the state of a replay job
type JobStatus string

// Job status constants define the lifecycle states
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

var (
	// ErrQueueFull is returned when the pending buffer is exhausted
	ErrQueueFull = errors.New("queue is full")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
)

const pendingCapacity = 100

// Request describes what to replay: the recorded fixes of a device between
// two dates (YYYY-MM-DD, inclusive), against optional places and route
type Request struct {
	StartDate string
	EndDate   string
	DeviceID  string
	Places    []arrival.Place
	Route     string
	RouteMode transport.Mode
}

// Job represents a replay job
type Job struct {
	ID           string
	Request      Request
	Status       JobStatus
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Result       *JobResult
}

// JobResult summarizes a replay
type JobResult struct {
	CSVPath          string
	TotalSamples     int
	DroppedSamples   int
	Arrivals         []string
	RouteDeviations  int
	ETANotifications int
	TransportModes   map[transport.Mode]int
	PathLengthKM     float64
	MaxFromHomeKM    float64
	MinFromHomeKM    float64
	ProcessingTimeMS int64
}

// ProcessFunc is a function that processes a job
type ProcessFunc func(ctx context.Context, job *Job) (*JobResult, error)

// Queue manages replay jobs with a worker pool
type Queue struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	pendingQueue chan *Job
	workers      int
	processor    ProcessFunc
	metrics      *metrics.Metrics
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewQueue creates a new job queue with the specified number of workers.
// m may be nil.
func NewQueue(workers int, processor ProcessFunc, m *metrics.Metrics) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:         make(map[string]*Job),
		pendingQueue: make(chan *Job, pendingCapacity),
		workers:      workers,
		processor:    processor,
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(req Request) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := &Job{
		ID:       uuid.New().String(),
		Request:  req,
		Status:   StatusQueued,
		QueuedAt: time.Now().UTC(),
	}

	select {
	case q.pendingQueue <- job:
		q.jobs[job.ID] = job
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// GetJob retrieves a copy of a job by ID
func (q *Queue) GetJob(jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return copyJob(job), nil
}

func copyJob(job *Job) *Job {
	jobCopy := *job
	if job.StartedAt != nil {
		startedCopy := *job.StartedAt
		jobCopy.StartedAt = &startedCopy
	}
	if job.CompletedAt != nil {
		completedCopy := *job.CompletedAt
		jobCopy.CompletedAt = &completedCopy
	}
	if job.Result != nil {
		resultCopy := *job.Result
		resultCopy.Arrivals = append([]string(nil), job.Result.Arrivals...)
		resultCopy.TransportModes = make(map[transport.Mode]int, len(job.Result.TransportModes))
		for m, n := range job.Result.TransportModes {
			resultCopy.TransportModes[m] = n
		}
		jobCopy.Result = &resultCopy
	}
	jobCopy.Request.Places = append([]arrival.Place(nil), job.Request.Places...)
	return &jobCopy
}

// ListJobs returns jobs filtered by status, newest first, and the number of
// jobs matching the filter before pagination
func (q *Queue) ListJobs(status JobStatus, limit, offset int) ([]*Job, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var filtered []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			filtered = append(filtered, copyJob(job))
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].QueuedAt.Equal(filtered[j].QueuedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].QueuedAt.After(filtered[j].QueuedAt)
	})

	total := len(filtered)
	if offset < 0 || offset > total {
		return []*Job{}, total
	}

	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	return filtered[offset:end], total
}

// GetStats returns queue statistics
func (q *Queue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":      len(q.jobs),
		"queued":     0,
		"processing": 0,
		"completed":  0,
		"failed":     0,
	}

	for _, job := range q.jobs {
		stats[string(job.Status)]++
	}

	return stats
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.pendingQueue:
			q.processJob(id, job)
		}
	}
}

func (q *Queue) processJob(workerID int, job *Job) {
	startTime := time.Now()

	q.mu.Lock()
	job.Status = StatusProcessing
	now := time.Now().UTC()
	job.StartedAt = &now
	req := job.Request
	q.mu.Unlock()

	log.Debug().
		Int("worker", workerID).
		Str("job_id", job.ID).
		Msg("Replay job started")

	// the processor works on a snapshot so readers never race with it
	result, err := q.processor(q.ctx, &Job{ID: job.ID, Request: req, Status: StatusProcessing, QueuedAt: job.QueuedAt, StartedAt: &now})

	q.mu.Lock()
	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if err != nil {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
	} else {
		job.Status = StatusCompleted
		job.Result = result
		if result != nil {
			result.ProcessingTimeMS = time.Since(startTime).Milliseconds()
		}
	}
	status := job.Status
	q.mu.Unlock()

	q.metrics.ReplayJob(string(status))

	log.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Dur("took", time.Since(startTime)).
		Msg("Replay job finished")
}

// Shutdown gracefully shuts down the queue
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
