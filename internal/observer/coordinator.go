package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobwatch/jobwatch/internal/job"
)

const defaultCancelTimeout = 5 * time.Second

// JobAPI is the slice of the job service the session talks to.
type JobAPI interface {
	SnapshotFetcher
	ReprocessJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
}

// restartSink learns how an automatic restart ended: the snapshot taken after an
// accepted reprocess, or the error that refused it.
type restartSink interface {
	reprocessed(s job.Snapshot)
	restartFailed(jobID string, err error)
}

// Coordinator issues advisory cancellations on detach and at most one automatic
// reprocess per failed job for the lifetime of its session.
// Neither call blocks the caller; both run in the background and only log failures.
type Coordinator struct {
	api     JobAPI
	sink    restartSink
	timeout time.Duration
	logger  *slog.Logger

	mu               sync.Mutex
	restartAttempted map[string]bool

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. timeout bounds each background call.
func NewCoordinator(api JobAPI, sink restartSink, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultCancelTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		api:              api,
		sink:             sink,
		timeout:          timeout,
		logger:           logger,
		restartAttempted: make(map[string]bool),
	}
}

// OnDetach requests cancellation of a job the observer no longer watches,
// if its last known status is pending or processing. It reports whether a request was issued.
func (c *Coordinator) OnDetach(jobID string, status job.Status) bool {
	if status != job.StatusPending && status != job.StatusProcessing {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.api.CancelJob(ctx, jobID); err != nil {
			c.logger.Warn("observer: cancel request failed", "job_id", jobID, "error", err)
			return
		}
		c.logger.Info("observer: cancel requested", "job_id", jobID, "last_status", status)
	}()
	return true
}

// AutoRestartIfFailed reprocesses a failed job once per session. It reports whether an
// attempt was started; a second call for the same job never starts another, even if the first failed.
func (c *Coordinator) AutoRestartIfFailed(jobID string, status job.Status) bool {
	if status != job.StatusFailed {
		return false
	}
	c.mu.Lock()
	if c.restartAttempted[jobID] {
		c.mu.Unlock()
		return false
	}
	c.restartAttempted[jobID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.restart(jobID)
	}()
	return true
}

// Attempted reports whether an automatic restart was already tried for jobID.
func (c *Coordinator) Attempted(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartAttempted[jobID]
}

// Wait blocks until all background requests have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) restart(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.api.ReprocessJob(ctx, jobID); err != nil {
		c.logger.Warn("observer: auto-restart failed, leaving job failed", "job_id", jobID, "error", err)
		if c.sink != nil {
			c.sink.restartFailed(jobID, err)
		}
		return
	}
	c.logger.Info("observer: auto-restarted failed job", "job_id", jobID)

	snap, err := c.api.GetJob(ctx, jobID)
	if err != nil {
		// The server accepted the reprocess, so the job is pending whatever the fetch says.
		c.logger.Warn("observer: fetch after reprocess failed", "job_id", jobID, "error", err)
		snap = job.Snapshot{ID: jobID, Status: job.StatusPending}
	}
	if c.sink != nil {
		c.sink.reprocessed(snap)
	}
}
