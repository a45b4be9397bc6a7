package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobwatch/jobwatch/internal/config"
	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/push"
	"github.com/jobwatch/jobwatch/internal/worker"
)

// CancelReason is the error recorded on a job stopped by an observer.
const CancelReason = "cancelled by observer"

// Runner executes one job's extraction.
type Runner func(ctx context.Context, extractorPath, source string, onProgress worker.ProgressCallback) (json.RawMessage, error)

// NotificationStore is the slice of the notification store the queue writes to.
type NotificationStore interface {
	Create(ctx context.Context, n *notification.Notification) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// CallbackSender posts job callbacks.
type CallbackSender interface {
	Send(ctx context.Context, callbackURL string, payload []byte)
}

// Queue owns job execution: a bounded channel of job ids drained by N workers.
// Every state change it makes is written to the store first, then pushed to the job's room.
type Queue struct {
	jobs    chan string
	store   job.Store
	notes   NotificationStore
	pub     push.Publisher
	hooks   CallbackSender
	cfg     *config.Config
	run     Runner
	logger  *slog.Logger
	running map[string]*execution
	mu      sync.Mutex
	workers sync.WaitGroup
}

// execution is one in-flight run of a job. A reprocessed job may briefly have two.
type execution struct {
	stop context.CancelFunc
}

// New creates a new Queue.
func New(cfg *config.Config, store job.Store, notes NotificationStore, pub push.Publisher, hooks CallbackSender, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:    make(chan string, cfg.QueueSize),
		store:   store,
		notes:   notes,
		pub:     pub,
		hooks:   hooks,
		cfg:     cfg,
		run:     worker.Run,
		logger:  logger,
		running: make(map[string]*execution),
	}
}

// Enqueue adds a job ID to the queue. Returns an error if the queue is full.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start launches N workers (cfg.Concurrency) as goroutines.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Concurrency {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			q.runWorker(ctx)
		}()
	}
}

// Wait blocks until every worker started by Start has returned.
func (q *Queue) Wait() {
	q.workers.Wait()
}

// Recovery resets "processing" jobs and re-enqueues them along with pending ones.
func (q *Queue) Recovery(ctx context.Context) error {
	ids, err := q.store.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("reset processing: %w", err)
	}
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			q.logger.Warn("recovery: failed to enqueue job", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		q.logger.Info("recovery: re-enqueued jobs", "count", len(ids))
	}
	return nil
}

// Cancel stops a job that has not finished. It reports false, with no error, when the job was
// already terminal: cancellation is advisory and losing the race to completion is not a failure.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	applied, err := q.store.Cancel(ctx, jobID, CancelReason)
	if err != nil {
		return false, err
	}
	if !applied {
		q.logger.Info("cancel: job already terminal", "job_id", jobID)
		return false, nil
	}

	q.mu.Lock()
	if e, ok := q.running[jobID]; ok {
		e.stop()
	}
	q.mu.Unlock()

	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return true, fmt.Errorf("reload cancelled job: %w", err)
	}
	q.logger.Info("job cancelled", "job_id", jobID)
	q.finalize(ctx, j, notification.TypeJobCancelled)
	return true, nil
}

// Reprocess moves a failed job back to pending and queues it again.
func (q *Queue) Reprocess(ctx context.Context, jobID string) (*job.Job, error) {
	if err := q.store.Reprocess(ctx, jobID); err != nil {
		return nil, err
	}
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload reprocessed job: %w", err)
	}
	if err := q.Enqueue(jobID); err != nil {
		// Leave the job failed rather than pending forever.
		if ferr := q.store.Fail(ctx, jobID, err.Error()); ferr != nil {
			q.logger.Error("reprocess: fail after enqueue error", "job_id", jobID, "error", ferr)
		}
		return nil, err
	}
	q.publishJob(ctx, push.MessageTypeJobStatus, j)
	q.logger.Info("job reprocessed", "job_id", jobID)
	return j, nil
}

// StartCleanup purges terminal jobs older than the job TTL and notifications older than
// the notification TTL, once at start and then every cleanup interval.
func (q *Queue) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			q.cleanup(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (q *Queue) cleanup(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := q.store.DeleteTerminalBefore(ctx, now.Add(-q.cfg.JobTTL))
	if err != nil {
		q.logger.Error("cleanup: delete jobs", "error", err)
	}
	notes, err := q.notes.DeleteBefore(ctx, now.Add(-q.cfg.NotificationTTL))
	if err != nil {
		q.logger.Error("cleanup: delete notifications", "error", err)
	}
	if jobs > 0 || notes > 0 {
		q.logger.Info("cleanup: purged expired records", "jobs", jobs, "notifications", notes)
	}
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	if err := q.store.MarkProcessing(ctx, jobID); err != nil {
		// Cancelled or deleted while queued.
		q.logger.Info("worker: skipping job", "job_id", jobID, "reason", err)
		return
	}
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.logger.Error("worker: get job", "job_id", jobID, "error", err)
		return
	}
	q.publishJob(ctx, push.MessageTypeJobStatus, j)

	jobCtx, stop := context.WithCancel(ctx)
	exec := &execution{stop: stop}
	q.mu.Lock()
	q.running[jobID] = exec
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		if q.running[jobID] == exec {
			delete(q.running, jobID)
		}
		q.mu.Unlock()
		stop()
	}()

	onProgress := func(progress int, stage string) {
		applied, err := q.store.UpdateProgress(jobCtx, jobID, progress)
		if err != nil || !applied {
			return
		}
		q.publish(ctx, push.MessageTypeJobProgress, j.RoomKey, push.JobEvent{
			JobID:    jobID,
			RoomKey:  j.RoomKey,
			Status:   job.StatusProcessing,
			Progress: progress,
		})
		q.logger.Debug("worker: progress", "job_id", jobID, "progress", progress, "stage", stage)
	}

	result, runErr := q.run(jobCtx, q.cfg.ExtractorPath, j.Source, onProgress)

	if ctx.Err() != nil {
		// Shutdown: leave the job processing, Recovery picks it up on the next start.
		return
	}
	if jobCtx.Err() != nil {
		// Cancel already finalized the job.
		return
	}

	typ := notification.TypeJobCompleted
	if runErr != nil {
		typ = notification.TypeJobFailed
		err = q.store.Fail(ctx, jobID, runErr.Error())
	} else {
		err = q.store.Complete(ctx, jobID, result)
	}
	if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrNotFound) {
		q.logger.Info("worker: job changed underneath, dropping outcome", "job_id", jobID, "error", err)
		return
	}
	if err != nil {
		q.logger.Error("worker: finalize job", "job_id", jobID, "error", err)
		return
	}

	final, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.logger.Error("worker: reload finished job", "job_id", jobID, "error", err)
		return
	}
	q.logger.Info("job finished", "job_id", jobID, "status", final.Status)
	q.finalize(ctx, final, typ)
}

// finalize publishes the terminal status, records the owner's notification and fires the callback.
func (q *Queue) finalize(ctx context.Context, j *job.Job, typ notification.Type) {
	q.publishJob(ctx, push.MessageTypeJobStatus, j)

	n := newNotification(j, typ)
	if err := q.notes.Create(ctx, n); err != nil {
		q.logger.Error("notify: create notification", "job_id", j.ID, "error", err)
	} else {
		q.publish(ctx, push.MessageTypeNotificationNew, push.UserRoom(j.OwnerID), n)
	}

	if j.CallbackURL != "" {
		payload, err := json.Marshal(j)
		if err != nil {
			q.logger.Error("webhook: marshal payload", "job_id", j.ID, "error", err)
			return
		}
		q.hooks.Send(context.WithoutCancel(ctx), j.CallbackURL, payload)
	}
}

func (q *Queue) publishJob(ctx context.Context, typ push.MessageType, j *job.Job) {
	q.publish(ctx, typ, j.RoomKey, push.JobEventFrom(j))
}

// publish is best effort: observers fall back to polling when a frame is lost.
func (q *Queue) publish(ctx context.Context, typ push.MessageType, room string, data any) {
	msg, err := push.NewMessage(typ, room, data)
	if err == nil {
		err = q.pub.Publish(ctx, msg)
	}
	if err != nil {
		q.logger.Warn("push: publish failed", "type", typ, "room", room, "error", err)
	}
}

func newNotification(j *job.Job, typ notification.Type) *notification.Notification {
	title, message := "Job completed", fmt.Sprintf("Processing of %s finished.", j.Source)
	switch typ {
	case notification.TypeJobFailed:
		title, message = "Job failed", fmt.Sprintf("Processing of %s failed: %s", j.Source, j.Error)
	case notification.TypeJobCancelled:
		title, message = "Job cancelled", fmt.Sprintf("Processing of %s was cancelled.", j.Source)
	}
	meta, _ := json.Marshal(map[string]string{
		"job_id":   j.ID,
		"room_key": j.RoomKey,
		"status":   string(j.Status),
	})
	return &notification.Notification{
		ID:        uuid.New().String(),
		UserID:    j.OwnerID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
}
