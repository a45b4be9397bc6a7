package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/push"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultStreamBuffer = 16
)

// SnapshotFetcher is the pull channel.
type SnapshotFetcher interface {
	GetJob(ctx context.Context, jobID string) (job.Snapshot, error)
}

// Hooks are invoked while the job's merge lock is held, in merge order.
// They must not call back into the Reconciler synchronously.
type Hooks struct {
	// OnView is called for every applied update.
	OnView func(JobView)
	// OnTransition is called once per transition, never for a duplicate arriving on the other channel.
	OnTransition func(JobView, Transition)
}

// ReconcilerConfig tunes a Reconciler. Zero values select defaults.
type ReconcilerConfig struct {
	PollInterval time.Duration
	StreamBuffer int
	Hooks        Hooks
	Logger       *slog.Logger
}

// Reconciler merges pushed events and polled snapshots for the jobs it observes.
type Reconciler struct {
	fetcher  SnapshotFetcher
	interval time.Duration
	buffer   int
	hooks    Hooks
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*tracked
}

// tracked is the per-job state. Every field below mu is guarded by it,
// which serializes all merges for the job.
type tracked struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	view    JobView
	out     chan JobView
	polling bool
	stopped bool
}

// NewReconciler creates a reconciler that pulls from fetcher.
func NewReconciler(fetcher SnapshotFetcher, cfg ReconcilerConfig) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		fetcher:  fetcher,
		interval: cfg.PollInterval,
		buffer:   cfg.StreamBuffer,
		hooks:    cfg.Hooks,
		logger:   cfg.Logger,
		jobs:     make(map[string]*tracked),
	}
}

// Observe starts tracking jobID and returns its stream of merged views.
// Polling begins immediately and runs until the job is terminal, Stop is called or ctx is done.
// The stream is closed by Stop.
func (r *Reconciler) Observe(ctx context.Context, jobID, roomKey string) (<-chan JobView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return nil, ErrAlreadyObserved
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &tracked{
		ctx:    tctx,
		cancel: cancel,
		view:   JobView{ID: jobID, RoomKey: roomKey},
		out:    make(chan JobView, r.buffer),
	}
	r.jobs[jobID] = t

	t.mu.Lock()
	r.startPollingLocked(jobID, t)
	t.mu.Unlock()

	r.logger.Debug("observer: observing job", "job_id", jobID, "room", roomKey)
	return t.out, nil
}

// Stop ends observation of jobID, cancels its poller and waits for it to exit.
// It returns the last merged view.
func (r *Reconciler) Stop(jobID string) (JobView, bool) {
	r.mu.Lock()
	t, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return JobView{}, false
	}

	// Cancel under the job lock so a concurrent merge cannot start a new poller behind Wait.
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	close(t.out)
	r.logger.Debug("observer: stopped job", "job_id", jobID, "status", t.view.Status)
	return t.view, true
}

// StopAll stops every observed job.
func (r *Reconciler) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
}

// View returns the current merged view of jobID.
func (r *Reconciler) View(jobID string) (JobView, bool) {
	t := r.lookup(jobID)
	if t == nil {
		return JobView{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view, true
}

// Observed reports whether jobID is currently tracked.
func (r *Reconciler) Observed(jobID string) bool {
	return r.lookup(jobID) != nil
}

// HandlePush merges a pushed event. Events for jobs that are not observed are dropped.
func (r *Reconciler) HandlePush(ev push.JobEvent) {
	t := r.lookup(ev.JobID)
	if t == nil {
		r.logger.Debug("observer: dropped push for unobserved job", "job_id", ev.JobID, "room", ev.RoomKey)
		return
	}
	r.apply(ev.JobID, t, Update{
		JobID:    ev.JobID,
		RoomKey:  ev.RoomKey,
		Status:   ev.Status,
		Progress: ev.Progress,
		Error:    ev.Error,
		Result:   ev.Result,
		Source:   SourcePush,
	})
}

// ApplySnapshot merges a snapshot obtained outside the poll loop.
func (r *Reconciler) ApplySnapshot(s job.Snapshot, src Source) {
	t := r.lookup(s.ID)
	if t == nil {
		return
	}
	r.apply(s.ID, t, UpdateFromSnapshot(s, src))
}

// Reprocessed merges the snapshot taken after a successful reprocess request,
// moving a failed view back to non-terminal and resuming polling.
func (r *Reconciler) Reprocessed(s job.Snapshot) {
	t := r.lookup(s.ID)
	if t == nil {
		return
	}
	u := UpdateFromSnapshot(s, SourceReprocess)
	if u.Status.IsTerminal() {
		// The rerun already finished: pass through pending so the new outcome is a fresh transition.
		r.apply(s.ID, t, Update{JobID: s.ID, RoomKey: s.RoomKey, Status: job.StatusPending, Reprocess: true, Source: SourceReprocess})
		r.apply(s.ID, t, u)
		return
	}
	u.Reprocess = true
	r.apply(s.ID, t, u)
}

func (r *Reconciler) lookup(jobID string) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

// apply runs the merge under the job lock, publishes the view and fires hooks.
// It reports whether the merged status is terminal afterwards.
func (r *Reconciler) apply(jobID string, t *tracked, u Update) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return true
	}
	next, tr, ok := Merge(t.view, u)
	if !ok {
		if IsRegression(t.view, u) {
			r.logger.Warn("observer: ignored out-of-order update",
				"job_id", jobID, "source", u.Source,
				"current_status", t.view.Status, "current_progress", t.view.Progress,
				"update_status", u.Status, "update_progress", u.Progress)
		} else {
			r.logger.Debug("observer: duplicate update", "job_id", jobID, "source", u.Source, "status", u.Status)
		}
		return t.view.Status.IsTerminal()
	}
	t.view = next
	r.emitLocked(t, next)

	if r.hooks.OnView != nil {
		r.hooks.OnView(next)
	}
	if tr != TransitionNone {
		r.logger.Debug("observer: transition", "job_id", jobID, "transition", tr.String(), "source", u.Source, "progress", next.Progress)
		if r.hooks.OnTransition != nil {
			r.hooks.OnTransition(next, tr)
		}
	}
	switch {
	case !next.Status.IsTerminal() && !t.polling:
		r.startPollingLocked(jobID, t)
	case MissingResult(next) && u.Source != SourcePoll:
		r.fetchResultLocked(jobID, t)
	}
	return next.Status.IsTerminal()
}

// emitLocked delivers v without blocking. When the consumer lags, the oldest queued view is
// discarded so the newest one always lands.
func (r *Reconciler) emitLocked(t *tracked, v JobView) {
	select {
	case t.out <- v:
		return
	default:
	}
	select {
	case <-t.out:
	default:
	}
	select {
	case t.out <- v:
	default:
	}
}

func (r *Reconciler) startPollingLocked(jobID string, t *tracked) {
	if t.polling || t.ctx.Err() != nil {
		return
	}
	t.polling = true
	t.wg.Add(1)
	go r.poll(jobID, t)
}

// MissingResult reports whether v is completed but carries no result yet.
func MissingResult(v JobView) bool {
	return v.Status == job.StatusCompleted && len(v.Result) == 0
}

// fetchResultLocked pulls once more after a completion that arrived without its result.
// Polling has ended by then, so this is the only way the result reaches the view.
func (r *Reconciler) fetchResultLocked(jobID string, t *tracked) {
	if t.ctx.Err() != nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		r.pollOnce(jobID, t)
	}()
}

func (r *Reconciler) poll(jobID string, t *tracked) {
	defer t.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.pollOnce(jobID, t)

		t.mu.Lock()
		if t.view.Status.IsTerminal() || t.ctx.Err() != nil {
			t.polling = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			t.mu.Lock()
			t.polling = false
			t.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) pollOnce(jobID string, t *tracked) {
	snap, err := r.fetcher.GetJob(t.ctx, jobID)
	if err != nil {
		if t.ctx.Err() == nil {
			terr := &TransientError{Op: "poll", JobID: jobID, Err: err}
			r.logger.Warn("observer: poll failed, retrying next tick", "job_id", jobID, "error", terr)
		}
		return
	}
	if snap.ID == "" {
		snap.ID = jobID
	}
	r.apply(jobID, t, UpdateFromSnapshot(snap, SourcePoll))
}
