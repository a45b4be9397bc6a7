package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/push"
	"github.com/jobwatch/jobwatch/internal/rooms"
)

const defaultEstimateTick = time.Second

// SessionConfig configures a Session. Zero durations select defaults.
type SessionConfig struct {
	PollInterval  time.Duration
	EstimateTick  time.Duration
	CancelTimeout time.Duration
	// OnTransition is called once per job transition, under the job's merge lock.
	OnTransition func(JobView, Transition)
	// OnRestartFailed is called from a background goroutine when the automatic restart
	// of a failed job is refused. The view stays failed and no other attempt follows.
	OnRestartFailed func(jobID string, err error)
	Logger          *slog.Logger
}

// Session is the state owned by one observing surface: the jobs it watches, the rooms it holds
// and the jobs it has already tried to restart. Sessions never share state with each other.
type Session struct {
	rooms        *rooms.Manager
	reconciler   *Reconciler
	estimator    *Estimator
	coordinator  *Coordinator
	netTimeout   time.Duration
	onTrans      func(JobView, Transition)
	onRestartErr func(string, error)
	logger       *slog.Logger

	mu       sync.Mutex
	observed map[string]string
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession wires a session to the job API and the push transport and starts its estimate ticker.
func NewSession(api JobAPI, transport rooms.Transport, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EstimateTick <= 0 {
		cfg.EstimateTick = defaultEstimateTick
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = defaultCancelTimeout
	}
	id := uuid.New().String()
	logger := cfg.Logger.With("session", id)

	s := &Session{
		rooms:        rooms.NewManager(transport, logger),
		estimator:    NewEstimator(),
		netTimeout:   cfg.CancelTimeout,
		onTrans:      cfg.OnTransition,
		onRestartErr: cfg.OnRestartFailed,
		logger:       logger,
		observed:     make(map[string]string),
	}
	s.reconciler = NewReconciler(api, ReconcilerConfig{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Hooks: Hooks{
			OnView:       s.estimator.Track,
			OnTransition: s.handleTransition,
		},
	})
	s.coordinator = NewCoordinator(api, s, cfg.CancelTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.tick(ctx, cfg.EstimateTick)
	return s
}

// Rooms exposes the room manager so the transport owner can replay membership after a reconnect.
func (s *Session) Rooms() *rooms.Manager { return s.rooms }

// Attach starts observing jobID. Joining roomKey happens in the background and is best
// effort: if it fails, polling alone keeps the view current.
func (s *Session) Attach(ctx context.Context, jobID, roomKey string) (<-chan JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, ok := s.observed[jobID]; ok {
		return nil, ErrAlreadyObserved
	}
	views, err := s.reconciler.Observe(ctx, jobID, roomKey)
	if err != nil {
		return nil, err
	}
	s.observed[jobID] = roomKey
	if roomKey != "" && s.rooms.Hold(roomKey) {
		s.syncRoom(roomKey)
	}
	s.logger.Info("observer: attached", "job_id", jobID, "room", roomKey)
	return views, nil
}

// Detach stops observing jobID and returns its last view. A job still pending or processing
// gets a background cancel request, and the room is left in the background; Detach itself
// never waits on the network.
func (s *Session) Detach(jobID string) (JobView, bool) {
	s.mu.Lock()
	roomKey, ok := s.observed[jobID]
	if ok {
		delete(s.observed, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return JobView{}, false
	}
	return s.detach(jobID, roomKey), true
}

func (s *Session) detach(jobID, roomKey string) JobView {
	view, _ := s.reconciler.Stop(jobID)
	s.estimator.Forget(jobID)
	s.coordinator.OnDetach(jobID, view.Status)
	if roomKey != "" && s.rooms.Release(roomKey) {
		s.syncRoom(roomKey)
	}
	s.logger.Info("observer: detached", "job_id", jobID, "status", view.Status, "progress", view.Progress)
	return view
}

// syncRoom brings the connection's membership of room in line with the session's interest.
func (s *Session) syncRoom(room string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.netTimeout)
		defer cancel()
		if err := s.rooms.Sync(ctx, room); err != nil {
			s.logger.Warn("observer: room sync failed, relying on polling", "room", room, "error", err)
		}
	}()
}

// HandleMessage routes a push frame to the reconciler. Frames for rooms or jobs this session
// does not observe are dropped.
func (s *Session) HandleMessage(msg push.Message) {
	if msg.Type != push.MessageTypeJobStatus && msg.Type != push.MessageTypeJobProgress {
		return
	}
	if msg.Room != "" && !s.rooms.Observed(msg.Room) {
		s.logger.Debug("observer: dropped frame for unobserved room", "room", msg.Room, "type", msg.Type)
		return
	}
	var ev push.JobEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("observer: invalid job event", "type", msg.Type, "error", err)
		return
	}
	s.reconciler.HandlePush(ev)
}

// View returns the merged view of an attached job.
func (s *Session) View(jobID string) (JobView, bool) {
	return s.reconciler.View(jobID)
}

// Remaining returns the running time estimate for jobID in seconds.
func (s *Session) Remaining(jobID string) (int, bool) {
	return s.estimator.Remaining(jobID)
}

// RestartAttempted reports whether this session already tried to restart jobID.
func (s *Session) RestartAttempted(jobID string) bool {
	return s.coordinator.Attempted(jobID)
}

// Close detaches every job, stops the ticker and waits for background requests.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	observed := s.observed
	s.observed = make(map[string]string)
	s.mu.Unlock()

	for jobID, roomKey := range observed {
		s.detach(jobID, roomKey)
	}
	s.cancel()
	s.wg.Wait()
	s.coordinator.Wait()
}

// handleTransition runs under the job's merge lock.
func (s *Session) handleTransition(v JobView, tr Transition) {
	// Revision 1 is the first view after attach: a job that is already failed gets one restart.
	if tr == TransitionFailed && v.Revision == 1 {
		s.coordinator.AutoRestartIfFailed(v.ID, v.Status)
	}
	if s.onTrans != nil {
		s.onTrans(v, tr)
	}
}

func (s *Session) reprocessed(snap job.Snapshot) {
	s.reconciler.Reprocessed(snap)
}

func (s *Session) restartFailed(jobID string, err error) {
	if s.onRestartErr != nil {
		s.onRestartErr(jobID, err)
	}
}

func (s *Session) tick(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.estimator.Tick()
		}
	}
}
