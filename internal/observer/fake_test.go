package observer

import (
	"context"
	"errors"
	"sync"

	"github.com/jobwatch/jobwatch/internal/job"
)

// fakeAPI is an in-memory job service. Cancel and reprocess follow the server rules:
// cancel only touches non-terminal jobs, reprocess only failed ones.
type fakeAPI struct {
	mu           sync.Mutex
	jobs         map[string]job.Snapshot
	getErr       error
	cancelErr    error
	reprocessErr error
	gets         map[string]int
	cancels      map[string]int
	reprocesses  map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		jobs:        make(map[string]job.Snapshot),
		gets:        make(map[string]int),
		cancels:     make(map[string]int),
		reprocesses: make(map[string]int),
	}
}

func (f *fakeAPI) set(s job.Snapshot) {
	f.mu.Lock()
	f.jobs[s.ID] = s
	f.mu.Unlock()
}

func (f *fakeAPI) setGetErr(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *fakeAPI) GetJob(_ context.Context, jobID string) (job.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[jobID]++
	if f.getErr != nil {
		return job.Snapshot{}, f.getErr
	}
	s, ok := f.jobs[jobID]
	if !ok {
		return job.Snapshot{}, job.ErrNotFound
	}
	return s, nil
}

func (f *fakeAPI) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[jobID]++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	s, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if !s.Status.IsTerminal() {
		f.jobs[jobID] = job.Snapshot{ID: jobID, RoomKey: s.RoomKey, Status: job.StatusFailed, Progress: s.Progress, Error: "cancelled by observer"}
	}
	return nil
}

func (f *fakeAPI) ReprocessJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprocesses[jobID]++
	if f.reprocessErr != nil {
		return f.reprocessErr
	}
	s, ok := f.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if s.Status != job.StatusFailed {
		return errors.New("job is not failed")
	}
	f.jobs[jobID] = job.Snapshot{ID: jobID, RoomKey: s.RoomKey, Status: job.StatusPending}
	return nil
}

func (f *fakeAPI) count(m map[string]int, jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[jobID]
}

func (f *fakeAPI) cancelCount(jobID string) int    { return f.count(f.cancels, jobID) }
func (f *fakeAPI) reprocessCount(jobID string) int { return f.count(f.reprocesses, jobID) }
func (f *fakeAPI) getCount(jobID string) int       { return f.count(f.gets, jobID) }

type transitionLog struct {
	mu      sync.Mutex
	entries []Transition
}

func (l *transitionLog) record(_ JobView, tr Transition) {
	l.mu.Lock()
	l.entries = append(l.entries, tr)
	l.mu.Unlock()
}

func (l *transitionLog) count(tr Transition) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e == tr {
			n++
		}
	}
	return n
}
