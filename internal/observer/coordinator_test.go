package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch/jobwatch/internal/job"
)

type sinkRecorder struct {
	mu       sync.Mutex
	snaps    []job.Snapshot
	failures []string
}

func (s *sinkRecorder) reprocessed(snap job.Snapshot) {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *sinkRecorder) restartFailed(jobID string, _ error) {
	s.mu.Lock()
	s.failures = append(s.failures, jobID)
	s.mu.Unlock()
}

func (s *sinkRecorder) failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failures...)
}

func (s *sinkRecorder) all() []job.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.Snapshot(nil), s.snaps...)
}

func TestCoordinator_OnDetach(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status      job.Status
		wantCancels int
	}{
		{job.StatusPending, 1},
		{job.StatusProcessing, 1},
		{job.StatusCompleted, 0},
		{job.StatusFailed, 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			api := newFakeAPI()
			api.set(job.Snapshot{ID: "j1", Status: job.StatusProcessing})
			c := NewCoordinator(api, nil, time.Second, nil)

			issued := c.OnDetach("j1", tt.status)
			c.Wait()
			assert.Equal(t, tt.wantCancels == 1, issued)
			assert.Equal(t, tt.wantCancels, api.cancelCount("j1"))
		})
	}
}

func TestCoordinator_CancelFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.cancelErr = errors.New("timeout")
	c := NewCoordinator(api, nil, time.Second, nil)

	assert.True(t, c.OnDetach("j1", job.StatusProcessing))
	c.Wait()
	assert.Equal(t, 1, api.cancelCount("j1"))
}

func TestCoordinator_OnDetachDoesNotBlock(t *testing.T) {
	t.Parallel()
	api := &blockingAPI{fakeAPI: newFakeAPI(), release: make(chan struct{})}
	c := NewCoordinator(api, nil, time.Second, nil)

	done := make(chan struct{})
	go func() {
		c.OnDetach("j1", job.StatusProcessing)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnDetach blocked on the cancel request")
	}
	close(api.release)
	c.Wait()
}

type blockingAPI struct {
	*fakeAPI
	release chan struct{}
}

func (b *blockingAPI) CancelJob(ctx context.Context, _ string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestCoordinator_AutoRestartOnce(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.set(job.Snapshot{ID: "j1", Status: job.StatusFailed, Error: "boom"})
	sink := &sinkRecorder{}
	c := NewCoordinator(api, sink, time.Second, nil)

	assert.True(t, c.AutoRestartIfFailed("j1", job.StatusFailed))
	assert.False(t, c.AutoRestartIfFailed("j1", job.StatusFailed))
	c.Wait()

	assert.Equal(t, 1, api.reprocessCount("j1"))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, job.StatusPending, sink.all()[0].Status)
	assert.True(t, c.Attempted("j1"))
}

func TestCoordinator_AutoRestartFailureIsOneShot(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.set(job.Snapshot{ID: "j1", Status: job.StatusFailed})
	api.reprocessErr = errors.New("pipeline down")
	sink := &sinkRecorder{}
	c := NewCoordinator(api, sink, time.Second, nil)

	for range 5 {
		c.AutoRestartIfFailed("j1", job.StatusFailed)
	}
	c.Wait()
	assert.Equal(t, 1, api.reprocessCount("j1"))
	assert.Empty(t, sink.all())
	assert.Equal(t, []string{"j1"}, sink.failed())
}

func TestCoordinator_AutoRestartIgnoresOtherStatuses(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := NewCoordinator(api, nil, time.Second, nil)

	assert.False(t, c.AutoRestartIfFailed("j1", job.StatusCompleted))
	assert.False(t, c.AutoRestartIfFailed("j1", job.StatusProcessing))
	assert.False(t, c.Attempted("j1"))
}

func TestCoordinator_FetchFailureAfterReprocessAssumesPending(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.set(job.Snapshot{ID: "j1", Status: job.StatusFailed})
	sink := &sinkRecorder{}
	c := NewCoordinator(&failingGetAPI{fakeAPI: api}, sink, time.Second, nil)

	c.AutoRestartIfFailed("j1", job.StatusFailed)
	c.Wait()
	require.Len(t, sink.all(), 1)
	assert.Equal(t, job.Snapshot{ID: "j1", Status: job.StatusPending}, sink.all()[0])
}

type failingGetAPI struct {
	*fakeAPI
}

func (f *failingGetAPI) GetJob(context.Context, string) (job.Snapshot, error) {
	return job.Snapshot{}, errors.New("connection reset")
}
