package observer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobwatch/jobwatch/internal/job"
)

func view(status job.Status, progress int) JobView {
	return JobView{ID: "j1", RoomKey: "course:1", Status: status, Progress: progress}
}

func upd(status job.Status, progress int) Update {
	return Update{JobID: "j1", Status: status, Progress: progress, Source: SourcePush}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		cur          JobView
		u            Update
		wantApplied  bool
		wantStatus   job.Status
		wantProgress int
		wantTr       Transition
	}{
		{"unknown accepts pending", JobView{ID: "j1"}, upd(job.StatusPending, 0), true, job.StatusPending, 0, TransitionNone},
		{"unknown accepts completed", JobView{ID: "j1"}, upd(job.StatusCompleted, 70), true, job.StatusCompleted, 100, TransitionCompleted},
		{"unknown accepts failed", JobView{ID: "j1"}, upd(job.StatusFailed, 30), true, job.StatusFailed, 30, TransitionFailed},
		{"pending to processing", view(job.StatusPending, 0), upd(job.StatusProcessing, 5), true, job.StatusProcessing, 5, TransitionStarted},
		{"forward move keeps larger progress", view(job.StatusPending, 30), upd(job.StatusProcessing, 10), true, job.StatusProcessing, 30, TransitionStarted},
		{"progress increase", view(job.StatusProcessing, 40), upd(job.StatusProcessing, 41), true, job.StatusProcessing, 41, TransitionProgress},
		{"equal progress ignored", view(job.StatusProcessing, 40), upd(job.StatusProcessing, 40), false, job.StatusProcessing, 40, TransitionNone},
		{"progress regression ignored", view(job.StatusProcessing, 40), upd(job.StatusProcessing, 20), false, job.StatusProcessing, 40, TransitionNone},
		{"status regression ignored", view(job.StatusProcessing, 40), upd(job.StatusPending, 90), false, job.StatusProcessing, 40, TransitionNone},
		{"processing to completed", view(job.StatusProcessing, 40), upd(job.StatusCompleted, 90), true, job.StatusCompleted, 100, TransitionCompleted},
		{"processing to failed", view(job.StatusProcessing, 40), upd(job.StatusFailed, 0), true, job.StatusFailed, 40, TransitionFailed},
		{"completed is final", view(job.StatusCompleted, 100), upd(job.StatusFailed, 0), false, job.StatusCompleted, 100, TransitionNone},
		{"completed duplicate", view(job.StatusCompleted, 100), upd(job.StatusCompleted, 100), false, job.StatusCompleted, 100, TransitionNone},
		{"failed ignores pending", view(job.StatusFailed, 40), upd(job.StatusPending, 0), false, job.StatusFailed, 40, TransitionNone},
		{"progress clamped", view(job.StatusProcessing, 40), upd(job.StatusProcessing, 250), true, job.StatusProcessing, 100, TransitionProgress},
		{"invalid status ignored", view(job.StatusProcessing, 40), upd("exploded", 90), false, job.StatusProcessing, 40, TransitionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tr, applied := Merge(tt.cur, tt.u)
			assert.Equal(t, tt.wantApplied, applied)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantProgress, got.Progress)
			assert.Equal(t, tt.wantTr, tr)
		})
	}
}

func TestMerge_Reprocess(t *testing.T) {
	t.Parallel()
	cur := view(job.StatusFailed, 60)
	cur.Error = "boom"

	u := upd(job.StatusPending, 0)
	u.Reprocess = true
	got, tr, applied := Merge(cur, u)
	assert.True(t, applied)
	assert.Equal(t, TransitionReprocessed, tr)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Zero(t, got.Progress)
	assert.Empty(t, got.Error)

	// Reprocess never reopens a completed job.
	_, _, applied = Merge(view(job.StatusCompleted, 100), u)
	assert.False(t, applied)
}

func TestMerge_TerminalPayload(t *testing.T) {
	t.Parallel()
	u := upd(job.StatusCompleted, 100)
	u.Result = []byte(`{"pages":3}`)
	got, _, _ := Merge(view(job.StatusProcessing, 50), u)
	assert.JSONEq(t, `{"pages":3}`, string(got.Result))
	assert.Empty(t, got.Error)

	u = upd(job.StatusFailed, 50)
	u.Error = "decoder crashed"
	got, _, _ = Merge(view(job.StatusProcessing, 50), u)
	assert.Equal(t, "decoder crashed", got.Error)
	assert.Nil(t, got.Result)
}

func TestMerge_CompletedBackfillsResult(t *testing.T) {
	t.Parallel()
	cur, tr, _ := Merge(view(job.StatusProcessing, 50), upd(job.StatusCompleted, 100))
	assert.Equal(t, TransitionCompleted, tr)
	assert.True(t, MissingResult(cur))

	u := upd(job.StatusCompleted, 100)
	u.Source = SourcePoll
	u.Result = []byte(`{"pages":3}`)
	got, tr, applied := Merge(cur, u)
	assert.True(t, applied)
	assert.Equal(t, TransitionNone, tr)
	assert.JSONEq(t, `{"pages":3}`, string(got.Result))
	assert.Equal(t, cur.Revision+1, got.Revision)

	u.Result = []byte(`{"pages":4}`)
	_, _, applied = Merge(got, u)
	assert.False(t, applied, "a result is never replaced")
}

func TestMerge_RevisionAndRoom(t *testing.T) {
	t.Parallel()
	u := upd(job.StatusPending, 0)
	u.RoomKey = "course:7"
	got, _, _ := Merge(JobView{ID: "j1"}, u)
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, "course:7", got.RoomKey)

	got, _, _ = Merge(got, upd(job.StatusProcessing, 10))
	assert.Equal(t, uint64(2), got.Revision)
}

func TestIsRegression(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRegression(view(job.StatusProcessing, 40), upd(job.StatusProcessing, 20)))
	assert.True(t, IsRegression(view(job.StatusProcessing, 40), upd(job.StatusPending, 0)))
	assert.True(t, IsRegression(view(job.StatusCompleted, 100), upd(job.StatusProcessing, 99)))
	assert.False(t, IsRegression(view(job.StatusProcessing, 40), upd(job.StatusProcessing, 40)))
	assert.False(t, IsRegression(view(job.StatusCompleted, 100), upd(job.StatusCompleted, 100)))
	assert.False(t, IsRegression(JobView{ID: "j1"}, upd(job.StatusPending, 0)))
}

// Random interleavings of push and poll never move the view backwards.
func TestMerge_MonotonicUnderRandomInterleaving(t *testing.T) {
	t.Parallel()
	statuses := []job.Status{job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusFailed}
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 200; run++ {
		cur := JobView{ID: "j1"}
		completions := 0
		for step := 0; step < 50; step++ {
			u := Update{
				JobID:    "j1",
				Status:   statuses[rng.IntN(len(statuses))],
				Progress: rng.IntN(120) - 10,
				Source:   []Source{SourcePush, SourcePoll}[rng.IntN(2)],
			}
			next, tr, applied := Merge(cur, u)
			if tr == TransitionCompleted {
				completions++
			}
			if cur.Status != "" {
				assert.GreaterOrEqual(t, next.Status.Rank(), cur.Status.Rank())
				if next.Status == cur.Status {
					assert.GreaterOrEqual(t, next.Progress, cur.Progress)
				}
			}
			assert.GreaterOrEqual(t, next.Progress, 0)
			assert.LessOrEqual(t, next.Progress, 100)
			if !applied {
				assert.Equal(t, cur, next)
			}
			cur = next
		}
		assert.LessOrEqual(t, completions, 1)
	}
}
