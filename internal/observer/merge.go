// Package observer keeps a local, monotonic view of remote jobs by merging pushed events
// with polled snapshots, and drives the side effects that hang off job transitions.
package observer

import (
	"encoding/json"

	"github.com/jobwatch/jobwatch/internal/job"
)

// Source identifies the channel an update arrived on.
type Source string

const (
	SourcePush      Source = "push"
	SourcePoll      Source = "poll"
	SourceReprocess Source = "reprocess"
)

// JobView is the local mirror of a job. Revision counts applied updates since observation began.
type JobView struct {
	ID       string          `json:"job_id"`
	RoomKey  string          `json:"room_key"`
	Status   job.Status      `json:"status"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Revision uint64          `json:"revision"`
}

// Update is one inbound observation of a job, from either channel.
type Update struct {
	JobID    string
	RoomKey  string
	Status   job.Status
	Progress int
	Error    string
	Result   json.RawMessage
	// Reprocess marks the update that follows an explicit reprocess request,
	// the only way out of the failed status.
	Reprocess bool
	Source    Source
}

// Transition classifies what an applied update changed.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionProgress
	TransitionStarted
	TransitionCompleted
	TransitionFailed
	TransitionReprocessed
)

func (t Transition) String() string {
	switch t {
	case TransitionProgress:
		return "progress"
	case TransitionStarted:
		return "started"
	case TransitionCompleted:
		return "completed"
	case TransitionFailed:
		return "failed"
	case TransitionReprocessed:
		return "reprocessed"
	}
	return "none"
}

// UpdateFromSnapshot converts a pulled snapshot into an update.
func UpdateFromSnapshot(s job.Snapshot, src Source) Update {
	return Update{
		JobID:    s.ID,
		RoomKey:  s.RoomKey,
		Status:   s.Status,
		Progress: s.Progress,
		Error:    s.Error,
		Result:   s.Result,
		Source:   src,
	}
}

// Merge applies u to cur and reports the resulting view, the transition it achieved and whether
// anything changed. It is the single merge rule for both channels:
//
//   - a view with unknown status accepts any valid update;
//   - a failed view accepts a reprocess update back to pending or processing, with progress reset;
//   - a terminal view ignores everything else;
//   - an update ranking below the current status is ignored;
//   - a forward status move applies, keeping the larger progress;
//   - the same status applies only when progress strictly increases;
//   - a completed view still missing its result takes it from a later completed update,
//     without a new transition.
//
// Merge never mutates cur.
func Merge(cur JobView, u Update) (JobView, Transition, bool) {
	if !u.Status.Valid() {
		return cur, TransitionNone, false
	}
	progress := clampProgress(u.Progress)

	if u.Reprocess && cur.Status == job.StatusFailed && !u.Status.IsTerminal() {
		next := cur
		next.Status = u.Status
		next.Progress = progress
		next.Error = ""
		next.Result = nil
		return bump(next, u), TransitionReprocessed, true
	}

	if cur.Status == "" {
		next := cur
		next.Status = u.Status
		next.Progress = progress
		tr := TransitionNone
		switch u.Status {
		case job.StatusProcessing:
			tr = TransitionStarted
		case job.StatusCompleted:
			tr = TransitionCompleted
		case job.StatusFailed:
			tr = TransitionFailed
		}
		return finish(bump(next, u), u), tr, true
	}

	if cur.Status.IsTerminal() {
		if cur.Status == job.StatusCompleted && u.Status == job.StatusCompleted &&
			len(cur.Result) == 0 && len(u.Result) > 0 {
			next := cur
			next.Result = u.Result
			return bump(next, u), TransitionNone, true
		}
		return cur, TransitionNone, false
	}

	switch {
	case u.Status.Rank() < cur.Status.Rank():
		return cur, TransitionNone, false

	case u.Status.Rank() > cur.Status.Rank():
		next := cur
		next.Status = u.Status
		next.Progress = max(cur.Progress, progress)
		tr := TransitionStarted
		switch u.Status {
		case job.StatusCompleted:
			tr = TransitionCompleted
		case job.StatusFailed:
			tr = TransitionFailed
		}
		return finish(bump(next, u), u), tr, true

	case progress > cur.Progress:
		next := cur
		next.Progress = progress
		return bump(next, u), TransitionProgress, true
	}
	return cur, TransitionNone, false
}

// IsRegression reports whether u would move cur backwards outside of a reprocess.
// Callers use it to tell out-of-order delivery apart from plain duplicates.
func IsRegression(cur JobView, u Update) bool {
	if cur.Status == "" || (u.Reprocess && cur.Status == job.StatusFailed) {
		return false
	}
	if cur.Status.IsTerminal() {
		return u.Status != cur.Status
	}
	if u.Status.Rank() < cur.Status.Rank() {
		return true
	}
	return u.Status == cur.Status && clampProgress(u.Progress) < cur.Progress
}

func bump(v JobView, u Update) JobView {
	if v.RoomKey == "" {
		v.RoomKey = u.RoomKey
	}
	v.Revision++
	return v
}

// finish fills the terminal payload: result on completion, error on failure.
func finish(v JobView, u Update) JobView {
	switch v.Status {
	case job.StatusCompleted:
		v.Progress = 100
		v.Result = u.Result
		v.Error = ""
	case job.StatusFailed:
		v.Error = u.Error
		v.Result = nil
	}
	return v
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
