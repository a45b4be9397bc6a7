package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a transition is not allowed from the job's current status.
	ErrConflict = errors.New("job status conflict")
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle: pending < processing < terminal.
// Unknown statuses (including the zero value) rank below everything.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

type Job struct {
	ID          string          `json:"job_id"`
	OwnerID     string          `json:"owner_id"`
	RoomKey     string          `json:"room_key"`
	Source      string          `json:"source"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Snapshot is the point-in-time view of a job served on the pull channel.
type Snapshot struct {
	ID       string          `json:"job_id"`
	RoomKey  string          `json:"room_key"`
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:       j.ID,
		RoomKey:  j.RoomKey,
		Status:   j.Status,
		Progress: j.Progress,
	}
	switch j.Status {
	case StatusFailed:
		s.Error = j.Error
	case StatusCompleted:
		s.Result = j.Result
	}
	return s
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	OwnerID     string `json:"owner_id"`
	RoomKey     string `json:"room_key"`
	Source      string `json:"source"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.Source == "" {
		return errors.New("source must not be empty")
	}
	if r.OwnerID == "" {
		return errors.New("owner_id must not be empty")
	}
	if r.RoomKey == "" {
		return errors.New("room_key must not be empty")
	}
	return nil
}
