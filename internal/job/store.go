package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists and retrieves jobs. It is the single authoritative owner of job state.
type Store interface {
	Create(ctx context.Context, j *Job) error
	// Get returns ErrNotFound when no job exists for id.
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, roomKey string, limit, offset int) ([]*Job, int, error)
	MarkProcessing(ctx context.Context, id string) error
	// UpdateProgress only ever raises progress, and only while the job is non-terminal.
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, errMsg string) error
	// Cancel fails a non-terminal job. It reports false without error when the job was already terminal.
	Cancel(ctx context.Context, id string, reason string) (bool, error)
	// Reprocess moves a failed job back to pending. Any other status yields ErrConflict.
	Reprocess(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// ResetProcessing moves all "processing" jobs back to "pending" and returns the IDs of every
	// unfinished job. Called at startup to recover jobs that were interrupted by a crash.
	ResetProcessing(ctx context.Context) ([]string, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}
