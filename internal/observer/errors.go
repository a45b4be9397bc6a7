package observer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyObserved is returned when a job is observed twice by the same reconciler.
	ErrAlreadyObserved = errors.New("job already observed")
	// ErrSessionClosed is returned by a session after Close.
	ErrSessionClosed = errors.New("observer session closed")
)

// TransientError wraps a push or pull failure. The view stays as it was and heals on the
// next successful observation, so these are logged rather than surfaced.
type TransientError struct {
	Op    string
	JobID string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
