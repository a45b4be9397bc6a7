package feed

import "fmt"

// WriteConflictError reports a write the server did not acknowledge. Local state was not
// changed, so the caller may simply retry.
type WriteConflictError struct {
	Op  string
	ID  string
	Err error
}

func (e *WriteConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// Retryable is always true: nothing was applied locally.
func (e *WriteConflictError) Retryable() bool { return true }

// FetchError reports a failed page fetch. The feed keeps its previous contents.
type FetchError struct {
	Page int
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch notifications page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Retryable() bool { return true }
