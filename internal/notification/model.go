// Package notification holds the per-user notification feed owned by the server.
package notification

import (
	"encoding/json"
	"errors"
	"time"
)

type Type string

const (
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
	TypeJobCancelled Type = "job_cancelled"
	TypeSystem       Type = "system"
)

// ErrNotFound is returned when the notification does not exist for the requesting user.
var ErrNotFound = errors.New("notification not found")

func (t Type) Valid() bool {
	switch t {
	case TypeJobCompleted, TypeJobFailed, TypeJobCancelled, TypeSystem:
		return true
	}
	return false
}

// Notification is a discrete, user-scoped fact. Read only ever goes from false to true.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      Type            `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Page is one page of a user's feed plus the authoritative unread count.
type Page struct {
	Items       []Notification `json:"items"`
	UnreadCount int            `json:"unread_count"`
	Pagination  Pagination     `json:"pagination"`
}
