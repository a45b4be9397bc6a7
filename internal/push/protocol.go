// Package push carries best-effort, room-scoped events from the state owner to observers.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jobwatch/jobwatch/internal/job"
)

// MessageType names both control frames sent by observers and events sent by the server.
type MessageType string

const (
	MessageTypeJoin     MessageType = "join"
	MessageTypeLeave    MessageType = "leave"
	MessageTypeJoinUser MessageType = "join:user"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"

	MessageTypeJobStatus       MessageType = "job:status"
	MessageTypeJobProgress     MessageType = "job:progress"
	MessageTypeNotificationNew MessageType = "notification:new"
)

// Message is the single frame format on the push channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobEvent is the payload of job:status and job:progress messages.
type JobEvent struct {
	JobID    string          `json:"job_id"`
	RoomKey  string          `json:"room_key"`
	Status   job.Status      `json:"status"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Publisher delivers a message to every member of msg.Room.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

const userRoomPrefix = "user:"

// UserRoom returns the room that carries a user's notifications.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// IsUserRoom reports whether room is a per-user room.
func IsUserRoom(room string) bool {
	return strings.HasPrefix(room, userRoomPrefix)
}

// NewMessage marshals data into a message addressed to room.
func NewMessage(typ MessageType, room string, data any) (Message, error) {
	msg := Message{Type: typ, Room: room, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// JobEventFrom builds the push payload for the job's current state.
func JobEventFrom(j *job.Job) JobEvent {
	ev := JobEvent{
		JobID:    j.ID,
		RoomKey:  j.RoomKey,
		Status:   j.Status,
		Progress: j.Progress,
	}
	switch j.Status {
	case job.StatusFailed:
		ev.Error = j.Error
	case job.StatusCompleted:
		ev.Result = j.Result
	}
	return ev
}
