package core

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Location is a user position in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Job is one client request flowing through the pipeline and the event bus.
type Job struct {
	JobID     string    `json:"job_id"`
	Shard     int       `json:"shard"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Location  *Location `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJobID returns a URL-safe identifier carrying 128 random bits.
func NewJobID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusRunning TaskStatus = "RUNNING"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// TaskMessage is the broker payload for one stage of the task chain.
// TaskID is the idempotency key across broker redeliveries.
type TaskMessage struct {
	TaskID      string          `json:"task_id"`
	RootTaskID  string          `json:"root_task_id,omitempty"`
	JobID       string          `json:"job_id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	UserInput   string          `json:"user_input,omitempty"`
	Traceparent string          `json:"traceparent,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Root returns the id of the chain head this message belongs to.
func (m *TaskMessage) Root() string {
	if m.RootTaskID != "" {
		return m.RootTaskID
	}
	return m.TaskID
}

// NewTaskID returns a fresh task id.
func NewTaskID() string {
	return uuid.New().String()
}
