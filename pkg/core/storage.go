package core

import (
	"context"
	"encoding/json"
)

// Starter is the interface for long-running components.
type Starter interface {
	Start(ctx context.Context) error
}

// TaskLog is the local durability contract a chain worker writes through before it acks.
type TaskLog interface {
	// WriteTask records a received task. It returns false without error for a duplicate id.
	WriteTask(ctx context.Context, taskID, taskName string, args []byte) (bool, error)
	StartTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error
	FailTask(ctx context.Context, taskID string, errMsg string) error
	RecordRetry(ctx context.Context, taskID string, errMsg string) error
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// Publisher emits progress frames for a job.
type Publisher interface {
	NotifyStage(ctx context.Context, jobID string, stage Stage, status FrameStatus, opts StageOpts) (string, bool, error)
	NotifyToken(ctx context.Context, jobID, content string) (string, error)
	NotifyNeedsInput(ctx context.Context, jobID, inputType string, timeoutSeconds int, message string) (string, error)
	NotifyDone(ctx context.Context, jobID string, result json.RawMessage) (string, error)
	NotifyFailed(ctx context.Context, jobID string, reason, message string) (string, error)
}

// StageOpts carries the optional fields of a stage frame.
type StageOpts struct {
	Progress *int
	Result   json.RawMessage
	Message  string
}
