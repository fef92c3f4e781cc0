package core

import "time"

// Event is the interface for all task lifecycle events.
type Event interface {
	eventMarker()
}

// TaskStarted is emitted when a worker begins a chain stage.
type TaskStarted struct {
	Task      *TaskMessage
	Stage     Stage
	Timestamp time.Time
}

func (*TaskStarted) eventMarker() {}

// TaskCompleted is emitted when a chain stage completes successfully.
type TaskCompleted struct {
	Task      *TaskMessage
	Stage     Stage
	Duration  time.Duration
	Timestamp time.Time
}

func (*TaskCompleted) eventMarker() {}

// TaskFailed is emitted when a chain stage fails permanently.
type TaskFailed struct {
	Task      *TaskMessage
	Stage     Stage
	Reason    string
	Error     error
	Timestamp time.Time
}

func (*TaskFailed) eventMarker() {}

// TaskRetrying is emitted before a stage attempt is retried.
type TaskRetrying struct {
	Task      *TaskMessage
	Stage     Stage
	Attempt   int
	Error     error
	Delay     time.Duration
	Timestamp time.Time
}

func (*TaskRetrying) eventMarker() {}

// TaskSkipped is emitted when a redelivered task is acknowledged without running.
type TaskSkipped struct {
	Task      *TaskMessage
	Stage     Stage
	Status    TaskStatus
	Timestamp time.Time
}

func (*TaskSkipped) eventMarker() {}
