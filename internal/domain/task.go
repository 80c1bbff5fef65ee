package domain

import "time"

// TaskStatus enumerates subordinate build task states.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskError      TaskStatus = "error"
)

// Complete reports whether the task reached a final status.
func (s TaskStatus) Complete() bool {
	return s == TaskSuccess || s == TaskError
}

// BuildTask is a subordinate job (scan, lint) chained after a successful
// primary build step. Outstanding tasks keep the owning build in the tasked
// state.
type BuildTask struct {
	ID          string
	BuildID     string
	Name        string
	Status      TaskStatus
	Message     string
	Token       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}
