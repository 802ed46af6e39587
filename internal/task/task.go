package task

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no worker will touch the task anymore.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// transitions is the legal status DAG. failed→queued is the retry edge,
// completed→expired is the sweeper edge.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusQueued},
	StatusCompleted:  {StatusExpired},
}

// CanTransition reports whether from→to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies a processing failure on the task record.
type ErrorKind string

const (
	ErrBadInput ErrorKind = "BAD_INPUT"
	ErrOversize ErrorKind = "OVERSIZE"
	ErrTimeout  ErrorKind = "TIMEOUT"
	ErrShutdown ErrorKind = "SHUTDOWN"
	ErrInternal ErrorKind = "INTERNAL"
)

// ProgressSample is one observed (time, progress) point, kept on the record
// so readers can derive a completion estimate.
type ProgressSample struct {
	At       time.Time `json:"at"`
	Progress int       `json:"progress"`
}

// MaxProgressSamples bounds the rolling sample window on a record.
const MaxProgressSamples = 10

// Task is the central record, serialized as JSON into the registry.
type Task struct {
	TaskID     string   `json:"task_id"`
	SessionID  string   `json:"session_id"`
	Status     Status   `json:"status"`
	Progress   int      `json:"progress"`
	Stage      string   `json:"stage,omitempty"`
	FileCount  int      `json:"file_count"`
	InputRefs  []string `json:"input_refs"`
	OutputRefs []string `json:"output_refs"`
	Checksums  []string `json:"checksums,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`

	Samples []ProgressSample `json:"progress_samples,omitempty"`
}

// New returns a queued task owned by session.
func New(taskID, sessionID string, fileCount int) *Task {
	now := time.Now().UTC()
	return &Task{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    StatusQueued,
		FileCount: fileCount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordProgress appends a sample, keeping the window bounded.
func (t *Task) RecordProgress(p int, at time.Time) {
	t.Samples = append(t.Samples, ProgressSample{At: at.UTC(), Progress: p})
	if len(t.Samples) > MaxProgressSamples {
		t.Samples = t.Samples[len(t.Samples)-MaxProgressSamples:]
	}
}
