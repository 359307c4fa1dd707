// Package bgcalc dispatches named background tasks, either in-process or
// through a task server reachable over HTTP.
package bgcalc

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors.
var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskFailed    = errors.New("task failed")
	ErrResultTimeout = errors.New("task result wait limit exceeded")
	ErrClosed        = errors.New("task app is closed")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

// Task states, as exchanged on the wire.
const (
	StatusPending TaskStatus = 0
	StatusRunning TaskStatus = 1
	StatusDone    TaskStatus = 2
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// TaskRecord describes a task and, once done, its outcome.
type TaskRecord struct {
	TaskID  string          `json:"taskID"`
	Fn      string          `json:"fn"`
	Status  TaskStatus      `json:"status"`
	Created int64           `json:"created"`
	Updated int64           `json:"updated"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// TaskFunc is the body of a named task. taskID identifies the running task.
type TaskFunc func(ctx context.Context, taskID string, args json.RawMessage) (any, error)

// Result is a handle on a dispatched task.
type Result interface {
	ID() string
	// Get blocks until the task is done and returns its encoded result.
	Get(ctx context.Context) (json.RawMessage, error)
}

// Client dispatches tasks.
type Client interface {
	SendTask(ctx context.Context, name string, args any) (Result, error)
	// Revoke asks for a task to stop. It is best effort.
	Revoke(ctx context.Context, taskID string, terminate bool, signal string) error
}

func recordError(rec TaskRecord) error {
	if rec.Error == "" {
		return nil
	}

	return &TaskError{TaskID: rec.TaskID, Msg: rec.Error}
}

// TaskError carries the failure message of a finished task.
type TaskError struct {
	TaskID string
	Msg    string
}

func (e *TaskError) Error() string {
	return "task " + e.TaskID + ": " + e.Msg
}

// Unwrap makes errors.Is(err, ErrTaskFailed) hold.
func (e *TaskError) Unwrap() error {
	return ErrTaskFailed
}
