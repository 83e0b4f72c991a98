package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RunNotFoundError is returned when a run ID does not exist.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// StatusConflictError is returned when a compare-and-swap transition loses:
// the task's persisted status no longer matches the expected value, which
// means another worker already claimed or finished it.
type StatusConflictError struct {
	TaskID        string
	Expected      Status
	CurrentStatus Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("task %s status conflict: expected %s, current %s",
		e.TaskID, e.Expected, e.CurrentStatus)
}

// UnknownExecutionTypeError is returned when no handler is registered for
// a task's execution type.
type UnknownExecutionTypeError struct {
	ExecutionType ExecutionType
}

func (e *UnknownExecutionTypeError) Error() string {
	return fmt.Sprintf("no handler registered for execution type %q", e.ExecutionType)
}

// RetriesExhaustedError is returned when a task has reached its retry
// ceiling and must not return to pending through the automatic path.
type RetriesExhaustedError struct {
	TaskID   string
	Attempts int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("task %s exhausted retries after %d attempts", e.TaskID, e.Attempts)
}
