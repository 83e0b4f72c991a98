package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the states a task or run can be in.
type Status string

const (
	StatusPending            Status = "pending"
	StatusScheduled          Status = "scheduled"
	StatusInProgress         Status = "in_progress"
	StatusProcessing         Status = "processing"
	StatusHold               Status = "hold"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// IsTerminal returns true if no further automatic transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartiallyCompleted
}

// IsActive returns true while an executor may still be working on the task.
func (s Status) IsActive() bool {
	return s == StatusInProgress || s == StatusProcessing
}

// IsActionable reports whether the recovery sweep should look at this status.
// Hold and scheduled are externally-set holding states and are excluded.
func (s Status) IsActionable() bool {
	return s == StatusPending || s == StatusFailed || s.IsActive()
}

// ExecutionType selects the execution handler for a task.
type ExecutionType string

const (
	ExecutionCall                ExecutionType = "call"
	ExecutionEmail               ExecutionType = "email"
	ExecutionEmailClassification ExecutionType = "email_classification"
	ExecutionDealer              ExecutionType = "dealer"
	ExecutionSpaceCall           ExecutionType = "space_call"
)

// Output is the execution result map owned by a task. The reconciliation
// sync and the recovery engine may only fill blanks in it, never overwrite.
type Output map[string]any

// Get returns the value for key, or nil.
func (o Output) Get(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// GetString returns the string value for key, or "".
func (o Output) GetString(key string) string {
	s, _ := o.Get(key).(string)
	return s
}

// Has reports whether key holds a non-blank value. Empty strings, empty
// slices, and empty maps count as blank, matching the merge-only policy.
func (o Output) Has(key string) bool {
	return !isBlank(o.Get(key))
}

// Merge copies every non-blank field from src into o, skipping keys that
// already hold a value. Returns the keys written. Merge is commutative and
// idempotent: replaying the same src is a no-op.
func (o Output) Merge(src map[string]any) []string {
	var written []string
	for key, value := range src {
		if isBlank(value) || o.Has(key) {
			continue
		}
		o[key] = value
		written = append(written, key)
	}
	return written
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// HasTranscript reports whether the output carries a usable transcript,
// which may be a non-empty string or a non-empty message list.
func (o Output) HasTranscript() bool {
	return o.Has("transcript")
}

// PostCallStatus extracts post_call_data.summary.status, or "".
func (o Output) PostCallStatus() string {
	pcd, _ := o.Get("post_call_data").(map[string]any)
	if pcd == nil {
		return ""
	}
	summary, _ := pcd["summary"].(map[string]any)
	if summary == nil {
		return ""
	}
	s, _ := summary["status"].(string)
	return s
}

// SuccessScore extracts post_call_data.success_evaluator as a float.
// Returns (0, false) when absent, unparseable, or outside the 1..10 range.
func (o Output) SuccessScore() (float64, bool) {
	pcd, _ := o.Get("post_call_data").(map[string]any)
	if pcd == nil {
		return 0, false
	}
	var score float64
	switch v := pcd["success_evaluator"].(type) {
	case float64:
		score = v
	case int:
		score = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		score = f
	default:
		return 0, false
	}
	if score < 1 || score > 10 {
		return 0, false
	}
	return score, true
}

// Run groups one or more tasks sharing a scheduling and concurrency context.
type Run struct {
	RunID              string              `json:"run_id"`
	SpaceID            string              `json:"space_id"`
	BatchCount         int                 `json:"batch_count"`
	CollectionRef      string              `json:"collection_ref"`
	RunMode            string              `json:"run_mode"`
	ThreadID           string              `json:"thread_id,omitempty"`
	OwnerOrgID         string              `json:"owner_org_id,omitempty"`
	User               string              `json:"user,omitempty"`
	Status             Status              `json:"status"`
	CallAnalytics      *CallAnalytics      `json:"call_analytics,omitempty"`
	ExecutionAnalytics *ExecutionAnalytics `json:"execution_analytics,omitempty"`
	Created            time.Time           `json:"created"`
	Modified           time.Time           `json:"modified"`
}

// Task is one schedulable unit of work, most commonly a phone call.
type Task struct {
	TaskID            string         `json:"task_id"`
	RunID             string         `json:"run_id"`
	SpaceID           string         `json:"space_id"`
	ThreadID          string         `json:"thread_id,omitempty"`
	CollectionRef     string         `json:"collection_ref,omitempty"`
	Objective         string         `json:"objective,omitempty"`
	Assignee          string         `json:"assignee"`
	ExecutionType     ExecutionType  `json:"execution_type"`
	Provider          string         `json:"provider"`
	Status            Status         `json:"status"`
	Input             map[string]any `json:"input"`
	Output            Output         `json:"output"`
	RetryAttempt      int            `json:"retry_attempt"`
	LastFailureReason string         `json:"last_failure_reason,omitempty"`
	LastStatusChange  time.Time      `json:"last_status_change"`
	Created           time.Time      `json:"created"`
	Modified          time.Time      `json:"modified"`
}

// InputString returns the string value for key from the task input, or "".
func (t *Task) InputString(key string) string {
	s, _ := t.Input[key].(string)
	return s
}

// FailureText returns the most specific failure string available: the
// output error if present, else last_failure_reason.
func (t *Task) FailureText() string {
	if err := t.Output.GetString("error"); err != "" {
		return err
	}
	return t.LastFailureReason
}

// StaleSince reports whether the task has sat in its current status longer
// than the given window, using last_status_change and falling back to
// modified then created when unset.
func (t *Task) StaleSince(now time.Time, window time.Duration) bool {
	ts := t.LastStatusChange
	if ts.IsZero() {
		ts = t.Modified
	}
	if ts.IsZero() {
		ts = t.Created
	}
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) > window
}

// TaskExecutionLog is an append-only record of one execution attempt.
type TaskExecutionLog struct {
	ExecID     string         `json:"task_exec_id"`
	TaskID     string         `json:"task_id"`
	RunID      string         `json:"run_id"`
	SpaceID    string         `json:"space_id,omitempty"`
	ExecutorID string         `json:"executor_id"`
	Status     Status         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// NewRunID allocates an opaque run token.
func NewRunID() string { return "R" + uuid.New().String() }

// NewTaskID allocates an opaque task token. Uniqueness is enforced by the
// store's unique index, not by token entropy alone.
func NewTaskID() string { return "T" + uuid.New().String() }

// NewExecID allocates an opaque execution-log token.
func NewExecID() string { return "TE" + uuid.New().String() }
