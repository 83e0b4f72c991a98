package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/postgres/migrations"
)

// RetryCharge selects what a retry reset does to the attempt counter.
type RetryCharge int

const (
	// KeepAttempts leaves the counter untouched.
	KeepAttempts RetryCharge = iota
	// ChargeAttempt spends one attempt against the retry ceiling.
	ChargeAttempt
	// ZeroAttempts clears the counter. Reserved for operator releases, the
	// only sanctioned way back to pending once the ceiling is reached.
	ZeroAttempts
)

// TaskRepository abstracts all database access for runs, tasks and
// execution logs.
type TaskRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.Status) error
	UpdateRunAnalytics(ctx context.Context, runID string, status domain.Status, exec *domain.ExecutionAnalytics, calls *domain.CallAnalytics) error
	ListRunsModifiedSince(ctx context.Context, since time.Time, statuses []domain.Status) ([]*domain.Run, error)
	ListRunsBySpace(ctx context.Context, spaceID, user string, limit int) ([]*domain.Run, error)

	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasksByRun(ctx context.Context, runID string) ([]*domain.Task, error)
	ListTasksByRunAndStatuses(ctx context.Context, runID string, statuses []domain.Status) ([]*domain.Task, error)
	ListTasksByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	ListFailedTasks(ctx context.Context, execType domain.ExecutionType, limit int) ([]*domain.Task, error)
	FindTaskByCallID(ctx context.Context, callID string) (*domain.Task, error)
	FindTaskByRouting(ctx context.Context, assignee, phoneNumberID, customerNumber string, statuses []domain.Status) (*domain.Task, error)
	LastTaskForAgent(ctx context.Context, assignee string) (*domain.Task, error)

	UpdateStatusCAS(ctx context.Context, taskID string, from, to domain.Status, failureReason string) error
	MergeTaskOutput(ctx context.Context, taskID string, src map[string]any) ([]string, error)
	ResetTaskForRetry(ctx context.Context, taskID string, from domain.Status, failureReason string, charge RetryCharge) error
	CompleteRecoveredTask(ctx context.Context, taskID string, from domain.Status) error
	SetTaskOutputField(ctx context.Context, taskID, key string, value any) error

	RecordExecution(ctx context.Context, exec *domain.TaskExecutionLog) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies all embedded schema migrations in order. Migrations are
// idempotent, so reapplying on startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return nil
}

func (r *repository) CreateRun(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	if run.Created.IsZero() {
		run.Created = now
	}
	run.Modified = now
	if run.Status == "" {
		run.Status = domain.StatusPending
	}
	if run.BatchCount < 1 {
		run.BatchCount = 1
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs
			(run_id, space_id, batch_count, collection_ref, run_mode, thread_id,
			 owner_org_id, run_user, status, created, modified)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		run.RunID, run.SpaceID, run.BatchCount, run.CollectionRef, run.RunMode,
		run.ThreadID, run.OwnerOrgID, run.User, string(run.Status),
		run.Created, run.Modified,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *repository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, space_id, batch_count, collection_ref, run_mode, thread_id,
		       owner_org_id, run_user, status, call_analytics, execution_analytics,
		       created, modified
		FROM runs
		WHERE run_id = $1
	`, runID)

	var run domain.Run
	var statusStr string
	err := row.Scan(
		&run.RunID, &run.SpaceID, &run.BatchCount, &run.CollectionRef,
		&run.RunMode, &run.ThreadID, &run.OwnerOrgID, &run.User, &statusStr,
		&run.CallAnalytics, &run.ExecutionAnalytics, &run.Created, &run.Modified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.RunNotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	run.Status = domain.Status(statusStr)
	return &run, nil
}

func (r *repository) UpdateRunStatus(ctx context.Context, runID string, status domain.Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $1, modified = $2 WHERE run_id = $3
	`, string(status), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.RunNotFoundError{RunID: runID}
	}
	return nil
}

func (r *repository) UpdateRunAnalytics(ctx context.Context, runID string, status domain.Status, exec *domain.ExecutionAnalytics, calls *domain.CallAnalytics) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $1, execution_analytics = $2, call_analytics = $3, modified = $4
		WHERE run_id = $5
	`, string(status), exec, calls, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("update run %s analytics: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.RunNotFoundError{RunID: runID}
	}
	return nil
}

func (r *repository) ListRunsModifiedSince(ctx context.Context, since time.Time, statuses []domain.Status) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, space_id, batch_count, collection_ref, run_mode, thread_id,
		       owner_org_id, run_user, status, call_analytics, execution_analytics,
		       created, modified
		FROM runs
		WHERE modified >= $1 AND status = ANY($2)
		ORDER BY modified DESC
	`, since, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list runs modified since %s: %w", since, err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var run domain.Run
		var statusStr string
		err := rows.Scan(
			&run.RunID, &run.SpaceID, &run.BatchCount, &run.CollectionRef,
			&run.RunMode, &run.ThreadID, &run.OwnerOrgID, &run.User, &statusStr,
			&run.CallAnalytics, &run.ExecutionAnalytics, &run.Created, &run.Modified,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = domain.Status(statusStr)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// ListRunsBySpace returns a space's runs, newest first. user narrows to one
// submitter when non-empty.
func (r *repository) ListRunsBySpace(ctx context.Context, spaceID, user string, limit int) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, space_id, batch_count, collection_ref, run_mode, thread_id,
		       owner_org_id, run_user, status, call_analytics, execution_analytics,
		       created, modified
		FROM runs
		WHERE space_id = $1 AND ($2 = '' OR run_user = $2)
		ORDER BY created DESC
		LIMIT $3
	`, spaceID, user, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for space %s: %w", spaceID, err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var run domain.Run
		var statusStr string
		err := rows.Scan(
			&run.RunID, &run.SpaceID, &run.BatchCount, &run.CollectionRef,
			&run.RunMode, &run.ThreadID, &run.OwnerOrgID, &run.User, &statusStr,
			&run.CallAnalytics, &run.ExecutionAnalytics, &run.Created, &run.Modified,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = domain.Status(statusStr)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

const taskColumns = `task_id, run_id, space_id, thread_id, collection_ref, objective,
	       assignee, execution_type, provider, status, input, output,
	       retry_attempt, last_failure_reason, last_status_change, created, modified`

func (r *repository) CreateTask(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.Created.IsZero() {
		task.Created = now
	}
	task.Modified = now
	if task.LastStatusChange.IsZero() {
		task.LastStatusChange = now
	}
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	if task.Input == nil {
		task.Input = map[string]any{}
	}
	if task.Output == nil {
		task.Output = domain.Output{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(task_id, run_id, space_id, thread_id, collection_ref, objective,
			 assignee, execution_type, provider, status, input, output,
			 retry_attempt, last_failure_reason, last_status_change, created, modified)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		task.TaskID, task.RunID, task.SpaceID, task.ThreadID, task.CollectionRef,
		task.Objective, task.Assignee, string(task.ExecutionType), task.Provider,
		string(task.Status), task.Input, map[string]any(task.Output),
		task.RetryAttempt, task.LastFailureReason, task.LastStatusChange,
		task.Created, task.Modified,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	return nil
}

func (r *repository) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1
	`, taskID)

	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListTasksByRun(ctx context.Context, runID string) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE run_id = $1
		ORDER BY created
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %s: %w", runID, err)
	}
	return collectTasks(rows)
}

func (r *repository) ListTasksByRunAndStatuses(ctx context.Context, runID string, statuses []domain.Status) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE run_id = $1 AND status = ANY($2)
		ORDER BY created
	`, runID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %s by statuses: %w", runID, err)
	}
	return collectTasks(rows)
}

func (r *repository) ListTasksByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	return collectTasks(rows)
}

// ListFailedTasks returns failed tasks of the given execution type, oldest
// failure first. The recovery sweep decides per task whether the failure is
// retryable, resolvable, or kept as failed.
func (r *repository) ListFailedTasks(ctx context.Context, execType domain.ExecutionType, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND execution_type = $2
		ORDER BY last_status_change
		LIMIT $3
	`, string(domain.StatusFailed), string(execType), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed %s tasks: %w", execType, err)
	}
	return collectTasks(rows)
}

// FindTaskByCallID looks a task up by the provider call id recorded in its
// output. This is the primary match used by the reconciliation sync.
func (r *repository) FindTaskByCallID(ctx context.Context, callID string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE output ->> 'call_id' = $1
		ORDER BY created DESC
		LIMIT 1
	`, callID)

	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: "call:" + callID}
		}
		return nil, err
	}
	return task, nil
}

// FindTaskByRouting is the fallback match: same agent, same customer number,
// still in an open status. Used for calls whose id never made it onto a task,
// including tasks knocked back to pending before the id was recorded. An
// empty phoneNumberID matches any line.
func (r *repository) FindTaskByRouting(ctx context.Context, assignee, phoneNumberID, customerNumber string, statuses []domain.Status) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE assignee = $1
		  AND ($2 = '' OR input ->> 'phone_number_id' = $2)
		  AND input ->> 'customer_number' = $3
		  AND status = ANY($4)
		ORDER BY created DESC
		LIMIT 1
	`, assignee, phoneNumberID, customerNumber, statusStrings(statuses))

	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: "routing:" + assignee + ":" + customerNumber}
		}
		return nil, err
	}
	return task, nil
}

// LastTaskForAgent returns the most recently created task for an agent, used
// to inherit run context when synthesizing tasks for inbound calls.
func (r *repository) LastTaskForAgent(ctx context.Context, assignee string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE assignee = $1
		ORDER BY created DESC
		LIMIT 1
	`, assignee)

	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: "agent:" + assignee}
		}
		return nil, err
	}
	return task, nil
}

// UpdateStatusCAS performs the atomic compare-and-swap transition. The row
// only moves when its persisted status still equals from; a lost race
// returns StatusConflictError carrying the winner's status. Completing a
// task zeroes its retry counter and clears the failure reason.
func (r *repository) UpdateStatusCAS(ctx context.Context, taskID string, from, to domain.Status, failureReason string) error {
	now := time.Now().UTC()
	completing := to == domain.StatusCompleted
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
		    retry_attempt = CASE WHEN $6 THEN 0 ELSE retry_attempt END,
		    last_failure_reason = CASE
		        WHEN $6 THEN ''
		        WHEN $2 <> '' THEN $2
		        ELSE last_failure_reason END,
		    last_status_change = $3,
		    modified = $3
		WHERE task_id = $4 AND status = $5
	`, string(to), failureReason, now, taskID, string(from), completing)
	if err != nil {
		return fmt.Errorf("cas task %s %s->%s: %w", taskID, from, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return &domain.StatusConflictError{TaskID: taskID, Expected: from, CurrentStatus: current.Status}
}

// MergeTaskOutput fills blank output fields from src under a row lock,
// never overwriting fields that already hold a value. Returns the keys it
// actually wrote; an empty result means the merge was a no-op.
func (r *repository) MergeTaskOutput(ctx context.Context, taskID string, src map[string]any) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin merge for task %s: %w", taskID, err)
	}
	defer tx.Rollback(ctx)

	var output domain.Output
	err = tx.QueryRow(ctx, `
		SELECT output FROM tasks WHERE task_id = $1 FOR UPDATE
	`, taskID).Scan(&output)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("lock task %s for merge: %w", taskID, err)
	}
	if output == nil {
		output = domain.Output{}
	}

	written := output.Merge(src)
	if len(written) == 0 {
		return nil, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET output = $1, modified = $2 WHERE task_id = $3
	`, map[string]any(output), time.Now().UTC(), taskID)
	if err != nil {
		return nil, fmt.Errorf("write merged output for task %s: %w", taskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit merge for task %s: %w", taskID, err)
	}
	return written, nil
}

// ResetTaskForRetry moves a task back to pending through the same CAS guard.
/// The charge mode decides what happens to the attempt counter: failure
// requeues and stuck-task resets charge one attempt, operator releases zero
// the counter so the ceiling re-arms.
func (r *repository) ResetTaskForRetry(ctx context.Context, taskID string, from domain.Status, failureReason string, charge RetryCharge) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
		    retry_attempt = CASE $2::int
		        WHEN 1 THEN retry_attempt + 1
		        WHEN 2 THEN 0
		        ELSE retry_attempt END,
		    last_failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE last_failure_reason END,
		    last_status_change = $4,
		    modified = $4
		WHERE task_id = $5 AND status = $6
	`, string(domain.StatusPending), int(charge), failureReason, now, taskID, string(from))
	if err != nil {
		return fmt.Errorf("reset task %s for retry: %w", taskID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return &domain.StatusConflictError{TaskID: taskID, Expected: from, CurrentStatus: current.Status}
}

// CompleteRecoveredTask CASes a failed task into completed while charging
// one attempt as bookkeeping. Used when an API-error failure is resolved
// against the provider's authoritative record rather than by a fresh
// execution, so the plain completed path's counter reset does not apply.
func (r *repository) CompleteRecoveredTask(ctx context.Context, taskID string, from domain.Status) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
		    retry_attempt = retry_attempt + 1,
		    last_failure_reason = '',
		    last_status_change = $2,
		    modified = $2
		WHERE task_id = $3 AND status = $4
	`, string(domain.StatusCompleted), now, taskID, string(from))
	if err != nil {
		return fmt.Errorf("complete recovered task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return &domain.StatusConflictError{TaskID: taskID, Expected: from, CurrentStatus: current.Status}
}

// SetTaskOutputField writes a single output field unconditionally. Reserved
// for system bookkeeping fields like error_kind that the merge-only policy
// does not cover.
func (r *repository) SetTaskOutputField(ctx context.Context, taskID, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode output field %s: %w", key, err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET output = jsonb_set(output, ARRAY[$1], $2::jsonb, true), modified = $3
		WHERE task_id = $4
	`, key, string(encoded), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set output field %s on task %s: %w", key, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecutionLog) error {
	if exec.ExecID == "" {
		exec.ExecID = domain.NewExecID()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_execution_logs
			(exec_id, task_id, run_id, space_id, executor_id, status, input, output, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		exec.ExecID, exec.TaskID, exec.RunID, exec.SpaceID, exec.ExecutorID,
		string(exec.Status), exec.Input, exec.Output, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var statusStr, execTypeStr string
	err := row.Scan(
		&task.TaskID, &task.RunID, &task.SpaceID, &task.ThreadID,
		&task.CollectionRef, &task.Objective, &task.Assignee, &execTypeStr,
		&task.Provider, &statusStr, &task.Input, &task.Output,
		&task.RetryAttempt, &task.LastFailureReason, &task.LastStatusChange,
		&task.Created, &task.Modified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	task.ExecutionType = domain.ExecutionType(execTypeStr)
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
