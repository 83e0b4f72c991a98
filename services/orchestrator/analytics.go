package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/postgres"
	"github.com/voicelane/voicelane/pkg/telemetry"
)

// CalculateRunAnalytics recomputes both analytics blocks from the full task
// set. There is no incremental path: recomputing from scratch makes the
// numbers self-healing after any missed update.
func CalculateRunAnalytics(tasks []*domain.Task) (*domain.ExecutionAnalytics, *domain.CallAnalytics) {
	exec := &domain.ExecutionAnalytics{TotalTasks: len(tasks)}
	calls := &domain.CallAnalytics{}

	for _, task := range tasks {
		exec.TotalRetries += task.RetryAttempt

		switch task.Status {
		case domain.StatusCompleted, domain.StatusPartiallyCompleted:
			exec.Completed++
		case domain.StatusFailed:
			exec.Failed++
		case domain.StatusPending, domain.StatusScheduled, domain.StatusHold:
			exec.Pending++
		case domain.StatusInProgress, domain.StatusProcessing:
			exec.InProgress++
		}

		if task.ExecutionType != domain.ExecutionCall && task.ExecutionType != domain.ExecutionSpaceCall {
			continue
		}
		if !task.Status.IsTerminal() {
			continue
		}
		calls.TotalCalls++

		switch task.Status {
		case domain.StatusFailed:
			calls.Failed++
		default:
			switch normalizeOutcome(task.Output.PostCallStatus()) {
			case "interested":
				calls.Interested++
			case "call_back":
				calls.CallBack++
			case "send_details":
				calls.SendDetails++
			case "not_interested":
				calls.NotInterested++
			default:
				calls.NotConnected++
			}
		}

		if task.Output.HasTranscript() {
			calls.QualityMetrics.TranscriptAvailable++
		} else {
			calls.QualityMetrics.NoTranscript++
		}
		if score, ok := task.Output.SuccessScore(); ok {
			calls.QualityMetrics.TotalSuccessScore += score
			calls.QualityMetrics.SuccessScoreCount++
		}
	}

	if exec.TotalTasks > 0 {
		done := exec.Completed + exec.Failed
		exec.CompletionRate = float64(done) / float64(exec.TotalTasks) * 100
		exec.AvgRetryAttempts = float64(exec.TotalRetries) / float64(exec.TotalTasks)
		if done > 0 {
			exec.SuccessRate = float64(exec.Completed) / float64(done) * 100
		}
	}
	if calls.TotalCalls > 0 {
		calls.QualityMetrics.TranscriptRate =
			float64(calls.QualityMetrics.TranscriptAvailable) / float64(calls.TotalCalls) * 100
	}
	if calls.QualityMetrics.SuccessScoreCount > 0 {
		calls.QualityMetrics.AvgSuccessScore =
			calls.QualityMetrics.TotalSuccessScore / float64(calls.QualityMetrics.SuccessScoreCount)
	}

	return exec, calls
}

// normalizeOutcome folds the free-form post-call summary status into the
// fixed analytics buckets.
func normalizeOutcome(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "interested", "call_back", "send_details", "not_interested":
		return s
	case "callback":
		return "call_back"
	}
	return "not_connected"
}

// CheckAndUpdateRunStatus recomputes the run's status and analytics from
// its tasks and persists both. The decision table:
//
//	no tasks                 -> unchanged
//	any non-terminal task    -> unchanged
//	all completed            -> completed
//	all failed               -> failed
//	mixed terminal           -> partially_completed
//
// A run with work still in flight keeps its current status on purpose: a
// scheduled run must not flip to in_progress just because the aggregator
// looked at it.
func (o *Orchestrator) CheckAndUpdateRunStatus(ctx context.Context, runID string) (*domain.Run, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.check_run_status")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.repo.ListTasksByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return run, nil
	}

	var completed, failed, active int
	for _, task := range tasks {
		switch {
		case task.Status == domain.StatusFailed:
			failed++
		case task.Status.IsTerminal():
			completed++
		default:
			active++
		}
	}

	var next domain.Status
	switch {
	case active > 0:
		next = run.Status
	case failed == 0:
		next = domain.StatusCompleted
	case completed == 0:
		next = domain.StatusFailed
	default:
		next = domain.StatusPartiallyCompleted
	}

	exec, calls := CalculateRunAnalytics(tasks)
	if err := o.repo.UpdateRunAnalytics(ctx, runID, next, exec, calls); err != nil {
		return nil, err
	}
	if err := o.store.SetRunStatus(ctx, runID, next); err != nil {
		o.logger.Warn("run status cache write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	if next != run.Status {
		telemetry.OrchestratorRunTransitions.WithLabelValues(string(next)).Inc()
		o.logger.Info("run status updated",
			slog.String("run_id", runID),
			slog.String("from", string(run.Status)),
			slog.String("to", string(next)),
		)
	}

	run.Status = next
	run.ExecutionAnalytics = exec
	run.CallAnalytics = calls
	return run, nil
}

// UpdateRunStatus is the operator override. Forcing a run back to pending
// also releases its failed tasks for another pass through the pipeline,
// with their retry counters zeroed so tasks that exhausted the budget get
// a genuinely fresh start.
func (o *Orchestrator) UpdateRunStatus(ctx context.Context, runID string, status domain.Status) error {
	if err := o.repo.UpdateRunStatus(ctx, runID, status); err != nil {
		return err
	}
	if err := o.store.SetRunStatus(ctx, runID, status); err != nil {
		o.logger.Warn("run status cache write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	if status != domain.StatusPending {
		return nil
	}
	failed, err := o.repo.ListTasksByRunAndStatuses(ctx, runID, []domain.Status{domain.StatusFailed})
	if err != nil {
		return err
	}
	for _, task := range failed {
		if err := o.resetCurrent(ctx, task, "operator reset", postgres.ZeroAttempts); err != nil {
			o.logger.Error("operator reset failed",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// RecoverRecentRuns re-aggregates every run touched inside the window that
// is still in a non-terminal status. Covers aggregator updates lost to
// crashes between a task transition and its run rollup.
func (o *Orchestrator) RecoverRecentRuns(ctx context.Context, window time.Duration) (int, error) {
	since := time.Now().UTC().Add(-window)
	runs, err := o.repo.ListRunsModifiedSince(ctx, since, []domain.Status{
		domain.StatusPending, domain.StatusScheduled, domain.StatusInProgress,
	})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, run := range runs {
		if _, err := o.CheckAndUpdateRunStatus(ctx, run.RunID); err != nil {
			o.logger.Error("run recovery failed",
				slog.String("run_id", run.RunID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}
	return updated, nil
}
