package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/postgres"
	"github.com/voicelane/voicelane/pkg/telemetry"
)

// MarkTaskStatus applies an externally reported outcome (post-call webhook
// or reconciliation sync) to a task. Output fields merge under the
// fill-blanks-only policy. A reported failure is routed through the error
// taxonomy: transient faults spend one retry attempt and go back to
// pending, API-error failures are resolved against the provider's
// authoritative record, no-answer and voicemail get bounded courtesy
// retries, other customer outcomes complete with a human-readable message,
// and everything else fails terminally. Already-terminal tasks absorb the
// merge but keep their status. A terminal outcome recomputes the owning run.
func (o *Orchestrator) MarkTaskStatus(ctx context.Context, taskID string, reported domain.Status, output map[string]any) (*domain.Task, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.mark_task_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("reported.status", string(reported)),
	)

	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		slog.String("task_id", task.TaskID),
		slog.String("run_id", task.RunID),
	)

	if len(output) > 0 {
		written, err := o.repo.MergeTaskOutput(ctx, taskID, output)
		if err != nil {
			return nil, err
		}
		if len(written) > 0 {
			log.Info("merged output fields", slog.Int("fields", len(written)))
		}
	}

	if task.Status.IsTerminal() {
		log.Info("task already terminal, merge-only",
			slog.String("status", string(task.Status)))
		return o.repo.GetTask(ctx, taskID)
	}

	switch reported {
	case domain.StatusCompleted:
		if err := o.transitionTerminal(ctx, task, domain.StatusCompleted, ""); err != nil {
			return nil, err
		}
	case domain.StatusFailed:
		if err := o.applyFailure(ctx, task, log); err != nil {
			return nil, err
		}
	default:
		// Non-terminal reports (status pings from the provider) only merge.
		log.Info("non-terminal report, merge-only",
			slog.String("reported", string(reported)))
	}

	updated, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.recordExec(ctx, updated, updated.Status, map[string]any{"reported_status": string(reported)})
	if updated.Status.IsTerminal() {
		o.rollupRun(ctx, updated.RunID)
	}
	return updated, nil
}

// applyFailure decides what a reported failure means for the task.
func (o *Orchestrator) applyFailure(ctx context.Context, task *domain.Task, log *slog.Logger) error {
	// Re-read so classification sees the merged output.
	fresh, err := o.repo.GetTask(ctx, task.TaskID)
	if err != nil {
		return err
	}
	kind := domain.KindForTask(fresh)
	reason := fresh.FailureText()

	switch {
	case kind.Retryable() && fresh.RetryAttempt < o.cfg.MaxCallRetries:
		log.Info("transient failure, re-queueing",
			slog.String("kind", string(kind)),
			slog.Int("retry_attempt", fresh.RetryAttempt),
		)
		telemetry.OrchestratorRecoveriesTotal.WithLabelValues("requeue_transient").Inc()
		return o.resetCurrent(ctx, fresh, reason, postgres.ChargeAttempt)

	case kind == domain.ErrKindAPIError:
		// The call may have succeeded; only the status fetch failed. The
		// provider's record is the authority.
		_, err := o.resolveAPIError(ctx, fresh, log)
		return err

	case kind.CourtesyRetryable() && fresh.RetryAttempt < o.cfg.UserRejectRetries:
		log.Info("customer unavailable, courtesy retry",
			slog.String("kind", string(kind)),
			slog.Int("retry_attempt", fresh.RetryAttempt),
		)
		telemetry.OrchestratorRecoveriesTotal.WithLabelValues("requeue_courtesy").Inc()
		return o.resetCurrent(ctx, fresh, reason, postgres.ChargeAttempt)

	case kind.CustomerBehavior():
		return o.completeCustomer(ctx, fresh, kind, log)

	default:
		log.Warn("permanent failure",
			slog.String("kind", string(kind)),
			slog.String("reason", reason),
		)
		telemetry.OrchestratorRecoveriesTotal.WithLabelValues("failed_final").Inc()
		return o.transitionTerminal(ctx, fresh, domain.StatusFailed, reason)
	}
}

// completeCustomer accepts a customer-behavior outcome as a completed
// attempt: the customer was reached and declined, or stayed unreachable
// past the courtesy budget. That is not a fault.
func (o *Orchestrator) completeCustomer(ctx context.Context, task *domain.Task, kind domain.ErrorKind, log *slog.Logger) error {
	msg := domain.CustomerMessage(kind)
	log.Info("customer outcome accepted", slog.String("kind", string(kind)))
	if _, err := o.repo.MergeTaskOutput(ctx, task.TaskID, map[string]any{"result": msg}); err != nil {
		return err
	}
	telemetry.OrchestratorRecoveriesTotal.WithLabelValues("customer_final").Inc()
	return o.transitionTerminal(ctx, task, domain.StatusCompleted, msg)
}

// resolveAPIError settles a task whose failure was in talking to the
// provider, not in the call itself: re-fetch the authoritative call record,
// fill the output from it, derive the post-call analysis when missing, and
// complete the task with one attempt charged as bookkeeping. Without the
// collaborators, or when the provider no longer knows the call, the task
// stays failed.
func (o *Orchestrator) resolveAPIError(ctx context.Context, task *domain.Task, log *slog.Logger) (bool, error) {
	callID := task.Output.GetString("call_id")
	if o.calls == nil || callID == "" {
		log.Warn("api-error failure not resolvable",
			slog.Bool("source_configured", o.calls != nil),
			slog.String("call_id", callID),
		)
		return false, o.keepFailed(ctx, task)
	}

	call, err := o.calls.GetCall(ctx, callID)
	if err != nil {
		log.Warn("authoritative call fetch failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
		return false, o.keepFailed(ctx, task)
	}

	output := map[string]any{
		"transcript":    call.Transcript,
		"summary":       call.Summary,
		"ended_reason":  call.EndedReason,
		"recording_url": call.RecordingURL,
	}
	if len(call.Analysis) > 0 {
		output["post_call_data"] = call.Analysis
	}
	if call.Cost > 0 {
		output["cost"] = call.Cost
	}
	if _, err := o.repo.MergeTaskOutput(ctx, task.TaskID, output); err != nil {
		return false, err
	}

	fresh, err := o.repo.GetTask(ctx, task.TaskID)
	if err != nil {
		return false, err
	}
	if o.workflow != nil && fresh.Output.HasTranscript() && !fresh.Output.Has("post_call_data") {
		analysis, err := o.workflow.Execute(ctx, fresh)
		if err != nil {
			log.Warn("post-call workflow failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		} else if len(analysis) > 0 {
			if _, err := o.repo.MergeTaskOutput(ctx, fresh.TaskID, map[string]any{"post_call_data": analysis}); err != nil {
				return false, err
			}
		}
	}

	if err := o.repo.CompleteRecoveredTask(ctx, fresh.TaskID, fresh.Status); err != nil {
		var conflict *domain.StatusConflictError
		if errors.As(err, &conflict) && conflict.CurrentStatus.IsTerminal() {
			o.cacheStatus(ctx, fresh.TaskID, conflict.CurrentStatus)
			return true, nil
		}
		return false, err
	}
	o.cacheStatus(ctx, fresh.TaskID, domain.StatusCompleted)
	telemetry.OrchestratorRecoveriesTotal.WithLabelValues("api_error_resolved").Inc()
	log.Info("api-error failure resolved against provider record",
		slog.String("call_id", callID))
	return true, nil
}

// keepFailed pins an unresolvable failure in the failed state. A task the
// sweep picked up is failed already; one arriving through a failure report
// still needs the terminal transition.
func (o *Orchestrator) keepFailed(ctx context.Context, task *domain.Task) error {
	telemetry.OrchestratorRecoveriesTotal.WithLabelValues("failed_final").Inc()
	if task.Status == domain.StatusFailed {
		return nil
	}
	return o.transitionTerminal(ctx, task, domain.StatusFailed, task.FailureText())
}

// transitionTerminal CASes the task from its current status into a terminal
// one. Losing the race to another writer is fine as long as the winner
// also reached a terminal state.
func (o *Orchestrator) transitionTerminal(ctx context.Context, task *domain.Task, to domain.Status, reason string) error {
	err := o.repo.UpdateStatusCAS(ctx, task.TaskID, task.Status, to, reason)
	if err != nil {
		var conflict *domain.StatusConflictError
		if errors.As(err, &conflict) && conflict.CurrentStatus.IsTerminal() {
			o.cacheStatus(ctx, task.TaskID, conflict.CurrentStatus)
			return nil
		}
		return err
	}
	o.cacheStatus(ctx, task.TaskID, to)
	return nil
}

func (o *Orchestrator) resetCurrent(ctx context.Context, task *domain.Task, reason string, charge postgres.RetryCharge) error {
	if err := o.repo.ResetTaskForRetry(ctx, task.TaskID, task.Status, reason, charge); err != nil {
		return err
	}
	o.cacheStatus(ctx, task.TaskID, domain.StatusPending)
	return nil
}

// RecoverySummary reports what one recovery sweep did.
type RecoverySummary struct {
	StaleReset    int `json:"stale_reset"`
	Requeued      int `json:"requeued"`
	Redispatched  int `json:"redispatched"`
	Resolved      int `json:"resolved"`
	CustomerFinal int `json:"customer_final"`
	Errors        int `json:"errors"`
}

// RecoverCallTasks is the periodic sweep over call work. Tasks abandoned in
// an active status past the hold window go back to pending with one attempt
// charged, since a worker dying mid-call must still count against the
// ceiling. Failed calls are routed through the failure taxonomy: transient
// faults with budget left are re-dispatched, API-error failures are
// resolved against the provider's record, customer outcomes past their
// courtesy budget are accepted as completed, and unclassified failures are
// kept as failed.
func (o *Orchestrator) RecoverCallTasks(ctx context.Context) (RecoverySummary, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.recover_call_tasks")
	defer span.End()

	var summary RecoverySummary
	now := time.Now().UTC()

	for _, status := range []domain.Status{domain.StatusInProgress, domain.StatusProcessing} {
		stuck, err := o.repo.ListTasksByStatus(ctx, status, 500)
		if err != nil {
			return summary, err
		}
		for _, task := range stuck {
			if !task.StaleSince(now, o.cfg.InProgressHold) {
				continue
			}
			o.logger.Warn("resetting stale task",
				slog.String("task_id", task.TaskID),
				slog.String("status", string(task.Status)),
			)
			if err := o.resetCurrent(ctx, task, "reset after hold window", postgres.ChargeAttempt); err != nil {
				var conflict *domain.StatusConflictError
				if errors.As(err, &conflict) {
					continue // someone else moved it, fine
				}
				summary.Errors++
				continue
			}
			telemetry.OrchestratorRecoveriesTotal.WithLabelValues("stale_reset").Inc()
			summary.StaleReset++
		}
	}

	for _, execType := range []domain.ExecutionType{domain.ExecutionCall, domain.ExecutionSpaceCall} {
		failed, err := o.repo.ListFailedTasks(ctx, execType, 500)
		if err != nil {
			return summary, err
		}
		for _, task := range failed {
			log := o.logger.With(slog.String("task_id", task.TaskID))
			kind := domain.KindForTask(task)

			switch {
			case kind == domain.ErrKindAPIError:
				resolved, err := o.resolveAPIError(ctx, task, log)
				if err != nil {
					summary.Errors++
					continue
				}
				if resolved {
					summary.Resolved++
				}

			case kind.Retryable() && task.RetryAttempt < o.cfg.MaxCallRetries,
				kind.CourtesyRetryable() && task.RetryAttempt < o.cfg.UserRejectRetries:
				if err := o.resetCurrent(ctx, task, "", postgres.ChargeAttempt); err != nil {
					var conflict *domain.StatusConflictError
					if errors.As(err, &conflict) {
						continue
					}
					summary.Errors++
					continue
				}
				summary.Requeued++
				if _, err := o.ProcessTask(ctx, task.TaskID); err != nil {
					var conflict *domain.StatusConflictError
					if !errors.As(err, &conflict) {
						log.Error("re-dispatch failed", slog.String("error", err.Error()))
						summary.Errors++
					}
					continue
				}
				summary.Redispatched++

			case kind.CustomerBehavior():
				if err := o.completeCustomer(ctx, task, kind, log); err != nil {
					summary.Errors++
					continue
				}
				summary.CustomerFinal++

			default:
				// Unclassified failures stay failed; auto-retrying unknown
				// error shapes risks duplicate calls.
			}
		}
	}

	o.logger.Info("recovery sweep finished",
		slog.Int("stale_reset", summary.StaleReset),
		slog.Int("requeued", summary.Requeued),
		slog.Int("redispatched", summary.Redispatched),
		slog.Int("resolved", summary.Resolved),
		slog.Int("customer_final", summary.CustomerFinal),
		slog.Int("errors", summary.Errors),
	)
	return summary, nil
}

// GetPendingTasks returns a run's dispatchable tasks: scheduled ones while
// the run itself is scheduled, pending ones otherwise. As a side effect,
// active tasks of the run that sat past the hold window are swept back to
// pending so a stuck run repairs itself on read.
func (o *Orchestrator) GetPendingTasks(ctx context.Context, runID string) ([]*domain.Task, error) {
	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	active, err := o.repo.ListTasksByRunAndStatuses(ctx, runID,
		[]domain.Status{domain.StatusInProgress, domain.StatusProcessing})
	if err != nil {
		return nil, err
	}
	for _, task := range active {
		if !task.StaleSince(now, o.cfg.InProgressHold) {
			continue
		}
		if err := o.resetCurrent(ctx, task, "reset after hold window", postgres.ChargeAttempt); err != nil {
			var conflict *domain.StatusConflictError
			if !errors.As(err, &conflict) {
				o.logger.Warn("stuck task sweep failed",
					slog.String("task_id", task.TaskID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	want := domain.StatusPending
	if run.Status == domain.StatusScheduled {
		want = domain.StatusScheduled
	}
	return o.repo.ListTasksByRunAndStatuses(ctx, runID, []domain.Status{want})
}
