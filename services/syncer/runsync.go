package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/provider"
)

func isCallType(t domain.ExecutionType) bool {
	return t == domain.ExecutionCall || t == domain.ExecutionSpaceCall
}

// SyncRunTasks is the targeted variant of the flow: re-query every call task
// in one run directly by call id, then backfill missing recordings from a
// single period fetch over the SBC archive. Used by the API when an operator
// wants one run reconciled now instead of at the next sweep.
func (s *Syncer) SyncRunTasks(ctx context.Context, runID string) (Summary, error) {
	ctx, span := otel.Tracer("syncer").Start(ctx, "syncer.sync_run_tasks")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	var summary Summary

	tasks, err := s.repo.ListTasksByRun(ctx, runID)
	if err != nil {
		return summary, err
	}

	for _, task := range tasks {
		if !isCallType(task.ExecutionType) {
			continue
		}
		callID := task.Output.GetString("call_id")
		if callID == "" {
			continue
		}
		if task.Status.IsTerminal() && task.Output.Has("recording_url") {
			continue // nothing left to reconcile
		}

		call, err := s.source.GetCall(ctx, callID)
		if err != nil {
			var nf *provider.NotFoundError
			if errors.As(err, &nf) {
				s.logger.Warn("call no longer known to provider",
					slog.String("task_id", task.TaskID),
					slog.String("call_id", callID),
				)
				continue
			}
			summary.Errors++
			continue
		}
		summary.CallsFetched++

		updated, err := s.applyCall(ctx, task, call)
		if err != nil {
			s.logger.Error("apply call failed",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
			summary.Errors++
			continue
		}
		summary.Matched++
		if updated.Status.IsTerminal() {
			s.notify(ctx, updated)
		}
	}

	if err := s.backfillRecordings(ctx, tasks); err != nil {
		s.logger.Warn("recording backfill failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := s.marker.CheckAndUpdateRunStatus(ctx, runID); err != nil {
		return summary, fmt.Errorf("rollup run %s: %w", runID, err)
	}
	summary.RunsUpdated = 1
	return summary, nil
}

// backfillRecordings fills recording URLs for terminal call tasks that still
// lack one, from one period fetch instead of a listing per task.
func (s *Syncer) backfillRecordings(ctx context.Context, tasks []*domain.Task) error {
	if s.resolver == nil {
		return nil
	}

	var candidates []*domain.Task
	var from, to time.Time
	for _, task := range tasks {
		if !isCallType(task.ExecutionType) || !task.Status.IsTerminal() {
			continue
		}
		if task.Output.Has("recording_url") || task.InputString("customer_number") == "" {
			continue
		}
		at := callStartOf(task)
		if at.IsZero() {
			continue
		}
		if from.IsZero() || at.Before(from) {
			from = at
		}
		if to.IsZero() || at.After(to) {
			to = at
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil
	}

	byDest, err := s.resolver.FetchPeriod(ctx, from.Add(-time.Hour), to.Add(time.Hour))
	if err != nil {
		return err
	}

	for _, task := range candidates {
		url, err := s.resolver.MatchFromPeriod(ctx, byDest, task.InputString("customer_number"), callStartOf(task))
		if err != nil || url == "" {
			continue
		}
		if _, err := s.repo.MergeTaskOutput(ctx, task.TaskID, map[string]any{"recording_url": url}); err != nil {
			s.logger.Warn("recording merge failed",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// callStartOf recovers the call start for matching: the synced started_at
// when present, otherwise the last status change.
func callStartOf(task *domain.Task) time.Time {
	if raw := task.Output.GetString("started_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return task.LastStatusChange
}
