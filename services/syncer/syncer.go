// Package syncer reconciles provider call records against the task store.
// Calls the webhook path missed (crashes, webhook outages, provider-side
// delays) are matched back to their tasks and applied through the same
// merge-only outcome path, so the sync can run any number of times without
// clobbering state.
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
	"github.com/voicelane/voicelane/internal/postgres"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/internal/recordings"
	"github.com/voicelane/voicelane/pkg/telemetry"
	"github.com/voicelane/voicelane/services/orchestrator"
)

// CallSource is the slice of the provider API the sync needs.
type CallSource interface {
	FetchAllRecentCalls(ctx context.Context, since time.Time, maxPages int) ([]provider.Call, error)
	GetCall(ctx context.Context, callID string) (*provider.Call, error)
	GetPhoneNumber(ctx context.Context, numberID string) (*provider.PhoneNumber, error)
}

// TaskMarker applies reconciled outcomes. Implemented by the orchestrator.
type TaskMarker interface {
	MarkTaskStatus(ctx context.Context, taskID string, reported domain.Status, output map[string]any) (*domain.Task, error)
	CheckAndUpdateRunStatus(ctx context.Context, runID string) (*domain.Run, error)
}

// TaskNotifier delivers terminal outcomes to customer webhooks.
type TaskNotifier interface {
	NotifyIfConfigured(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// PostCallWorkflow derives the structured post-call outcome from a call's
// transcript. External collaborator.
type PostCallWorkflow interface {
	Execute(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// Recoverer runs the failed-call recovery sweep. Implemented by the
// orchestrator; the sync pass runs it after reconciliation so freshly
// reconciled failures are acted on in the same cycle.
type Recoverer interface {
	RecoverCallTasks(ctx context.Context) (orchestrator.RecoverySummary, error)
}

// Config carries the sync policy knobs.
type Config struct {
	// Lookback bounds the first sync window when no watermark exists yet.
	Lookback time.Duration
	// MaxPages caps one pagination walk through the provider listing.
	MaxPages int
}

// DefaultConfig mirrors the production policy.
func DefaultConfig() Config {
	return Config{
		Lookback: 24 * time.Hour,
		MaxPages: 10,
	}
}

// Syncer runs the reconciliation flow.
type Syncer struct {
	repo      postgres.TaskRepository
	marker    TaskMarker
	source    CallSource
	resolver  *recordings.Resolver // nil = recording resolution disabled
	notifier  TaskNotifier         // nil = webhook delivery disabled
	workflow  PostCallWorkflow     // nil = post-call analysis disabled
	recoverer Recoverer            // nil = recovery left to the cron sweep
	state     *StateFile
	cfg       Config
	logger    *slog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPostCallWorkflow enables deriving post-call analysis for reconciled
// calls that have a transcript but no analysis yet.
func WithPostCallWorkflow(wf PostCallWorkflow) Option {
	return func(s *Syncer) { s.workflow = wf }
}

// WithRecoverer chains the recovery sweep into each sync pass.
func WithRecoverer(r Recoverer) Option {
	return func(s *Syncer) { s.recoverer = r }
}

// New creates a Syncer.
func New(
	repo postgres.TaskRepository,
	marker TaskMarker,
	source CallSource,
	resolver *recordings.Resolver,
	notifier TaskNotifier,
	state *StateFile,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		repo:     repo,
		marker:   marker,
		source:   source,
		resolver: resolver,
		notifier: notifier,
		state:    state,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary reports what one sync pass did.
type Summary struct {
	CallsFetched int `json:"calls_fetched"`
	Matched      int `json:"matched"`
	Created      int `json:"created"`
	RunsUpdated  int `json:"runs_updated"`
	Recovered    int `json:"recovered"`
	Errors       int `json:"errors"`
}

// SyncFlow is the full reconciliation pass: fetch every call updated since
// the watermark, match each to a task, apply the outcome, synthesize tasks
// for unmatched inbound calls, then re-aggregate the touched runs. The
// watermark only advances after the whole pass succeeds.
func (s *Syncer) SyncFlow(ctx context.Context) (Summary, error) {
	ctx, span := otel.Tracer("syncer").Start(ctx, "syncer.sync_flow")
	defer span.End()

	var summary Summary
	start := time.Now().UTC()

	since, err := s.state.Load()
	if err != nil {
		return summary, err
	}
	if since.IsZero() {
		since = start.Add(-s.cfg.Lookback)
	}
	span.SetAttributes(attribute.String("sync.since", since.Format(time.RFC3339)))

	calls, err := s.source.FetchAllRecentCalls(ctx, since, s.cfg.MaxPages)
	if err != nil {
		return summary, fmt.Errorf("fetch recent calls: %w", err)
	}
	summary.CallsFetched = len(calls)
	telemetry.SyncerCallsFetched.Add(float64(len(calls)))
	s.logger.Info("sync pass started",
		slog.Time("since", since),
		slog.Int("calls", len(calls)),
	)

	touchedRuns := make(map[string]struct{})
	for i := range calls {
		call := &calls[i]
		task, tier, err := s.matchTask(ctx, call)
		if err != nil {
			s.logger.Error("task match failed",
				slog.String("call_id", call.ID),
				slog.String("error", err.Error()),
			)
			summary.Errors++
			continue
		}

		if task == nil {
			if !call.Inbound() {
				continue // outbound call for a task we never created, not ours
			}
			task, err = s.createInboundTask(ctx, call)
			if err != nil {
				s.logger.Error("inbound task creation failed",
					slog.String("call_id", call.ID),
					slog.String("error", err.Error()),
				)
				summary.Errors++
				continue
			}
			if task == nil {
				continue // no agent context to attach the call to
			}
			summary.Created++
			telemetry.SyncerTasksCreated.Inc()
		} else {
			summary.Matched++
			telemetry.SyncerCallsMatched.WithLabelValues(tier).Inc()
		}

		updated, err := s.applyCall(ctx, task, call)
		if err != nil {
			s.logger.Error("apply call failed",
				slog.String("call_id", call.ID),
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
			summary.Errors++
			continue
		}
		touchedRuns[updated.RunID] = struct{}{}

		if updated.Status.IsTerminal() {
			s.notify(ctx, updated)
		}
	}

	for runID := range touchedRuns {
		if _, err := s.marker.CheckAndUpdateRunStatus(ctx, runID); err != nil {
			s.logger.Error("run rollup failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			summary.Errors++
			continue
		}
		summary.RunsUpdated++
	}

	// The recovery sweep runs inside the pass, before the watermark moves,
	// so a crash between the two re-runs recovery rather than skipping it.
	if s.recoverer != nil {
		rec, err := s.recoverer.RecoverCallTasks(ctx)
		if err != nil {
			s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
			summary.Errors++
		}
		summary.Recovered = rec.StaleReset + rec.Requeued + rec.Resolved + rec.CustomerFinal
	}

	if err := s.state.Save(start); err != nil {
		// Non-fatal: the next pass re-covers this window.
		s.logger.Error("watermark save failed", slog.String("error", err.Error()))
	}

	s.logger.Info("sync pass finished",
		slog.Int("fetched", summary.CallsFetched),
		slog.Int("matched", summary.Matched),
		slog.Int("created", summary.Created),
		slog.Int("runs_updated", summary.RunsUpdated),
		slog.Int("errors", summary.Errors),
	)
	return summary, nil
}

// matchTask resolves a provider call to its task: first by the call id
// stamped into the output, then by the task id the call carries in its
// metadata, and finally by agent-and-number routing against active tasks.
func (s *Syncer) matchTask(ctx context.Context, call *provider.Call) (*domain.Task, string, error) {
	task, err := s.repo.FindTaskByCallID(ctx, call.ID)
	if err == nil {
		return task, "call_id", nil
	}
	if !isTaskNotFound(err) {
		return nil, "", err
	}

	if taskID := call.Metadata["task_id"]; taskID != "" {
		task, err := s.repo.GetTask(ctx, taskID)
		if err == nil {
			return task, "metadata", nil
		}
		if !isTaskNotFound(err) {
			return nil, "", err
		}
	}

	if call.AssistantID != "" && call.Customer != nil && call.Customer.Number != "" {
		// Any non-terminal task is a candidate: the webhook may have never
		// arrived, leaving the task parked well short of processing.
		task, err := s.repo.FindTaskByRouting(ctx, call.AssistantID, call.PhoneNumberID, call.Customer.Number,
			[]domain.Status{
				domain.StatusPending, domain.StatusScheduled,
				domain.StatusInProgress, domain.StatusProcessing,
				domain.StatusHold,
			})
		if err == nil {
			return task, "routing", nil
		}
		if !isTaskNotFound(err) {
			return nil, "", err
		}
	}

	return nil, "", nil
}

// createInboundTask synthesizes a task record for an inbound call so the
// conversation shows up in run history. The agent's most recent task lends
// the run and space context; without one the call is skipped.
func (s *Syncer) createInboundTask(ctx context.Context, call *provider.Call) (*domain.Task, error) {
	if call.AssistantID == "" {
		return nil, nil
	}
	prev, err := s.repo.LastTaskForAgent(ctx, call.AssistantID)
	if err != nil {
		if isTaskNotFound(err) {
			s.logger.Warn("inbound call for agent with no task history, skipping",
				slog.String("call_id", call.ID),
				slog.String("assignee", call.AssistantID),
			)
			return nil, nil
		}
		return nil, err
	}

	input := map[string]any{"direction": "inbound"}
	if call.Customer != nil {
		input["customer_number"] = call.Customer.Number
		if call.Customer.Name != "" {
			input["customer_name"] = call.Customer.Name
		}
	}
	if call.PhoneNumberID != "" {
		if pn, err := s.source.GetPhoneNumber(ctx, call.PhoneNumberID); err == nil {
			input["line_number"] = pn.Number
		}
	}

	task := &domain.Task{
		TaskID:        domain.NewTaskID(),
		RunID:         prev.RunID,
		SpaceID:       prev.SpaceID,
		Assignee:      call.AssistantID,
		ExecutionType: domain.ExecutionCall,
		Provider:      prev.Provider,
		Status:        domain.StatusProcessing,
		Input:         input,
		Output:        domain.Output{},
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create inbound task for call %s: %w", call.ID, err)
	}
	s.logger.Info("inbound task created",
		slog.String("task_id", task.TaskID),
		slog.String("call_id", call.ID),
		slog.String("run_id", task.RunID),
	)
	return task, nil
}

// applyCall translates a call record into an outcome report and routes it
// through the orchestrator's merge-only path.
func (s *Syncer) applyCall(ctx context.Context, task *domain.Task, call *provider.Call) (*domain.Task, error) {
	output := map[string]any{
		"call_id":    call.ID,
		"transcript": call.Transcript,
		"summary":    call.Summary,
	}
	if len(call.Analysis) > 0 {
		output["post_call_data"] = call.Analysis
	}
	if call.EndedReason != "" {
		output["ended_reason"] = call.EndedReason
	}
	if call.Cost > 0 {
		output["cost"] = call.Cost
	}
	if !call.StartedAt.IsZero() {
		output["started_at"] = call.StartedAt.UTC().Format(time.RFC3339)
	}
	if !call.EndedAt.IsZero() {
		output["ended_at"] = call.EndedAt.UTC().Format(time.RFC3339)
	}

	if url := s.resolveRecording(ctx, task, call); url != "" {
		output["recording_url"] = url
	}

	reported := domain.StatusProcessing
	if call.Status == "ended" {
		kind := domain.ClassifyError(call.EndedReason)
		if kind == domain.ErrKindUnknown {
			reported = domain.StatusCompleted
		} else {
			reported = domain.StatusFailed
			output["error"] = call.EndedReason
			output["error_kind"] = string(kind)
		}
	}

	// A call that ended with a transcript but no structured analysis gets
	// one derived here so downstream analytics see a complete record.
	if s.workflow != nil && call.Transcript != "" &&
		len(call.Analysis) == 0 && !task.Output.Has("post_call_data") {
		enriched := *task
		enriched.Output = make(domain.Output, len(task.Output)+len(output))
		for k, v := range task.Output {
			enriched.Output[k] = v
		}
		enriched.Output.Merge(output)
		analysis, err := s.workflow.Execute(ctx, &enriched)
		if err != nil {
			s.logger.Warn("post-call workflow failed",
				slog.String("call_id", call.ID),
				slog.String("error", err.Error()),
			)
		} else if len(analysis) > 0 {
			output["post_call_data"] = analysis
		}
	}

	// Exact count of the fields this pass will fill, computed against a
	// snapshot so the metric doesn't drift with races.
	snapshot := make(domain.Output, len(task.Output))
	for k, v := range task.Output {
		snapshot[k] = v
	}
	telemetry.SyncerFieldsMerged.Add(float64(len(snapshot.Merge(output))))

	return s.marker.MarkTaskStatus(ctx, task.TaskID, reported, output)
}

// resolveRecording walks the recording fallback chain for the call.
func (s *Syncer) resolveRecording(ctx context.Context, task *domain.Task, call *provider.Call) string {
	existing := task.Output.GetString("recording_url")
	if s.resolver == nil {
		if existing != "" {
			return existing
		}
		return call.RecordingURL
	}

	var number string
	if call.Customer != nil {
		number = call.Customer.Number
	}
	url, err := s.resolver.Resolve(ctx, existing, call.RecordingURL, call.ID, number, call.StartedAt,
		recordingRequery{source: s.source})
	if err != nil {
		s.logger.Warn("recording resolution failed",
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
		return call.RecordingURL
	}
	return url
}

func (s *Syncer) notify(ctx context.Context, task *domain.Task) {
	if s.notifier == nil {
		return
	}
	result, err := s.notifier.NotifyIfConfigured(ctx, task)
	if result == nil && err == nil {
		return // no webhook configured
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn("webhook delivery failed",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
	telemetry.SyncerWebhooksDelivered.WithLabelValues(outcome).Inc()

	// Delivery attempts land in the execution log, not the task output:
	// the output stays pure call data, and repeated attempts keep their
	// own history instead of fighting the fill-blanks merge.
	execOut := map[string]any{"webhook_outcome": outcome}
	if result != nil {
		execOut["webhook_result"] = result
	}
	if err != nil {
		execOut["error"] = err.Error()
	}
	exec := &domain.TaskExecutionLog{
		TaskID:     task.TaskID,
		RunID:      task.RunID,
		SpaceID:    task.SpaceID,
		ExecutorID: "syncer",
		Status:     task.Status,
		Output:     execOut,
	}
	if err := s.repo.RecordExecution(ctx, exec); err != nil {
		s.logger.Warn("webhook attempt log failed",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// recordingRequery adapts the call source to the recording resolver's last
// fallback step.
type recordingRequery struct {
	source CallSource
}

func (r recordingRequery) RecordingURL(ctx context.Context, callID string) (string, error) {
	call, err := r.source.GetCall(ctx, callID)
	if err != nil {
		return "", err
	}
	return call.RecordingURL, nil
}

func isTaskNotFound(err error) bool {
	var nf *domain.TaskNotFoundError
	return errors.As(err, &nf)
}
