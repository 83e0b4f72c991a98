// Package orchestrator owns the task lifecycle: claiming pending tasks for
// dispatch, applying externally reported outcomes, recovering stuck or
// failed work, and rolling task states up into run states.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/kafka"
	"github.com/voicelane/voicelane/internal/postgres"
	"github.com/voicelane/voicelane/internal/provider"
	redisstore "github.com/voicelane/voicelane/internal/redis"
	"github.com/voicelane/voicelane/pkg/telemetry"
)

// CallStatusSource re-fetches a call's authoritative record from the
// provider. Used to resolve API-error failures where the call itself may
// have succeeded and only the status fetch failed.
type CallStatusSource interface {
	GetCall(ctx context.Context, callID string) (*provider.Call, error)
}

// PostCallWorkflow derives the structured post-call outcome (summary,
// status buckets, success score) from a call's transcript and metadata.
// External collaborator.
type PostCallWorkflow interface {
	Execute(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// Config carries the retry policy knobs.
type Config struct {
	// MaxCallRetries caps automatic retries for system failures.
	MaxCallRetries int
	// UserRejectRetries caps courtesy retries for no-answer and voicemail
	// outcomes.
	UserRejectRetries int
	// InProgressHold is how long a task may sit in an active status before
	// the recovery sweep considers it abandoned.
	InProgressHold time.Duration
}

// DefaultConfig mirrors the production policy.
func DefaultConfig() Config {
	return Config{
		MaxCallRetries:    3,
		UserRejectRetries: 2,
		InProgressHold:    15 * time.Minute,
	}
}

// Orchestrator coordinates task state transitions. All writes go through
// the repository's compare-and-swap primitives, so concurrent orchestrator
// instances are safe.
type Orchestrator struct {
	repo     postgres.TaskRepository
	store    redisstore.StateStore
	producer kafka.Producer
	calls    CallStatusSource // nil = API-error resolution disabled
	workflow PostCallWorkflow // nil = post-call analysis disabled
	cfg      Config
	id       string
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCallSource enables re-fetching authoritative call records during
// failure recovery.
func WithCallSource(src CallStatusSource) Option {
	return func(o *Orchestrator) { o.calls = src }
}

// WithPostCallWorkflow enables deriving post-call analysis for recovered
// calls that have a transcript but no analysis yet.
func WithPostCallWorkflow(wf PostCallWorkflow) Option {
	return func(o *Orchestrator) { o.workflow = wf }
}

// New creates an Orchestrator.
func New(
	repo postgres.TaskRepository,
	store redisstore.StateStore,
	producer kafka.Producer,
	cfg Config,
	instanceID string,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		store:    store,
		producer: producer,
		cfg:      cfg,
		id:       instanceID,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func pendingTopicFor(execType domain.ExecutionType) string {
	switch execType {
	case domain.ExecutionEmail, domain.ExecutionEmailClassification:
		return kafka.TopicEmailsPending
	default:
		return kafka.TopicCallsPending
	}
}

// ProcessTask claims a pending task and hands it to the dispatch pipeline.
// The pending to in_progress transition is the atomicity point: of any
// number of concurrent submissions for the same task, exactly one wins and
// publishes, and the rest get StatusConflictError.
func (o *Orchestrator) ProcessTask(ctx context.Context, taskID string) (*domain.Task, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.process_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	log := o.logger.With(
		slog.String("task_id", task.TaskID),
		slog.String("run_id", task.RunID),
	)

	if task.Status.IsTerminal() {
		log.Info("task already terminal, nothing to process",
			slog.String("status", string(task.Status)))
		return task, nil
	}
	if task.Status != domain.StatusPending {
		err := &domain.StatusConflictError{
			TaskID:        task.TaskID,
			Expected:      domain.StatusPending,
			CurrentStatus: task.Status,
		}
		span.SetStatus(codes.Error, "not pending")
		telemetry.OrchestratorTasksClaimed.WithLabelValues("conflict").Inc()
		return nil, err
	}

	if task.RetryAttempt >= o.cfg.MaxCallRetries {
		log.Warn("retry budget exhausted, failing task",
			slog.Int("retry_attempt", task.RetryAttempt))
		reason := fmt.Sprintf("max retries (%d) exhausted", o.cfg.MaxCallRetries)
		if casErr := o.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusPending, domain.StatusFailed, reason); casErr != nil {
			return nil, casErr
		}
		o.cacheStatus(ctx, task.TaskID, domain.StatusFailed)
		o.rollupRun(ctx, task.RunID)
		telemetry.OrchestratorTasksClaimed.WithLabelValues("exhausted").Inc()
		return nil, &domain.RetriesExhaustedError{TaskID: task.TaskID, Attempts: task.RetryAttempt}
	}

	if err := o.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusPending, domain.StatusInProgress, ""); err != nil {
		var conflict *domain.StatusConflictError
		if errors.As(err, &conflict) {
			log.Info("lost claim race, skipping",
				slog.String("current_status", string(conflict.CurrentStatus)))
			telemetry.OrchestratorTasksClaimed.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}
	task.Status = domain.StatusInProgress
	o.cacheStatus(ctx, task.TaskID, domain.StatusInProgress)

	run, err := o.repo.GetRun(ctx, task.RunID)
	if err != nil {
		// A claimed task with a missing run cannot dispatch; put it back.
		log.Error("run lookup failed after claim", slog.String("error", err.Error()))
		_ = o.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusInProgress, domain.StatusPending, "")
		o.cacheStatus(ctx, task.TaskID, domain.StatusPending)
		return nil, fmt.Errorf("load run for task %s: %w", task.TaskID, err)
	}

	env := kafka.TaskEnvelope{
		TaskID:        task.TaskID,
		RunID:         task.RunID,
		ExecutionType: string(task.ExecutionType),
		Assignee:      task.Assignee,
		BatchCount:    run.BatchCount,
	}
	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}

	topic := pendingTopicFor(task.ExecutionType)
	if err := o.producer.Publish(ctx, topic, task.TaskID, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		// Claimed but never published: release the claim so the recovery
		// sweep does not have to wait out the hold window.
		_ = o.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusInProgress, domain.StatusPending, "")
		o.cacheStatus(ctx, task.TaskID, domain.StatusPending)
		return nil, fmt.Errorf("publish task %s: %w", task.TaskID, err)
	}

	o.recordExec(ctx, task, domain.StatusInProgress, map[string]any{"dispatched_to": topic})
	telemetry.OrchestratorTasksClaimed.WithLabelValues("claimed").Inc()
	log.Info("task claimed and dispatched",
		slog.String("topic", topic),
		slog.Int("batch_count", run.BatchCount),
	)
	return task, nil
}

// rollupRun recomputes the owning run after a terminal task transition.
// Best effort: the periodic run sweep self-heals any missed update.
func (o *Orchestrator) rollupRun(ctx context.Context, runID string) {
	if _, err := o.CheckAndUpdateRunStatus(ctx, runID); err != nil {
		o.logger.Warn("run rollup after task transition failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

// cacheStatus is best effort. Redis being down degrades status reads to
// Postgres, it never blocks a transition.
func (o *Orchestrator) cacheStatus(ctx context.Context, taskID string, status domain.Status) {
	if err := o.store.SetTaskStatus(ctx, taskID, status); err != nil {
		o.logger.Warn("status cache write failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordExec(ctx context.Context, task *domain.Task, status domain.Status, output map[string]any) {
	exec := &domain.TaskExecutionLog{
		TaskID:     task.TaskID,
		RunID:      task.RunID,
		SpaceID:    task.SpaceID,
		ExecutorID: o.id,
		Status:     status,
		Output:     output,
	}
	if err := o.repo.RecordExecution(ctx, exec); err != nil {
		o.logger.Error("failed to record execution log",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
