// Package worker consumes dispatched tasks from Kafka and executes them
// through the handler registry.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/handlers"
	"github.com/voicelane/voicelane/internal/kafka"
	"github.com/voicelane/voicelane/internal/postgres"
	redisstore "github.com/voicelane/voicelane/internal/redis"
	"github.com/voicelane/voicelane/pkg/telemetry"
)

// RunRoller recomputes a run's status and analytics from its tasks.
// Satisfied by the orchestrator.
type RunRoller interface {
	CheckAndUpdateRunStatus(ctx context.Context, runID string) (*domain.Run, error)
}

// Worker consumes task envelopes and executes them. At-least-once delivery
// plus the CAS claim gives effectively-once execution: a redelivered or
// duplicated envelope loses the in_progress to processing swap and is
// dropped without side effects.
type Worker struct {
	consumer kafka.Consumer
	producer kafka.Producer
	store    redisstore.StateStore
	repo     postgres.TaskRepository
	registry *handlers.Registry
	roller   RunRoller // nil = run rollup left to the periodic sweep
	workerID string
	timeout  time.Duration
	logger   *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithTimeout(d time.Duration) Option { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option   { return func(w *Worker) { w.logger = l } }
func WithRunRoller(r RunRoller) Option   { return func(w *Worker) { w.roller = r } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(
	workerID string,
	consumer kafka.Consumer,
	producer kafka.Producer,
	store redisstore.StateStore,
	repo postgres.TaskRepository,
	registry *handlers.Registry,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID: workerID,
		consumer: consumer,
		producer: producer,
		store:    store,
		repo:     repo,
		registry: registry,
		timeout:  60 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts consuming and processing messages. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, w.processMessage)
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// processMessage is the Kafka HandlerFunc. It returns nil in every case
// except a transient infrastructure error, so poison messages cannot wedge
// the partition.
func (w *Worker) processMessage(consumerCtx context.Context, msg kafka.Message) error {
	env, err := kafka.DecodeTaskEnvelope(msg.Value)
	if err != nil {
		w.logger.Error("malformed envelope, sending to DLQ",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()),
		)
		w.toDLQ(consumerCtx, msg)
		return nil
	}

	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.execution_type", env.ExecutionType),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("execution_type", env.ExecutionType),
		slog.String("worker_id", w.workerID),
	)

	// The envelope is routing only; the row is the truth.
	task, err := w.repo.GetTask(ctx, env.TaskID)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			log.Error("envelope references unknown task, sending to DLQ")
			w.toDLQ(ctx, msg)
			return nil
		}
		return err // transient DB error, retry delivery
	}

	if task.Status.IsTerminal() {
		log.Info("task already terminal, dropping envelope",
			slog.String("status", string(task.Status)))
		return nil
	}

	// Claim: in_progress to processing. Exactly one delivery wins.
	if err := w.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusInProgress, domain.StatusProcessing, ""); err != nil {
		var conflict *domain.StatusConflictError
		if errors.As(err, &conflict) {
			log.Info("lost execution claim, dropping envelope",
				slog.String("current_status", string(conflict.CurrentStatus)))
			telemetry.WorkerClaimConflicts.Inc()
			return nil
		}
		return err
	}
	task.Status = domain.StatusProcessing
	w.cacheStatus(ctx, task.TaskID, domain.StatusProcessing)

	h, err := w.registry.Get(task.ExecutionType)
	if err != nil {
		log.Error("no handler for execution type", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		w.finish(ctx, task, handlers.Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown}, err, 0)
		w.toDLQ(ctx, msg)
		return nil
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(env.ExecutionType).Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.WithLabelValues(env.ExecutionType).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	start := time.Now()
	// Fresh context so handler timeout is independent of consumer shutdown,
	// with the span kept as parent.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), w.timeout)
	res, execErr := h.Handle(execCtx, task)
	cancel()

	duration := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(env.ExecutionType).Observe(duration.Seconds())

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "handler failed")
		log.Error("handler failed",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	} else {
		log.Info("handler finished",
			slog.String("result_status", string(res.Status)),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}

	w.finish(ctx, task, res, execErr, duration.Milliseconds())
	return nil
}

// finish persists the handler result: merges result data into the output,
// applies the status transition, and appends the execution log. A failed
// result also records the error text and kind so the recovery engine can
// classify without re-parsing.
func (w *Worker) finish(ctx context.Context, task *domain.Task, res handlers.Result, execErr error, durationMs int64) {
	data := map[string]any{}
	for k, v := range res.Data {
		data[k] = v
	}
	if execErr != nil {
		data["error"] = execErr.Error()
		if res.Kind != domain.ErrKindNone {
			data["error_kind"] = string(res.Kind)
		}
	}
	if len(data) > 0 {
		if _, err := w.repo.MergeTaskOutput(ctx, task.TaskID, data); err != nil {
			w.logger.Error("failed to merge handler output",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	status := res.Status
	if status == "" {
		status = domain.StatusFailed
	}
	if status != domain.StatusProcessing {
		// The task stays in processing for in-flight calls; everything else
		// transitions now.
		if err := w.repo.UpdateStatusCAS(ctx, task.TaskID, domain.StatusProcessing, status, errText(execErr)); err != nil {
			var conflict *domain.StatusConflictError
			if !errors.As(err, &conflict) {
				w.logger.Error("failed to persist result status",
					slog.String("task_id", task.TaskID),
					slog.String("error", err.Error()),
				)
			}
		} else {
			w.cacheStatus(ctx, task.TaskID, status)
			if status.IsTerminal() && w.roller != nil {
				if _, err := w.roller.CheckAndUpdateRunStatus(ctx, task.RunID); err != nil {
					w.logger.Warn("run rollup after task finished failed",
						slog.String("run_id", task.RunID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	exec := &domain.TaskExecutionLog{
		TaskID:     task.TaskID,
		RunID:      task.RunID,
		SpaceID:    task.SpaceID,
		ExecutorID: w.workerID,
		Status:     status,
		Output:     data,
	}
	if durationMs > 0 {
		exec.Output["duration_ms"] = durationMs
	}
	if err := w.repo.RecordExecution(ctx, exec); err != nil {
		w.logger.Error("failed to record execution",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.WorkerTasksProcessed.WithLabelValues(string(task.ExecutionType), string(status)).Inc()
}

func (w *Worker) cacheStatus(ctx context.Context, taskID string, status domain.Status) {
	if err := w.store.SetTaskStatus(ctx, taskID, status); err != nil {
		w.logger.Warn("status cache write failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) toDLQ(ctx context.Context, msg kafka.Message) {
	dlq := kafka.DLQTopic(msg.Topic)
	if err := w.producer.Publish(ctx, dlq, string(msg.Key), msg.Value); err != nil {
		w.logger.Error("failed to publish to DLQ",
			slog.String("topic", dlq),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.WorkerDLQTotal.WithLabelValues(msg.Topic).Inc()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
