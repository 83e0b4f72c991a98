package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/postgres"
	redisstore "github.com/voicelane/voicelane/internal/redis"
	"github.com/voicelane/voicelane/pkg/telemetry"
	"github.com/voicelane/voicelane/services/orchestrator"
	"github.com/voicelane/voicelane/services/syncer"
)

// Orchestrator is the slice of the orchestrator the gateway calls.
type Orchestrator interface {
	ProcessTask(ctx context.Context, taskID string) (*domain.Task, error)
	MarkTaskStatus(ctx context.Context, taskID string, reported domain.Status, output map[string]any) (*domain.Task, error)
	CheckAndUpdateRunStatus(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.Status) error
	RecoverCallTasks(ctx context.Context) (orchestrator.RecoverySummary, error)
	GetPendingTasks(ctx context.Context, runID string) ([]*domain.Task, error)
}

// RunSyncer triggers a targeted reconciliation of one run.
type RunSyncer interface {
	SyncRunTasks(ctx context.Context, runID string) (syncer.Summary, error)
}

// REST handles HTTP requests for the API gateway.
type REST struct {
	repo   postgres.TaskRepository
	store  redisstore.StateStore
	orch   Orchestrator
	sync   RunSyncer // nil = sync endpoint disabled
	logger *slog.Logger
}

// NewREST creates a REST handler.
func NewREST(repo postgres.TaskRepository, store redisstore.StateStore, orch Orchestrator, sync RunSyncer, logger *slog.Logger) *REST {
	return &REST{repo: repo, store: store, orch: orch, sync: sync, logger: logger}
}

// Routes mounts every endpoint on a chi router.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/tasks", h.ListRunTasks)
		r.Post("/runs/{id}/status", h.SetRunStatus)
		r.Post("/runs/{id}/rollup", h.RollupRun)
		r.Post("/runs/{id}/sync", h.SyncRun)
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/process", h.ProcessTask)
		r.Post("/tasks/{id}/status", h.MarkTask)
		r.Get("/tasks", h.ListPending)
		r.Post("/recovery", h.TriggerRecovery)
	})
}

var validExecutionTypes = map[domain.ExecutionType]bool{
	domain.ExecutionCall:                true,
	domain.ExecutionEmail:               true,
	domain.ExecutionEmailClassification: true,
	domain.ExecutionDealer:              true,
	domain.ExecutionSpaceCall:           true,
}

// CreateTaskSpec is one task in a run creation or task creation body.
type CreateTaskSpec struct {
	RunID         string         `json:"run_id,omitempty"`
	SpaceID       string         `json:"space_id,omitempty"`
	Assignee      string         `json:"assignee"`
	ExecutionType string         `json:"execution_type"`
	Objective     string         `json:"objective,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	CollectionRef string         `json:"collection_ref,omitempty"`
	Input         map[string]any `json:"input"`
}

// CreateRunRequest is the JSON body for POST /api/v1/runs.
type CreateRunRequest struct {
	SpaceID       string           `json:"space_id"`
	BatchCount    int              `json:"batch_count"`
	CollectionRef string           `json:"collection_ref,omitempty"`
	RunMode       string           `json:"run_mode,omitempty"`
	ThreadID      string           `json:"thread_id,omitempty"`
	OwnerOrgID    string           `json:"owner_org_id,omitempty"`
	User          string           `json:"user,omitempty"`
	Tasks         []CreateTaskSpec `json:"tasks,omitempty"`
}

// CreateRunResponse is the 201 response body.
type CreateRunResponse struct {
	RunID   string   `json:"run_id"`
	Status  string   `json:"status"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

func (spec *CreateTaskSpec) validate() string {
	if strings.TrimSpace(spec.ExecutionType) == "" {
		return "field 'execution_type' is required"
	}
	if !validExecutionTypes[domain.ExecutionType(spec.ExecutionType)] {
		return "unknown execution_type " + spec.ExecutionType
	}
	return ""
}

func (spec *CreateTaskSpec) toTask(runID, spaceID string) *domain.Task {
	input := spec.Input
	if input == nil {
		input = map[string]any{}
	}
	return &domain.Task{
		TaskID:        domain.NewTaskID(),
		RunID:         runID,
		SpaceID:       spaceID,
		ThreadID:      spec.ThreadID,
		CollectionRef: spec.CollectionRef,
		Objective:     spec.Objective,
		Assignee:      spec.Assignee,
		ExecutionType: domain.ExecutionType(spec.ExecutionType),
		Provider:      spec.Provider,
		Status:        domain.StatusPending,
		Input:         input,
		Output:        domain.Output{},
	}
}

// CreateRun handles POST /api/v1/runs. Tasks supplied inline are created
// atomically with the run, all in pending.
func (h *REST) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.create_run")
	defer span.End()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SpaceID) == "" {
		writeError(w, http.StatusBadRequest, "field 'space_id' is required")
		return
	}
	for i := range req.Tasks {
		if msg := req.Tasks[i].validate(); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	batch := req.BatchCount
	if batch <= 0 {
		batch = len(req.Tasks)
		if batch == 0 {
			batch = 1
		}
	}

	run := &domain.Run{
		RunID:         domain.NewRunID(),
		SpaceID:       req.SpaceID,
		BatchCount:    batch,
		CollectionRef: req.CollectionRef,
		RunMode:       req.RunMode,
		ThreadID:      req.ThreadID,
		OwnerOrgID:    req.OwnerOrgID,
		User:          req.User,
		Status:        domain.StatusPending,
	}
	span.SetAttributes(attribute.String("run.id", run.RunID))

	if err := h.repo.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run failed")
		h.logger.Error("failed to create run", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	h.cacheRunStatus(ctx, run.RunID, domain.StatusPending)

	taskIDs := make([]string, 0, len(req.Tasks))
	for i := range req.Tasks {
		task := req.Tasks[i].toTask(run.RunID, req.SpaceID)
		if err := h.repo.CreateTask(ctx, task); err != nil {
			h.logger.Error("failed to create task",
				slog.String("run_id", run.RunID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to create task")
			return
		}
		taskIDs = append(taskIDs, task.TaskID)
		telemetry.APITasksSubmitted.WithLabelValues(string(task.ExecutionType)).Inc()
	}

	telemetry.APIRunsCreated.Inc()
	h.logger.Info("run created",
		slog.String("run_id", run.RunID),
		slog.Int("tasks", len(taskIDs)),
	)
	writeJSON(w, http.StatusCreated, CreateRunResponse{
		RunID:   run.RunID,
		Status:  string(run.Status),
		TaskIDs: taskIDs,
	})
}

// CreateTask handles POST /api/v1/tasks for adding a task to an existing run.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.create_task")
	defer span.End()

	var spec CreateTaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(spec.RunID) == "" {
		writeError(w, http.StatusBadRequest, "field 'run_id' is required")
		return
	}
	if msg := spec.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	run, err := h.repo.GetRun(ctx, spec.RunID)
	if err != nil {
		var nf *domain.RunNotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("run lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	spaceID := spec.SpaceID
	if spaceID == "" {
		spaceID = run.SpaceID
	}
	task := spec.toTask(run.RunID, spaceID)
	span.SetAttributes(attribute.String("task.id", task.TaskID))

	if err := h.repo.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to create task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	h.cacheTaskStatus(ctx, task.TaskID, domain.StatusPending)

	telemetry.APITasksSubmitted.WithLabelValues(string(task.ExecutionType)).Inc()
	writeJSON(w, http.StatusCreated, task)
}

// ProcessTask handles POST /api/v1/tasks/{id}/process: claim and dispatch.
func (h *REST) ProcessTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := h.orch.ProcessTask(r.Context(), taskID)
	if err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// MarkTaskRequest is the JSON body for POST /api/v1/tasks/{id}/status.
type MarkTaskRequest struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
}

// MarkTask handles externally reported outcomes, e.g. the provider's
// post-call webhook relay.
func (h *REST) MarkTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req MarkTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "field 'status' is required")
		return
	}

	task, err := h.orch.MarkTaskStatus(r.Context(), taskID, domain.Status(req.Status), req.Output)
	if err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetTask handles GET /api/v1/tasks/{id}. The row comes from Postgres; the
// status is overlaid from Redis when the cache is fresher.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ctx := r.Context()

	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}
	if status, err := h.store.GetTaskStatus(ctx, taskID); err == nil {
		task.Status = status
	}
	writeJSON(w, http.StatusOK, task)
}

// ListPending handles GET /api/v1/tasks?run_id=... (a run's work awaiting
// dispatch).
func (h *REST) ListPending(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	tasks, err := h.orch.GetPendingTasks(r.Context(), runID)
	if err != nil {
		var nf *domain.RunNotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("pending list failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *REST) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	ctx := r.Context()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		h.writeRunError(w, runID, err)
		return
	}
	if status, err := h.store.GetRunStatus(ctx, runID); err == nil {
		run.Status = status
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs?space_id=...&user=...
func (h *REST) ListRuns(w http.ResponseWriter, r *http.Request) {
	spaceID := r.URL.Query().Get("space_id")
	if spaceID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'space_id' is required")
		return
	}
	runs, err := h.repo.ListRunsBySpace(r.Context(), spaceID, r.URL.Query().Get("user"), 100)
	if err != nil {
		h.logger.Error("run list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// ListRunTasks handles GET /api/v1/runs/{id}/tasks.
func (h *REST) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := h.repo.GetRun(ctx, runID); err != nil {
		h.writeRunError(w, runID, err)
		return
	}
	tasks, err := h.repo.ListTasksByRun(ctx, runID)
	if err != nil {
		h.logger.Error("task list failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// SetRunStatusRequest is the JSON body for POST /api/v1/runs/{id}/status.
type SetRunStatusRequest struct {
	Status string `json:"status"`
}

// SetRunStatus is the operator override endpoint.
func (h *REST) SetRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var req SetRunStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "field 'status' is required")
		return
	}

	if err := h.orch.UpdateRunStatus(r.Context(), runID, domain.Status(req.Status)); err != nil {
		h.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": req.Status})
}

// RollupRun recomputes one run's status and analytics from its tasks.
func (h *REST) RollupRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.orch.CheckAndUpdateRunStatus(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SyncRun triggers a targeted provider reconciliation for one run.
func (h *REST) SyncRun(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	runID := chi.URLParam(r, "id")
	summary, err := h.sync.SyncRunTasks(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// TriggerRecovery handles POST /api/v1/recovery: one on-demand sweep.
func (h *REST) TriggerRecovery(w http.ResponseWriter, r *http.Request) {
	summary, err := h.orch.RecoverCallTasks(r.Context())
	if err != nil {
		h.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "recovery sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetTaskStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (h *REST) writeTaskError(w http.ResponseWriter, taskID string, err error) {
	var (
		notFound  *domain.TaskNotFoundError
		conflict  *domain.StatusConflictError
		exhausted *domain.RetriesExhaustedError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &exhausted):
		writeError(w, http.StatusConflict, exhausted.Error())
	default:
		h.logger.Error("task operation failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *REST) writeRunError(w http.ResponseWriter, runID string, err error) {
	var notFound *domain.RunNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error("run operation failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *REST) cacheTaskStatus(ctx context.Context, taskID string, status domain.Status) {
	if err := h.store.SetTaskStatus(ctx, taskID, status); err != nil {
		h.logger.Warn("status cache write failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *REST) cacheRunStatus(ctx context.Context, runID string, status domain.Status) {
	if err := h.store.SetRunStatus(ctx, runID, status); err != nil {
		h.logger.Warn("run status cache write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
