package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/handlers"
	"github.com/voicelane/voicelane/internal/kafka"
	"github.com/voicelane/voicelane/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeProducer struct {
	topics []string
	err    error
}

func (p *fakeProducer) Publish(_ context.Context, topic, _ string, _ []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeStore struct {
	states map[string]domain.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]domain.Status)}
}

func (s *fakeStore) SetTaskStatus(_ context.Context, id string, st domain.Status) error {
	s.states[id] = st
	return nil
}
func (s *fakeStore) GetTaskStatus(_ context.Context, id string) (domain.Status, error) {
	st, ok := s.states[id]
	if !ok {
		return "", &domain.TaskNotFoundError{TaskID: id}
	}
	return st, nil
}
func (s *fakeStore) SetTaskMeta(context.Context, *domain.Task) error { return nil }
func (s *fakeStore) GetTaskMeta(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (s *fakeStore) SetRunStatus(context.Context, string, domain.Status) error { return nil }
func (s *fakeStore) GetRunStatus(_ context.Context, id string) (domain.Status, error) {
	return "", &domain.RunNotFoundError{RunID: id}
}

// fakeRepo stubs the repository methods the worker touches; the embedded
// interface panics on anything else, which is exactly what we want.
type fakeRepo struct {
	postgres.TaskRepository
	tasks      map[string]*domain.Task
	executions []*domain.TaskExecutionLog
	getErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*domain.Task)}
}

func (r *fakeRepo) GetTask(_ context.Context, id string) (*domain.Task, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	task, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *task
	return &cp, nil
}

func (r *fakeRepo) UpdateStatusCAS(_ context.Context, id string, from, to domain.Status, reason string) error {
	task, ok := r.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if task.Status != from {
		return &domain.StatusConflictError{TaskID: id, Expected: from, CurrentStatus: task.Status}
	}
	task.Status = to
	if reason != "" {
		task.LastFailureReason = reason
	}
	return nil
}

func (r *fakeRepo) MergeTaskOutput(_ context.Context, id string, src map[string]any) ([]string, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if task.Output == nil {
		task.Output = domain.Output{}
	}
	return task.Output.Merge(src), nil
}

func (r *fakeRepo) RecordExecution(_ context.Context, exec *domain.TaskExecutionLog) error {
	r.executions = append(r.executions, exec)
	return nil
}

type fakeRoller struct {
	runIDs []string
}

func (f *fakeRoller) CheckAndUpdateRunStatus(_ context.Context, runID string) (*domain.Run, error) {
	f.runIDs = append(f.runIDs, runID)
	return &domain.Run{RunID: runID}, nil
}

type fakeHandler struct {
	execType domain.ExecutionType
	result   handlers.Result
	err      error
	calls    int
}

func (h *fakeHandler) ExecutionType() domain.ExecutionType { return h.execType }
func (h *fakeHandler) Handle(context.Context, *domain.Task) (handlers.Result, error) {
	h.calls++
	return h.result, h.err
}

// ── helpers ──────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.DiscardHandler)

func newTestWorker(producer *fakeProducer, store *fakeStore, repo *fakeRepo, reg *handlers.Registry) *Worker {
	return NewWorker("test-worker", nil, producer, store, repo, reg, WithLogger(discardLogger))
}

func seedTask(repo *fakeRepo, id string, status domain.Status) *domain.Task {
	task := &domain.Task{
		TaskID:        id,
		RunID:         "R-1",
		ExecutionType: domain.ExecutionCall,
		Status:        status,
		Input:         map[string]any{"customer_number": "+15550100"},
		Output:        domain.Output{},
	}
	repo.tasks[id] = task
	return task
}

func envelopeMsg(t testing.TB, id string) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(kafka.TaskEnvelope{
		TaskID:        id,
		RunID:         "R-1",
		ExecutionType: string(domain.ExecutionCall),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicCallsOutbound, Value: raw}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestWorker_CompletedResult(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	prod := &fakeProducer{}
	seedTask(repo, "T-1", domain.StatusInProgress)

	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{
		execType: domain.ExecutionCall,
		result: handlers.Result{
			Status: domain.StatusCompleted,
			Data:   map[string]any{"delivered": true},
		},
	})

	w := newTestWorker(prod, store, repo, reg)
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Equal(t, domain.StatusCompleted, repo.tasks["T-1"].Status)
	assert.Equal(t, domain.StatusCompleted, store.states["T-1"])
	assert.Equal(t, true, repo.tasks["T-1"].Output.Get("delivered"))
	require.Len(t, repo.executions, 1)
	assert.Equal(t, domain.StatusCompleted, repo.executions[0].Status)
	assert.Empty(t, prod.topics, "no DLQ publish on success")
}

func TestWorker_CallStaysProcessing(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	seedTask(repo, "T-1", domain.StatusInProgress)

	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{
		execType: domain.ExecutionCall,
		result: handlers.Result{
			Status: domain.StatusProcessing,
			Data:   map[string]any{"call_id": "c-9"},
		},
	})

	w := newTestWorker(&fakeProducer{}, store, repo, reg)
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Equal(t, domain.StatusProcessing, repo.tasks["T-1"].Status,
		"in-flight call keeps the task in processing")
	assert.Equal(t, "c-9", repo.tasks["T-1"].Output.GetString("call_id"))
}

func TestWorker_HandlerFailureRecordsErrorKind(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	seedTask(repo, "T-1", domain.StatusInProgress)

	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{
		execType: domain.ExecutionCall,
		result:   handlers.Result{Status: domain.StatusFailed, Kind: domain.ErrKindProviderTransient},
		err:      errors.New("sip-480-temporarily-unavailable"),
	})

	w := newTestWorker(&fakeProducer{}, store, repo, reg)
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	task := repo.tasks["T-1"]
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, "sip-480-temporarily-unavailable", task.Output.GetString("error"))
	assert.Equal(t, string(domain.ErrKindProviderTransient), task.Output.GetString("error_kind"))
}

func TestWorker_DuplicateDeliveryLosesClaim(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	// Already claimed by another delivery.
	seedTask(repo, "T-1", domain.StatusProcessing)

	h := &fakeHandler{execType: domain.ExecutionCall}
	reg := handlers.NewRegistry()
	reg.Register(h)

	w := newTestWorker(&fakeProducer{}, store, repo, reg)
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Zero(t, h.calls, "handler must not run for a lost claim")
	assert.Empty(t, repo.executions)
}

func TestWorker_TerminalTaskDropped(t *testing.T) {
	repo := newFakeRepo()
	seedTask(repo, "T-1", domain.StatusCompleted)

	h := &fakeHandler{execType: domain.ExecutionCall}
	reg := handlers.NewRegistry()
	reg.Register(h)

	w := newTestWorker(&fakeProducer{}, newFakeStore(), repo, reg)
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))
	assert.Zero(t, h.calls)
}

func TestWorker_MalformedEnvelopeToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	w := newTestWorker(prod, newFakeStore(), newFakeRepo(), handlers.NewRegistry())

	msg := kafka.Message{Topic: kafka.TopicCallsOutbound, Value: []byte("not-json")}
	require.NoError(t, w.processMessage(context.Background(), msg))
	assert.Contains(t, prod.topics, kafka.TopicCallsOutbound+".dlq")
}

func TestWorker_UnknownTaskToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	w := newTestWorker(prod, newFakeStore(), newFakeRepo(), handlers.NewRegistry())

	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-missing")))
	assert.Contains(t, prod.topics, kafka.TopicCallsOutbound+".dlq")
}

func TestWorker_NoHandlerFailsTask(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	prod := &fakeProducer{}
	seedTask(repo, "T-1", domain.StatusInProgress)

	// Registry has no call handler.
	w := newTestWorker(prod, store, repo, handlers.NewRegistry())
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Equal(t, domain.StatusFailed, repo.tasks["T-1"].Status)
	assert.Contains(t, prod.topics, kafka.TopicCallsOutbound+".dlq")
}

func TestWorker_TerminalResultRollsUpRun(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	roller := &fakeRoller{}
	seedTask(repo, "T-1", domain.StatusInProgress)

	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{
		execType: domain.ExecutionCall,
		result:   handlers.Result{Status: domain.StatusCompleted},
	})

	w := NewWorker("test-worker", nil, &fakeProducer{}, store, repo, reg,
		WithLogger(discardLogger), WithRunRoller(roller))
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Equal(t, []string{"R-1"}, roller.runIDs,
		"finishing a task recomputes its run immediately")
}

func TestWorker_ProcessingResultDoesNotRollUp(t *testing.T) {
	store := newFakeStore()
	repo := newFakeRepo()
	roller := &fakeRoller{}
	seedTask(repo, "T-1", domain.StatusInProgress)

	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{
		execType: domain.ExecutionCall,
		result:   handlers.Result{Status: domain.StatusProcessing},
	})

	w := NewWorker("test-worker", nil, &fakeProducer{}, store, repo, reg,
		WithLogger(discardLogger), WithRunRoller(roller))
	require.NoError(t, w.processMessage(context.Background(), envelopeMsg(t, "T-1")))

	assert.Empty(t, roller.runIDs, "an in-flight call changes nothing about the run")
}

func TestWorker_TransientDBErrorRetriesDelivery(t *testing.T) {
	repo := newFakeRepo()
	repo.getErr = errors.New("connection refused")

	w := newTestWorker(&fakeProducer{}, newFakeStore(), repo, handlers.NewRegistry())
	err := w.processMessage(context.Background(), envelopeMsg(t, "T-1"))
	require.Error(t, err, "offset must not be committed on a transient DB error")
}
