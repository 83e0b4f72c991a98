package syncer

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/voicelane/internal/domain"
	"github.com/voicelane/voicelane/internal/postgres"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/services/orchestrator"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeRepo struct {
	postgres.TaskRepository
	tasks   map[string]*domain.Task
	created []*domain.Task
	execs   []*domain.TaskExecutionLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*domain.Task)}
}

func (r *fakeRepo) GetTask(_ context.Context, id string) (*domain.Task, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

func (r *fakeRepo) FindTaskByCallID(_ context.Context, callID string) (*domain.Task, error) {
	for _, task := range r.tasks {
		if task.Output.GetString("call_id") == callID {
			return task, nil
		}
	}
	return nil, &domain.TaskNotFoundError{TaskID: callID}
}

func (r *fakeRepo) FindTaskByRouting(_ context.Context, assignee, phoneNumberID, number string, statuses []domain.Status) (*domain.Task, error) {
	for _, task := range r.tasks {
		if task.Assignee != assignee || task.InputString("customer_number") != number {
			continue
		}
		if phoneNumberID != "" && task.InputString("phone_number_id") != phoneNumberID {
			continue
		}
		for _, st := range statuses {
			if task.Status == st {
				return task, nil
			}
		}
	}
	return nil, &domain.TaskNotFoundError{TaskID: assignee}
}

func (r *fakeRepo) LastTaskForAgent(_ context.Context, assignee string) (*domain.Task, error) {
	for _, task := range r.tasks {
		if task.Assignee == assignee {
			return task, nil
		}
	}
	return nil, &domain.TaskNotFoundError{TaskID: assignee}
}

func (r *fakeRepo) CreateTask(_ context.Context, task *domain.Task) error {
	r.tasks[task.TaskID] = task
	r.created = append(r.created, task)
	return nil
}

func (r *fakeRepo) ListTasksByRun(_ context.Context, runID string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, task := range r.tasks {
		if task.RunID == runID {
			out = append(out, task)
		}
	}
	return out, nil
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
	r.execs = append(r.execs, exec)
	return nil
}

type markedCall struct {
	taskID   string
	reported domain.Status
	output   map[string]any
}

// fakeMarker applies the merge and terminal transition inline so assertions
// can read the resulting task state.
type fakeMarker struct {
	repo    *fakeRepo
	marks   []markedCall
	rollups []string
}

func (m *fakeMarker) MarkTaskStatus(ctx context.Context, taskID string, reported domain.Status, output map[string]any) (*domain.Task, error) {
	m.marks = append(m.marks, markedCall{taskID, reported, output})
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Output == nil {
		task.Output = domain.Output{}
	}
	task.Output.Merge(output)
	if reported.IsTerminal() && !task.Status.IsTerminal() {
		task.Status = reported
	}
	return task, nil
}

func (m *fakeMarker) CheckAndUpdateRunStatus(_ context.Context, runID string) (*domain.Run, error) {
	m.rollups = append(m.rollups, runID)
	return &domain.Run{RunID: runID}, nil
}

type fakeSource struct {
	calls   []provider.Call
	since   time.Time
	byID    map[string]*provider.Call
	numbers map[string]string
}

func (f *fakeSource) FetchAllRecentCalls(_ context.Context, since time.Time, _ int) ([]provider.Call, error) {
	f.since = since
	return f.calls, nil
}

func (f *fakeSource) GetCall(_ context.Context, callID string) (*provider.Call, error) {
	if call, ok := f.byID[callID]; ok {
		return call, nil
	}
	return nil, &provider.NotFoundError{Resource: "call", ID: callID}
}

func (f *fakeSource) GetPhoneNumber(_ context.Context, numberID string) (*provider.PhoneNumber, error) {
	if num, ok := f.numbers[numberID]; ok {
		return &provider.PhoneNumber{ID: numberID, Number: num}, nil
	}
	return nil, &provider.NotFoundError{Resource: "phone-number", ID: numberID}
}

type fakeAnalyzer struct {
	analysis map[string]any
	calls    int
}

func (f *fakeAnalyzer) Execute(context.Context, *domain.Task) (map[string]any, error) {
	f.calls++
	return f.analysis, nil
}

type fakeRecoverer struct {
	sweeps int
}

func (f *fakeRecoverer) RecoverCallTasks(context.Context) (orchestrator.RecoverySummary, error) {
	f.sweeps++
	return orchestrator.RecoverySummary{Requeued: 2}, nil
}

type fakeNotifier struct {
	notified []string
	result   map[string]any
	err      error
}

func (n *fakeNotifier) NotifyIfConfigured(_ context.Context, task *domain.Task) (map[string]any, error) {
	n.notified = append(n.notified, task.TaskID)
	return n.result, n.err
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestSyncer(t *testing.T, repo *fakeRepo, source *fakeSource, notifier TaskNotifier, opts ...Option) (*Syncer, *fakeMarker, *StateFile) {
	t.Helper()
	marker := &fakeMarker{repo: repo}
	state := NewStateFile(filepath.Join(t.TempDir(), "sync-state.json"))
	s := New(repo, marker, source, nil, notifier, state, DefaultConfig(), slog.New(slog.DiscardHandler), opts...)
	return s, marker, state
}

func seedCallTask(repo *fakeRepo, id, callID string, status domain.Status) *domain.Task {
	task := &domain.Task{
		TaskID:        id,
		RunID:         "R-1",
		SpaceID:       "S-1",
		Assignee:      "agent-1",
		ExecutionType: domain.ExecutionCall,
		Status:        status,
		Input:         map[string]any{"customer_number": "+15550100"},
		Output:        domain.Output{},
	}
	if callID != "" {
		task.Output["call_id"] = callID
	}
	repo.tasks[id] = task
	return task
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSyncFlow_MatchByCallID_Completed(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	source := &fakeSource{calls: []provider.Call{{
		ID:         "c-1",
		Status:     "ended",
		Transcript: "hello",
		Summary:    "customer interested",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	require.Len(t, marker.marks, 1)
	assert.Equal(t, "T-1", marker.marks[0].taskID)
	assert.Equal(t, domain.StatusCompleted, marker.marks[0].reported)
	assert.Equal(t, "hello", marker.marks[0].output["transcript"])
	assert.Equal(t, []string{"R-1"}, marker.rollups)
}

func TestSyncFlow_EndedReasonClassifiedAsFailure(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	source := &fakeSource{calls: []provider.Call{{
		ID:          "c-1",
		Status:      "ended",
		EndedReason: "customer-did-not-answer",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	require.Len(t, marker.marks, 1)
	assert.Equal(t, domain.StatusFailed, marker.marks[0].reported)
	assert.Equal(t, string(domain.ErrKindNoAnswer), marker.marks[0].output["error_kind"])
}

func TestSyncFlow_InFlightCallMergesOnly(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	source := &fakeSource{calls: []provider.Call{{
		ID:         "c-1",
		Status:     "in-progress",
		Transcript: "partial",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	require.Len(t, marker.marks, 1)
	assert.Equal(t, domain.StatusProcessing, marker.marks[0].reported)
}

func TestSyncFlow_MatchByMetadata(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-7", "", domain.StatusProcessing)
	source := &fakeSource{calls: []provider.Call{{
		ID:       "c-new",
		Status:   "ended",
		Metadata: map[string]string{"task_id": "T-7"},
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	require.Len(t, marker.marks, 1)
	assert.Equal(t, "T-7", marker.marks[0].taskID)
	assert.Equal(t, "c-new", marker.marks[0].output["call_id"])
}

func TestSyncFlow_MatchByRouting(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-9", "", domain.StatusInProgress)
	source := &fakeSource{calls: []provider.Call{{
		ID:          "c-2",
		Status:      "ended",
		AssistantID: "agent-1",
		Customer:    &provider.Customer{Number: "+15550100"},
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	require.Len(t, marker.marks, 1)
	assert.Equal(t, "T-9", marker.marks[0].taskID)
}

func TestSyncFlow_MatchByRoutingFindsParkedTask(t *testing.T) {
	// A task whose dispatch never came back can still be pending; the
	// provider record proves the call happened, so it must match.
	repo := newFakeRepo()
	task := seedCallTask(repo, "T-9", "", domain.StatusPending)
	task.Input["phone_number_id"] = "pn-1"
	source := &fakeSource{calls: []provider.Call{{
		ID:            "c-2",
		Status:        "ended",
		AssistantID:   "agent-1",
		PhoneNumberID: "pn-1",
		Customer:      &provider.Customer{Number: "+15550100"},
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	require.Len(t, marker.marks, 1)
	assert.Equal(t, "T-9", marker.marks[0].taskID)
}

func TestSyncFlow_RoutingRespectsLineNumber(t *testing.T) {
	repo := newFakeRepo()
	task := seedCallTask(repo, "T-9", "", domain.StatusInProgress)
	task.Input["phone_number_id"] = "pn-other"
	source := &fakeSource{calls: []provider.Call{{
		ID:            "c-2",
		Type:          "outboundPhoneCall",
		Status:        "ended",
		AssistantID:   "agent-1",
		PhoneNumberID: "pn-1",
		Customer:      &provider.Customer{Number: "+15550100"},
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Matched, "same customer on a different line is a different call")
	assert.Empty(t, marker.marks)
}

func TestSyncFlow_DerivesMissingAnalysis(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	wf := &fakeAnalyzer{analysis: map[string]any{
		"summary": map[string]any{"status": "Interested"},
	}}
	source := &fakeSource{calls: []provider.Call{{
		ID:         "c-1",
		Status:     "ended",
		Transcript: "long conversation",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil, WithPostCallWorkflow(wf))

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, wf.calls)
	require.Len(t, marker.marks, 1)
	assert.NotNil(t, marker.marks[0].output["post_call_data"],
		"a transcript without analysis gets one derived")
}

func TestSyncFlow_KeepsProviderAnalysis(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	wf := &fakeAnalyzer{analysis: map[string]any{"summary": "derived"}}
	source := &fakeSource{calls: []provider.Call{{
		ID:         "c-1",
		Status:     "ended",
		Transcript: "long conversation",
		Analysis:   map[string]any{"summary": "provider-made"},
	}}}
	s, _, _ := newTestSyncer(t, repo, source, nil, WithPostCallWorkflow(wf))

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, wf.calls, "the provider's own analysis wins")
}

func TestSyncFlow_RunsRecoveryBeforeWatermark(t *testing.T) {
	repo := newFakeRepo()
	rec := &fakeRecoverer{}
	source := &fakeSource{}
	s, _, state := newTestSyncer(t, repo, source, nil, WithRecoverer(rec))

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.sweeps)
	assert.Equal(t, 2, summary.Recovered)
	saved, err := state.Load()
	require.NoError(t, err)
	assert.False(t, saved.IsZero(), "watermark still advances after recovery")
}

func TestSyncFlow_UnmatchedOutboundSkipped(t *testing.T) {
	repo := newFakeRepo()
	source := &fakeSource{calls: []provider.Call{{
		ID:     "c-stranger",
		Type:   "outboundPhoneCall",
		Status: "ended",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Matched)
	assert.Zero(t, summary.Created)
	assert.Empty(t, marker.marks)
}

func TestSyncFlow_InboundCallSynthesizesTask(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-prev", "c-old", domain.StatusCompleted)
	source := &fakeSource{
		calls: []provider.Call{{
			ID:            "c-in",
			Type:          "inboundPhoneCall",
			Status:        "ended",
			AssistantID:   "agent-1",
			PhoneNumberID: "pn-1",
			Customer:      &provider.Customer{Number: "+15550177", Name: "Dana"},
		}},
		numbers: map[string]string{"pn-1": "+15558800"},
	}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	require.Len(t, repo.created, 1)
	created := repo.created[0]
	assert.Equal(t, "R-1", created.RunID, "run context borrowed from agent history")
	assert.Equal(t, "inbound", created.Input["direction"])
	assert.Equal(t, "+15550177", created.Input["customer_number"])
	assert.Equal(t, "+15558800", created.Input["line_number"])
	require.Len(t, marker.marks, 1)
	assert.Equal(t, created.TaskID, marker.marks[0].taskID)
}

func TestSyncFlow_InboundWithoutAgentHistorySkipped(t *testing.T) {
	repo := newFakeRepo()
	source := &fakeSource{calls: []provider.Call{{
		ID:          "c-in",
		Type:        "inboundPhoneCall",
		Status:      "ended",
		AssistantID: "agent-unknown",
	}}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Created)
	assert.Empty(t, repo.created)
	assert.Empty(t, marker.marks)
}

func TestSyncFlow_NotifiesTerminalTasks(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	notifier := &fakeNotifier{result: map[string]any{"status_code": 200}}
	source := &fakeSource{calls: []provider.Call{{ID: "c-1", Status: "ended"}}}
	s, _, _ := newTestSyncer(t, repo, source, notifier)

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"T-1"}, notifier.notified)
	assert.Nil(t, repo.tasks["T-1"].Output.Get("webhook_result"),
		"delivery bookkeeping must not pollute the task output")
	require.Len(t, repo.execs, 1)
	exec := repo.execs[0]
	assert.Equal(t, "T-1", exec.TaskID)
	assert.Equal(t, "syncer", exec.ExecutorID)
	assert.Equal(t, "ok", exec.Output["webhook_outcome"])
	assert.Equal(t, map[string]any{"status_code": 200}, exec.Output["webhook_result"])
}

func TestSyncFlow_FailedDeliveryLoggedWithError(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	notifier := &fakeNotifier{err: assert.AnError}
	source := &fakeSource{calls: []provider.Call{{ID: "c-1", Status: "ended"}}}
	s, _, _ := newTestSyncer(t, repo, source, notifier)

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	require.Len(t, repo.execs, 1)
	assert.Equal(t, "error", repo.execs[0].Output["webhook_outcome"])
	assert.NotEmpty(t, repo.execs[0].Output["error"])
}

func TestSyncFlow_WatermarkAdvances(t *testing.T) {
	repo := newFakeRepo()
	source := &fakeSource{}
	s, _, state := newTestSyncer(t, repo, source, nil)

	before := time.Now().UTC()
	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	// First pass falls back to the lookback window.
	assert.WithinDuration(t, before.Add(-DefaultConfig().Lookback), source.since, 5*time.Second)

	saved, err := state.Load()
	require.NoError(t, err)
	assert.WithinDuration(t, before, saved, 5*time.Second)

	// Second pass resumes from the watermark.
	_, err = s.SyncFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saved, source.since)
}

func TestSyncFlow_OneRollupPerRun(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	seedCallTask(repo, "T-2", "c-2", domain.StatusProcessing)
	source := &fakeSource{calls: []provider.Call{
		{ID: "c-1", Status: "ended"},
		{ID: "c-2", Status: "ended"},
	}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	_, err := s.SyncFlow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"R-1"}, marker.rollups, "shared run rolls up once")
}

func TestSyncRunTasks_RequeriesByCallID(t *testing.T) {
	repo := newFakeRepo()
	seedCallTask(repo, "T-1", "c-1", domain.StatusProcessing)
	source := &fakeSource{byID: map[string]*provider.Call{
		"c-1": {ID: "c-1", Status: "ended", Transcript: "done"},
	}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	summary, err := s.SyncRunTasks(context.Background(), "R-1")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	require.Len(t, marker.marks, 1)
	assert.Equal(t, domain.StatusCompleted, marker.marks[0].reported)
	assert.Equal(t, []string{"R-1"}, marker.rollups)
}

func TestSyncRunTasks_SkipsSettledTasks(t *testing.T) {
	repo := newFakeRepo()
	task := seedCallTask(repo, "T-1", "c-1", domain.StatusCompleted)
	task.Output["recording_url"] = "https://archive/rec.wav"
	source := &fakeSource{byID: map[string]*provider.Call{}}
	s, marker, _ := newTestSyncer(t, repo, source, nil)

	_, err := s.SyncRunTasks(context.Background(), "R-1")
	require.NoError(t, err)
	assert.Empty(t, marker.marks)
}

func TestStateFile_RoundTrip(t *testing.T) {
	state := NewStateFile(filepath.Join(t.TempDir(), "nested", "state.json"))

	loaded, err := state.Load()
	require.NoError(t, err)
	assert.True(t, loaded.IsZero(), "missing state loads as zero time")

	at := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, state.Save(at))

	loaded, err = state.Load()
	require.NoError(t, err)
	assert.Equal(t, at, loaded)
}
