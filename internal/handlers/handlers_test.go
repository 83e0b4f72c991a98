package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/voicelane/internal/domain"
)

type fakeStarter struct {
	callID  string
	err     error
	lastReq CallRequest
}

func (f *fakeStarter) StartCall(_ context.Context, req CallRequest) (string, error) {
	f.lastReq = req
	return f.callID, f.err
}

func TestRegistry_GetUnknownType(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewCallHandler(&fakeStarter{}))

	h, err := reg.Get(domain.ExecutionCall)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCall, h.ExecutionType())

	_, err = reg.Get(domain.ExecutionType("fax"))
	var unknownErr *domain.UnknownExecutionTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, domain.ExecutionType("fax"), unknownErr.ExecutionType)
}

func TestCallHandler_StartsCallAndStaysProcessing(t *testing.T) {
	starter := &fakeStarter{callID: "c-42"}
	h := NewCallHandler(starter)

	task := &domain.Task{
		TaskID:   "T-1",
		RunID:    "R-1",
		SpaceID:  "S-1",
		Assignee: "agent-7",
		Input:    map[string]any{"customer_number": "+15550100", "customer_name": "Dana"},
	}

	res, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, res.Status)
	assert.Equal(t, "c-42", res.Data["call_id"])

	assert.Equal(t, "agent-7", starter.lastReq.AssistantID)
	assert.Equal(t, "+15550100", starter.lastReq.CustomerNumber)
	assert.Equal(t, "T-1", starter.lastReq.Metadata["task_id"])
	assert.Equal(t, "R-1", starter.lastReq.Metadata["run_id"])
}

func TestCallHandler_MissingNumberFails(t *testing.T) {
	h := NewCallHandler(&fakeStarter{})
	task := &domain.Task{TaskID: "T-1", Assignee: "agent-7", Input: map[string]any{}}

	res, err := h.Handle(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
}

func TestCallHandler_ClassifiesProviderError(t *testing.T) {
	starter := &fakeStarter{err: errors.New("rate limit exceeded")}
	h := NewCallHandler(starter)
	task := &domain.Task{
		TaskID:   "T-1",
		Assignee: "agent-7",
		Input:    map[string]any{"customer_number": "+15550100"},
	}

	res, err := h.Handle(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.ErrKindProviderTransient, res.Kind)
}

func TestDealerHandler_CompletesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewDealerHandler(srv.URL)
	task := &domain.Task{TaskID: "T-1", RunID: "R-1", Input: map[string]any{"lead": "x"}}

	res, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, http.StatusAccepted, res.Data["dealer_response_status"])
}

func TestDealerHandler_RateLimitedStatusMapsToRetryableKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewDealerHandler(srv.URL)
	res, err := h.Handle(context.Background(), &domain.Task{TaskID: "T-1"})
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.ErrKindRateLimited, res.Kind)
}

type fakeClassifier struct {
	label      string
	confidence float64
	err        error
}

func (f *fakeClassifier) Classify(context.Context, string) (string, float64, error) {
	return f.label, f.confidence, f.err
}

func TestClassificationHandler(t *testing.T) {
	h := NewClassificationHandler(&fakeClassifier{label: "interested", confidence: 0.93})
	task := &domain.Task{TaskID: "T-1", Input: map[string]any{"body": "I'd like a test drive"}}

	res, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "interested", res.Data["classification"])
}

func TestClassificationHandler_FailureIsTerminal(t *testing.T) {
	h := NewClassificationHandler(&fakeClassifier{err: errors.New("model unavailable")})
	task := &domain.Task{TaskID: "T-1", Input: map[string]any{"body": "hello"}}

	res, err := h.Handle(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
}
