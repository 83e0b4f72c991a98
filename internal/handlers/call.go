package handlers

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
)

// CallRequest is what the call handler hands to the provider to place an
// outbound call. Metadata travels with the call so the post-call webhook
// and the reconciliation sync can route the result back to the task.
type CallRequest struct {
	AssistantID    string
	CustomerNumber string
	CustomerName   string
	Metadata       map[string]string
}

// CallStarter places outbound calls with the voice provider.
type CallStarter interface {
	StartCall(ctx context.Context, req CallRequest) (callID string, err error)
}

// CallHandler places the task's outbound call. It does not wait for the
// call to end; the task stays in processing until the provider webhook or
// the reconciliation sync reports the outcome.
type CallHandler struct {
	starter CallStarter
}

// NewCallHandler creates a CallHandler backed by the given provider client.
func NewCallHandler(starter CallStarter) *CallHandler {
	return &CallHandler{starter: starter}
}

func (h *CallHandler) ExecutionType() domain.ExecutionType { return domain.ExecutionCall }

func (h *CallHandler) Handle(ctx context.Context, task *domain.Task) (Result, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.call")
	defer span.End()

	number := task.InputString("customer_number")
	if number == "" {
		err := errors.New("call task missing required input 'customer_number'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing customer_number")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown}, err
	}
	if task.Assignee == "" {
		err := errors.New("call task has no assigned agent")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing assignee")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown}, err
	}

	span.SetAttributes(
		attribute.String("call.agent", task.Assignee),
		attribute.String("task.id", task.TaskID),
	)

	callID, err := h.starter.StartCall(ctx, CallRequest{
		AssistantID:    task.Assignee,
		CustomerNumber: number,
		CustomerName:   task.InputString("customer_name"),
		Metadata: map[string]string{
			"task_id":  task.TaskID,
			"run_id":   task.RunID,
			"space_id": task.SpaceID,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start call failed")
		kind := domain.ClassifyError(err.Error())
		return Result{Status: domain.StatusFailed, Kind: kind},
			fmt.Errorf("start call for task %s: %w", task.TaskID, err)
	}

	span.SetAttributes(attribute.String("call.id", callID))
	return Result{
		Status: domain.StatusProcessing,
		Data:   map[string]any{"call_id": callID},
	}, nil
}
