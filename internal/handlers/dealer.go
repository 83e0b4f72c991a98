package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
)

// DealerHandler forwards the task to an external dealer gateway over HTTP
// and completes on a 2xx response. The gateway owns the actual hand-off to
// the dealership's own systems.
type DealerHandler struct {
	endpoint string
	client   *http.Client
}

// NewDealerHandler creates a DealerHandler posting to the given endpoint.
func NewDealerHandler(endpoint string) *DealerHandler {
	return &DealerHandler{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *DealerHandler) ExecutionType() domain.ExecutionType { return domain.ExecutionDealer }

func (h *DealerHandler) Handle(ctx context.Context, task *domain.Task) (Result, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.dealer")
	defer span.End()

	payload, err := json.Marshal(map[string]any{
		"task_id":  task.TaskID,
		"run_id":   task.RunID,
		"space_id": task.SpaceID,
		"input":    task.Input,
	})
	if err != nil {
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown},
			fmt.Errorf("encode dealer payload for task %s: %w", task.TaskID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown},
			fmt.Errorf("build dealer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindAPIError},
			fmt.Errorf("dealer gateway call for task %s: %w", task.TaskID, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("dealer gateway returned status %d for task %s", resp.StatusCode, task.TaskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		kind := domain.ErrKindAPIError
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = domain.ErrKindRateLimited
		}
		return Result{Status: domain.StatusFailed, Kind: kind}, err
	}

	return Result{
		Status: domain.StatusCompleted,
		Data:   map[string]any{"dealer_response_status": resp.StatusCode},
	}, nil
}
