// Package webhook delivers task status notifications to customer-configured
// endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
)

// Notifier posts task outcomes to a webhook URL taken from the task input.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// payload is the fixed notification shape. Customers depend on these field
// names, so they never change with internal renames.
type payload struct {
	TaskID        string         `json:"task_id"`
	SpaceID       string         `json:"space_id"`
	RunID         string         `json:"run_id"`
	Assignee      string         `json:"assignee"`
	Status        string         `json:"status"`
	ExecutionType string         `json:"execution_type"`
	Output        map[string]any `json:"output"`
}

// NotifyIfConfigured posts the task's state to its webhook_url input field.
// Tasks without one are skipped silently. The response body is returned for
// the execution log: JSON bodies come back decoded, anything else as text.
func (n *Notifier) NotifyIfConfigured(ctx context.Context, task *domain.Task) (map[string]any, error) {
	url := task.InputString("webhook_url")
	if url == "" {
		return nil, nil
	}

	ctx, span := otel.Tracer("syncer").Start(ctx, "webhook.notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("webhook.url", url),
	)

	body, err := json.Marshal(payload{
		TaskID:        task.TaskID,
		SpaceID:       task.SpaceID,
		RunID:         task.RunID,
		Assignee:      task.Assignee,
		Status:        string(task.Status),
		ExecutionType: string(task.ExecutionType),
		Output:        map[string]any(task.Output),
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload for task %s: %w", task.TaskID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("webhook call for task %s: %w", task.TaskID, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	result := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if json.Unmarshal(raw, &decoded) == nil {
		result["response"] = decoded
	} else if len(raw) > 0 {
		result["response_text"] = string(raw)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook for task %s returned status %d", task.TaskID, resp.StatusCode)
		span.SetStatus(codes.Error, "bad status code")
		n.logger.Warn("webhook delivery rejected",
			slog.String("task_id", task.TaskID),
			slog.Int("status_code", resp.StatusCode),
		)
		return result, err
	}
	return result, nil
}
