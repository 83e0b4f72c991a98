package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
)

// Classifier labels an email body with an intent category.
type Classifier interface {
	Classify(ctx context.Context, body string) (label string, confidence float64, err error)
}

// HTTPClassifier calls an external classification service. The service
// accepts {"text": ...} and answers {"label": ..., "confidence": ...}.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier posting to the given endpoint.
func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, body string) (string, float64, error) {
	if c.endpoint == "" {
		return "", 0, fmt.Errorf("classifier endpoint not configured")
	}

	payload, err := json.Marshal(map[string]string{"text": body})
	if err != nil {
		return "", 0, fmt.Errorf("encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", 0, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode classifier response: %w", err)
	}
	return out.Label, out.Confidence, nil
}

// ClassificationHandler classifies inbound email content. Classification
// failures are terminal on the first attempt: the recovery sweep only
// re-dispatches call work, so a failed classification stays failed until an
// operator intervenes.
type ClassificationHandler struct {
	classifier Classifier
}

// NewClassificationHandler creates a ClassificationHandler.
func NewClassificationHandler(c Classifier) *ClassificationHandler {
	return &ClassificationHandler{classifier: c}
}

func (h *ClassificationHandler) ExecutionType() domain.ExecutionType {
	return domain.ExecutionEmailClassification
}

func (h *ClassificationHandler) Handle(ctx context.Context, task *domain.Task) (Result, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.email_classification")
	defer span.End()

	body := task.InputString("body")
	if body == "" {
		body = task.InputString("content")
	}
	if body == "" {
		err := fmt.Errorf("classification task %s has no body", task.TaskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty body")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown}, err
	}

	label, confidence, err := h.classifier.Classify(ctx, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindAPIError},
			fmt.Errorf("classify task %s: %w", task.TaskID, err)
	}

	return Result{
		Status: domain.StatusCompleted,
		Data: map[string]any{
			"classification": label,
			"confidence":     confidence,
		},
	}, nil
}
