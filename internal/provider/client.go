// Package provider wraps the voice provider's HTTP API: placing calls,
// listing recent calls for reconciliation, and resolving phone numbers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/voicelane/voicelane/pkg/retry"
)

const (
	defaultBaseURL  = "https://api.vapi.ai"
	defaultPageSize = 100
)

// NotFoundError is returned for 404 responses.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider %s not found: %s", e.Resource, e.ID)
}

// APIError is returned for non-2xx responses other than 404.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the response status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Customer is the callee on a call record.
type Customer struct {
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Call is the provider's call record, reduced to the fields the engine uses.
type Call struct {
	ID                 string            `json:"id"`
	AssistantID        string            `json:"assistantId,omitempty"`
	PhoneNumberID      string            `json:"phoneNumberId,omitempty"`
	Type               string            `json:"type,omitempty"`
	Status             string            `json:"status,omitempty"`
	EndedReason        string            `json:"endedReason,omitempty"`
	Customer           *Customer         `json:"customer,omitempty"`
	Transcript         string            `json:"transcript,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Analysis           map[string]any    `json:"analysis,omitempty"`
	RecordingURL       string            `json:"recordingUrl,omitempty"`
	StereoRecordingURL string            `json:"stereoRecordingUrl,omitempty"`
	Cost               float64           `json:"cost,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	StartedAt          time.Time         `json:"startedAt,omitzero"`
	EndedAt            time.Time         `json:"endedAt,omitzero"`
	CreatedAt          time.Time         `json:"createdAt,omitzero"`
	UpdatedAt          time.Time         `json:"updatedAt,omitzero"`
}

// Inbound reports whether the call originated from the customer side.
func (c *Call) Inbound() bool { return c.Type == "inboundPhoneCall" }

// PhoneNumber is a provider phone number record.
type PhoneNumber struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

// StartCallRequest places one outbound call.
type StartCallRequest struct {
	AssistantID    string
	PhoneNumberID  string
	CustomerNumber string
	CustomerName   string
	Metadata       map[string]string
}

// Client talks to the voice provider API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	numberCache map[string]*PhoneNumber
	// numberMisses is the 404 negative cache. A number id the provider does
	// not know stays unknown for the life of the process, so there is no
	// point asking again on every synced call.
	numberMisses map[string]struct{}
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a provider API client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:      defaultBaseURL,
		token:        token,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		numberCache:  make(map[string]*PhoneNumber),
		numberMisses: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var retryCfg = retry.Config{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// doJSON performs one request with bounded retries and decodes the response
// into out. 404 and other 4xx responses are not retried.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	cfg := retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		c.logger.Warn("provider request retry",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	// Permanent failures (404, other 4xx) short-circuit the retry loop by
	// returning nil from the attempt and surfacing afterwards.
	var permErr error
	err := retry.Do(ctx, cfg, func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("build provider request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("provider %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			permErr = &NotFoundError{Resource: path, ID: ""}
			return nil
		}
		if resp.StatusCode >= http.StatusBadRequest {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
			if apiErr.Retryable() {
				return apiErr
			}
			permErr = apiErr
			return nil
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return permErr
}

// StartCall places an outbound call and returns the provider call id.
func (c *Client) StartCall(ctx context.Context, req StartCallRequest) (string, error) {
	body := map[string]any{
		"assistantId": req.AssistantID,
		"customer": Customer{
			Number: req.CustomerNumber,
			Name:   req.CustomerName,
		},
	}
	if req.PhoneNumberID != "" {
		body["phoneNumberId"] = req.PhoneNumberID
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var call Call
	if err := c.doJSON(ctx, http.MethodPost, "/call", nil, body, &call); err != nil {
		return "", err
	}
	if call.ID == "" {
		return "", fmt.Errorf("provider accepted call but returned no id")
	}
	return call.ID, nil
}

// GetCall fetches one call by id.
func (c *Client) GetCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	err := c.doJSON(ctx, http.MethodGet, "/call/"+url.PathEscape(callID), nil, nil, &call)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, &NotFoundError{Resource: "call", ID: callID}
		}
		return nil, err
	}
	return &call, nil
}

// ListQuery filters a calls listing. Zero fields are omitted.
type ListQuery struct {
	AssistantID string
	UpdatedAtGt time.Time
	UpdatedAtLt time.Time
	Limit       int
}

// ListCalls fetches one page of calls, newest first.
func (c *Client) ListCalls(ctx context.Context, q ListQuery) ([]Call, error) {
	query := url.Values{}
	if q.AssistantID != "" {
		query.Set("assistantId", q.AssistantID)
	}
	if !q.UpdatedAtGt.IsZero() {
		query.Set("updatedAtGt", q.UpdatedAtGt.UTC().Format(time.RFC3339))
	}
	if !q.UpdatedAtLt.IsZero() {
		query.Set("updatedAtLt", q.UpdatedAtLt.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	query.Set("limit", strconv.Itoa(limit))

	var calls []Call
	if err := c.doJSON(ctx, http.MethodGet, "/call", query, nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// FetchAllRecentCalls pages backward through the calls listing until it has
// every call updated since the given time. The provider returns newest
// first, so each page's oldest updatedAt becomes the next page's upper
// bound. Results are deduplicated by call id. maxPages bounds the walk; a
// page whose cursor fails to move also terminates it, so a provider bug
// cannot loop the sync forever.
func (c *Client) FetchAllRecentCalls(ctx context.Context, since time.Time, maxPages int) ([]Call, error) {
	if maxPages <= 0 {
		maxPages = 10
	}

	seen := make(map[string]struct{})
	var all []Call
	var cursor time.Time

	for page := 0; page < maxPages; page++ {
		batch, err := c.ListCalls(ctx, ListQuery{UpdatedAtGt: since, UpdatedAtLt: cursor})
		if err != nil {
			return nil, fmt.Errorf("fetch calls page %d: %w", page+1, err)
		}
		if len(batch) == 0 {
			break
		}

		oldest := batch[0].UpdatedAt
		for _, call := range batch {
			if call.UpdatedAt.Before(oldest) {
				oldest = call.UpdatedAt
			}
			if _, dup := seen[call.ID]; dup {
				continue
			}
			seen[call.ID] = struct{}{}
			all = append(all, call)
		}

		if len(batch) < defaultPageSize {
			break
		}
		if !cursor.IsZero() && !oldest.Before(cursor) {
			c.logger.Warn("calls pagination made no progress, stopping",
				slog.Time("cursor", cursor))
			break
		}
		if !oldest.After(since) {
			break
		}
		cursor = oldest
	}

	return all, nil
}

// GetPhoneNumber resolves a phone number id, with both a positive and a 404
// negative cache in front of the API.
func (c *Client) GetPhoneNumber(ctx context.Context, numberID string) (*PhoneNumber, error) {
	c.mu.Lock()
	if pn, ok := c.numberCache[numberID]; ok {
		c.mu.Unlock()
		return pn, nil
	}
	if _, missed := c.numberMisses[numberID]; missed {
		c.mu.Unlock()
		return nil, &NotFoundError{Resource: "phone-number", ID: numberID}
	}
	c.mu.Unlock()

	var pn PhoneNumber
	err := c.doJSON(ctx, http.MethodGet, "/phone-number/"+url.PathEscape(numberID), nil, nil, &pn)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			c.mu.Lock()
			c.numberMisses[numberID] = struct{}{}
			c.mu.Unlock()
			return nil, &NotFoundError{Resource: "phone-number", ID: numberID}
		}
		return nil, err
	}

	c.mu.Lock()
	c.numberCache[numberID] = &pn
	c.mu.Unlock()
	return &pn, nil
}
