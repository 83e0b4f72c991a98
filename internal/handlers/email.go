package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/domain"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// EmailHandler sends an email via SMTP. The task input carries to, subject
// and body fields.
type EmailHandler struct {
	cfg EmailConfig
}

// NewEmailHandler creates an EmailHandler from config.
func NewEmailHandler(cfg EmailConfig) *EmailHandler {
	return &EmailHandler{cfg: cfg}
}

func (h *EmailHandler) ExecutionType() domain.ExecutionType { return domain.ExecutionEmail }

func (h *EmailHandler) Handle(ctx context.Context, task *domain.Task) (Result, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.email")
	defer span.End()

	to := task.InputString("to")
	if to == "" {
		err := errors.New("email task missing required input 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindUnknown}, err
	}

	span.SetAttributes(attribute.String("email.to", to))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, to, task.InputString("subject"), task.InputString("body"))

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// Run the blocking SMTP call in a goroutine so we respect ctx cancellation.
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		done <- result{err: smtp.SendMail(addr, auth, h.cfg.From, []string{to}, msg)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "smtp send failed")
			return Result{Status: domain.StatusFailed, Kind: domain.ErrKindAPIError},
				fmt.Errorf("smtp send to %s: %w", to, res.err)
		}
		return Result{
			Status: domain.StatusCompleted,
			Data:   map[string]any{"delivered_to": to},
		}, nil
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return Result{Status: domain.StatusFailed, Kind: domain.ErrKindAPIError}, err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
