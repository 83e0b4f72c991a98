package handlers

import (
	"context"

	"github.com/voicelane/voicelane/internal/domain"
)

// SpaceCallHandler places internal space-to-space calls. Execution is the
// same as an outbound call; only the registry key differs, so recovery and
// analytics can treat the two populations separately.
type SpaceCallHandler struct {
	call *CallHandler
}

// NewSpaceCallHandler creates a SpaceCallHandler sharing the call starter.
func NewSpaceCallHandler(starter CallStarter) *SpaceCallHandler {
	return &SpaceCallHandler{call: NewCallHandler(starter)}
}

func (h *SpaceCallHandler) ExecutionType() domain.ExecutionType { return domain.ExecutionSpaceCall }

func (h *SpaceCallHandler) Handle(ctx context.Context, task *domain.Task) (Result, error) {
	return h.call.Handle(ctx, task)
}
