package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/voicelane/internal/domain"
)

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusPartiallyCompleted,
	} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusScheduled, domain.StatusInProgress,
		domain.StatusProcessing, domain.StatusHold,
	} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestIsActionable_ExcludesHoldAndScheduled(t *testing.T) {
	assert.False(t, domain.StatusHold.IsActionable())
	assert.False(t, domain.StatusScheduled.IsActionable())
	assert.True(t, domain.StatusPending.IsActionable())
	assert.True(t, domain.StatusFailed.IsActionable())
	assert.True(t, domain.StatusInProgress.IsActionable())
	assert.True(t, domain.StatusProcessing.IsActionable())
}

func TestOutput_Merge_FillsOnlyBlanks(t *testing.T) {
	out := domain.Output{
		"call_id":    "c-1",
		"transcript": "",
	}

	written := out.Merge(map[string]any{
		"call_id":    "c-other", // already set, must not be overwritten
		"transcript": "hello",   // blank locally, fills in
		"cost":       0.42,
		"summary":    nil, // blank remotely, skipped
	})

	assert.ElementsMatch(t, []string{"transcript", "cost"}, written)
	assert.Equal(t, "c-1", out.GetString("call_id"))
	assert.Equal(t, "hello", out.GetString("transcript"))
	assert.Equal(t, 0.42, out.Get("cost"))
	assert.False(t, out.Has("summary"))
}

func TestOutput_Merge_Idempotent(t *testing.T) {
	src := map[string]any{"call_id": "c-1", "cost": 1.5}

	out := domain.Output{}
	first := out.Merge(src)
	require.Len(t, first, 2)

	second := out.Merge(src)
	assert.Empty(t, second, "replaying the same record must be a no-op")
	assert.Equal(t, "c-1", out.GetString("call_id"))
}

func TestOutput_Merge_EmptySliceCountsAsBlank(t *testing.T) {
	out := domain.Output{"transcript": []any{}}
	out.Merge(map[string]any{"transcript": []any{map[string]any{"role": "user"}}})
	assert.True(t, out.HasTranscript())
}

func TestOutput_SuccessScore(t *testing.T) {
	tests := []struct {
		name      string
		evaluator any
		want      float64
		ok        bool
	}{
		{"float in range", 7.5, 7.5, true},
		{"string in range", "9", 9, true},
		{"below range", 0.5, 0, false},
		{"above range", 11.0, 0, false},
		{"garbage string", "n/a", 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := domain.Output{"post_call_data": map[string]any{}}
			if tt.evaluator != nil {
				out["post_call_data"].(map[string]any)["success_evaluator"] = tt.evaluator
			}
			got, ok := out.SuccessScore()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestOutput_PostCallStatus(t *testing.T) {
	out := domain.Output{
		"post_call_data": map[string]any{
			"summary": map[string]any{"status": "Interested"},
		},
	}
	assert.Equal(t, "Interested", out.PostCallStatus())
	assert.Equal(t, "", domain.Output{}.PostCallStatus())
}

func TestTask_StaleSince(t *testing.T) {
	now := time.Now().UTC()
	task := &domain.Task{LastStatusChange: now.Add(-20 * time.Minute)}
	assert.True(t, task.StaleSince(now, 15*time.Minute))
	assert.False(t, task.StaleSince(now, 30*time.Minute))
}

func TestTask_StaleSince_FallsBackToModifiedThenCreated(t *testing.T) {
	now := time.Now().UTC()

	task := &domain.Task{Modified: now.Add(-time.Hour)}
	assert.True(t, task.StaleSince(now, 15*time.Minute))

	task = &domain.Task{Created: now.Add(-time.Hour)}
	assert.True(t, task.StaleSince(now, 15*time.Minute))

	task = &domain.Task{}
	assert.False(t, task.StaleSince(now, 15*time.Minute), "no timestamps means not provably stale")
}

func TestTask_FailureText_PrefersOutputError(t *testing.T) {
	task := &domain.Task{
		Output:            domain.Output{"error": "sip-480-temporarily-unavailable"},
		LastFailureReason: "older reason",
	}
	assert.Equal(t, "sip-480-temporarily-unavailable", task.FailureText())

	task.Output = domain.Output{}
	assert.Equal(t, "older reason", task.FailureText())
}
