package kafka

import (
	"encoding/json"
	"fmt"
)

// Topic layout. Tasks claimed by the orchestrator land on calls.pending;
// the dispatcher routes them onto the normal or bulk outbound lane based on
// the run's batch count, and the worker consumes both lanes. Messages that
// repeatedly fail handling are parked on the matching DLQ topic.
const (
	TopicCallsPending      = "calls.pending"
	TopicCallsOutbound     = "calls.outbound"
	TopicCallsOutboundBulk = "calls.outbound.bulk"
	TopicEmailsPending     = "emails.pending"

	TopicCallsPendingDLQ  = "calls.pending.dlq"
	TopicCallsOutboundDLQ = "calls.outbound.dlq"
)

// DLQTopic returns the dead-letter topic for a source topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// TaskEnvelope is the wire message between the orchestrator, dispatcher and
// worker. It deliberately carries routing fields only; the worker re-reads
// the task row before executing, so a stale envelope can never overwrite
// newer state.
type TaskEnvelope struct {
	TaskID        string `json:"task_id"`
	RunID         string `json:"run_id"`
	ExecutionType string `json:"execution_type"`
	Assignee      string `json:"assignee"`
	BatchCount    int    `json:"batch_count"`
}

// Encode serializes the envelope for publishing. The task id doubles as
// the partition key so one task's messages stay ordered.
func (e TaskEnvelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for task %s: %w", e.TaskID, err)
	}
	return b, nil
}

// DecodeTaskEnvelope parses a wire message. An envelope without a task id
// is malformed no matter how cleanly it parsed; consumers route those to
// the DLQ rather than guessing.
func DecodeTaskEnvelope(value []byte) (TaskEnvelope, error) {
	var e TaskEnvelope
	if err := json.Unmarshal(value, &e); err != nil {
		return TaskEnvelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	if e.TaskID == "" {
		return TaskEnvelope{}, fmt.Errorf("task envelope missing task_id")
	}
	return e, nil
}
