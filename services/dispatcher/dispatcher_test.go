package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/voicelane/internal/kafka"
	redisstore "github.com/voicelane/voicelane/internal/redis"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []publishedMsg
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeRateLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (r *fakeRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	r.keys = append(r.keys, key)
	return r.allow, r.err
}
func (r *fakeRateLimiter) Limit() int { return 5 }

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestDispatcher(producer *fakeProducer, limiter redisstore.RateLimiter) *Dispatcher {
	return NewDispatcher(nil, producer, limiter, slog.New(slog.DiscardHandler))
}

func envelopeMsg(t *testing.T, batchCount int) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(kafka.TaskEnvelope{
		TaskID:     "test-id",
		RunID:      "run-1",
		Assignee:   "agent-7",
		BatchCount: batchCount,
	})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicCallsPending, Value: raw}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestDispatcher_Route_SingleCall(t *testing.T) {
	prod := &fakeProducer{}
	d := newTestDispatcher(prod, nil)

	err := d.route(context.Background(), envelopeMsg(t, 1))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsOutbound, prod.msgs[0].topic)
	assert.Equal(t, "test-id", prod.msgs[0].key)
}

func TestDispatcher_Route_BatchGoesToBulkLane(t *testing.T) {
	prod := &fakeProducer{}
	d := newTestDispatcher(prod, nil)

	err := d.route(context.Background(), envelopeMsg(t, 40))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsOutboundBulk, prod.msgs[0].topic)
}

func TestDispatcher_Route_MalformedJSON_GoesToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	d := newTestDispatcher(prod, nil)

	msg := kafka.Message{Topic: kafka.TopicCallsPending, Value: []byte("not-json")}
	err := d.route(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsPending+".dlq", prod.msgs[0].topic)
}

func TestDispatcher_Route_EmptyTaskID_GoesToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	d := newTestDispatcher(prod, nil)

	raw, _ := json.Marshal(kafka.TaskEnvelope{RunID: "run-1"})
	err := d.route(context.Background(), kafka.Message{Topic: kafka.TopicCallsPending, Value: raw})
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsPending+".dlq", prod.msgs[0].topic)
}

func TestDispatcher_RateLimited_DefersToPending(t *testing.T) {
	prod := &fakeProducer{}
	limiter := &fakeRateLimiter{allow: false}
	d := newTestDispatcher(prod, limiter)

	err := d.route(context.Background(), envelopeMsg(t, 1))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsPending, prod.msgs[0].topic, "deferred, not dropped")
	assert.Equal(t, []string{"agent-7"}, limiter.keys, "limited per agent")
}

func TestDispatcher_RateLimiterError_FailsOpen(t *testing.T) {
	prod := &fakeProducer{}
	limiter := &fakeRateLimiter{err: assert.AnError}
	d := newTestDispatcher(prod, limiter)

	err := d.route(context.Background(), envelopeMsg(t, 1))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsOutbound, prod.msgs[0].topic)
}

func TestDispatcher_RateLimiter_Allowed_Routes(t *testing.T) {
	prod := &fakeProducer{}
	limiter := &fakeRateLimiter{allow: true}
	d := newTestDispatcher(prod, limiter)

	err := d.route(context.Background(), envelopeMsg(t, 1))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicCallsOutbound, prod.msgs[0].topic)
}

func TestDispatcher_TransientKafkaError_ReturnsError(t *testing.T) {
	prod := &fakeProducer{err: assert.AnError}
	d := newTestDispatcher(prod, nil)

	err := d.route(context.Background(), envelopeMsg(t, 1))
	require.Error(t, err, "transient Kafka error should not commit offset")
}
