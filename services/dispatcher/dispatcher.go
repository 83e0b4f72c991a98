// Package dispatcher routes dispatched call tasks from the pending topic
// onto the outbound lanes the workers drain.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelane/voicelane/internal/kafka"
	redisstore "github.com/voicelane/voicelane/internal/redis"
	"github.com/voicelane/voicelane/pkg/telemetry"
)

// laneFor picks the outbound topic. Batched dispatches go to the bulk lane
// so a large campaign cannot crowd out single urgent calls.
func laneFor(env kafka.TaskEnvelope) string {
	if env.BatchCount > 1 {
		return kafka.TopicCallsOutboundBulk
	}
	return kafka.TopicCallsOutbound
}

// Dispatcher consumes calls.pending and routes envelopes onto the outbound
// lanes, enforcing the per-agent rate limit.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		producer: producer,
		limiter:  limiter,
		logger:   logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	env, err := kafka.DecodeTaskEnvelope(msg.Value)
	if err != nil {
		d.logger.Error("malformed envelope, sending to DLQ",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "malformed envelope")
		telemetry.DispatcherDLQTotal.Inc()
		return d.toDLQ(ctx, msg)
	}

	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.assignee", env.Assignee),
	)

	log := d.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("assignee", env.Assignee),
	)

	// Per-agent rate limiting. Over-limit envelopes are deferred back to the
	// tail of the pending topic, not dropped: the call still has to happen,
	// just not now.
	if d.limiter != nil && env.Assignee != "" {
		allowed, err := d.limiter.Allow(ctx, env.Assignee)
		if err != nil {
			// Fail open so a Redis outage cannot stall every campaign.
			log.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			log.Warn("agent over rate limit, deferring", slog.Int("limit", d.limiter.Limit()))
			span.SetStatus(codes.Error, "rate limit exceeded")
			telemetry.DispatcherRateLimitedTotal.Inc()
			if err := d.producer.Publish(ctx, msg.Topic, env.TaskID, msg.Value); err != nil {
				return fmt.Errorf("defer to %s: %w", msg.Topic, err)
			}
			return nil
		}
	}

	target := laneFor(env)
	if err := d.producer.Publish(ctx, target, env.TaskID, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Transient Kafka error: return it so the offset is NOT committed.
		return fmt.Errorf("publish to %s: %w", target, err)
	}

	telemetry.DispatcherTasksRouted.WithLabelValues(target).Inc()
	log.Info("task routed", slog.String("topic", target))
	return nil
}

// toDLQ publishes a raw message to the dead-letter topic of its source.
func (d *Dispatcher) toDLQ(ctx context.Context, msg kafka.Message) error {
	dlq := kafka.DLQTopic(msg.Topic)
	if err := d.producer.Publish(ctx, dlq, string(msg.Key), msg.Value); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
