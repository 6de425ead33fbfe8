// Package kafka provides a Kafka-based implementation of the event bus used
// to publish the job audit trail.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// AuditTopic receives every job lifecycle event.
	AuditTopic string
	// GroupID identifies the consumer group for subscribers.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var (
	_ events.EventBus             = (*EventBus)(nil)
	_ events.DomainEventPublisher = (*EventBus)(nil)
)

// EventBus publishes domain events to a single audit topic keyed by job id,
// so events of one job stay ordered within a partition.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	topic         string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an EventBus from an existing producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka event bus")
	}
	if cfg.AuditTopic == "" {
		return nil, errors.New("audit topic is required for kafka event bus")
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topic:         cfg.AuditTopic,
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Publish sends a domain event to the audit topic.
func (b *EventBus) Publish(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, b.topic, b.tracer)
	defer span.End()

	evt = events.ApplyOptions(evt, opts...)
	span.SetAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.key", evt.Key),
	)

	msgBytes, err := encodeEvent(evt)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, b.topic)
		return fmt.Errorf("failed to serialize event %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Key:       sarama.StringEncoder(evt.Key),
		Value:     sarama.ByteEncoder(msgBytes),
		Timestamp: evt.Timestamp,
	}
	for k, v := range evt.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		b.metrics.IncPublishError(ctx, b.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", b.topic, err)
	}
	b.metrics.IncMessagePublished(ctx, b.topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", b.topic,
		"partition", partition,
		"offset", offset,
		"key", evt.Key,
	)
	return nil
}

// PublishDomainEvent lets the bus serve as the auditor's publisher.
func (b *EventBus) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	return b.Publish(ctx, evt, opts...)
}

// Subscribe consumes the audit topic in a background goroutine until ctx is
// cancelled, handing events of the requested types to handler. No types
// means all of them.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if b.consumerGroup == nil {
		return errors.New("event bus has no consumer group")
	}

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = struct{}{}
	}
	h := &domainEventHandler{
		wanted:  wanted,
		handler: handler,
		logger:  b.logger.With("operation", "consume"),
		tracer:  b.tracer,
		metrics: b.metrics,
	}

	go b.consumeLoop(ctx, h)
	b.logger.Info(ctx, "Subscribed to events", "topic", b.topic, "event_types", eventTypes)
	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, h *domainEventHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, []string{b.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler.
type domainEventHandler struct {
	wanted  map[events.EventType]struct{}
	handler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim decodes each message and invokes the handler. Messages that
// fail to decode are marked so they do not block the partition.
func (h *domainEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	const commitInterval = time.Second
	lastCommit := time.Now()

	for msg := range claim.Messages() {
		h.consume(sess, msg)
		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}
	sess.Commit()
	return nil
}

func (h *domainEventHandler) consume(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx := tracing.ExtractTraceContext(sess.Context(), msg)
	ctx, span := tracing.StartConsumerSpan(ctx, msg, h.tracer)
	defer span.End()

	evt, err := decodeEvent(msg.Value)
	if err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, msg.Topic)
		h.logger.Warn(ctx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		return
	}
	if len(h.wanted) > 0 {
		if _, ok := h.wanted[evt.Type]; !ok {
			sess.MarkMessage(msg, "")
			return
		}
	}

	evt.Headers = make(map[string]string, len(msg.Headers))
	for _, rh := range msg.Headers {
		if rh != nil {
			evt.Headers[string(rh.Key)] = string(rh.Value)
		}
	}

	if err := h.handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		h.metrics.IncConsumeError(ctx, msg.Topic)
		h.logger.Error(ctx, "Failed to handle message", "event_type", evt.Type, "error", err)
		return
	}
	h.metrics.IncMessageConsumed(ctx, msg.Topic)
	sess.MarkMessage(msg, "")
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		b.logger.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}
	b.logger.Info(ctx, "Closed event bus")
	return nil
}
