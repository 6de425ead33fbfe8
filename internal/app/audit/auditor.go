// Package audit publishes job lifecycle events without letting transport
// failures leak into the operations that produced them.
package audit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
	"github.com/ahrav/anomaly-armada/pkg/common/uuid"
)

// HeaderEventID carries a unique id per published event.
const HeaderEventID = "event-id"

// Auditor records domain events on a publisher. A nil publisher turns it
// into a logger.
type Auditor struct {
	publisher events.DomainEventPublisher
	clock     timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAuditor creates an Auditor.
func NewAuditor(
	publisher events.DomainEventPublisher,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Auditor {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Auditor{
		publisher: publisher,
		clock:     clock,
		logger:    logger.With("component", "auditor"),
		tracer:    tracer,
	}
}

// Record publishes an event for jobID. Failures are logged, never returned.
func (a *Auditor) Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any) {
	ctx, span := a.tracer.Start(ctx, "auditor.record",
		trace.WithAttributes(
			attribute.String("event_type", string(t)),
			attribute.String("job_id", jobID),
		))
	defer span.End()

	a.logger.Info(ctx, "Audit event", "event_type", t, "job_id", jobID)
	if a.publisher == nil {
		return
	}

	evt := events.NewDomainEvent(t, jobID, a.clock.Now(), payload)
	headers := map[string]string{HeaderEventID: uuid.New().String()}
	if err := a.publisher.PublishDomainEvent(ctx, evt,
		events.WithKey(jobID),
		events.WithHeaders(headers),
	); err != nil {
		span.RecordError(err)
		a.logger.Warn(ctx, "Failed to publish audit event", "event_type", t, "job_id", jobID, "error", err)
	}
}

// Warn records a warning-level event, logging msg alongside it.
func (a *Auditor) Warn(ctx context.Context, t events.EventType, jobID, msg string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["message"] = msg
	payload["level"] = "warning"
	a.logger.Warn(ctx, msg, "job_id", jobID, "event_type", t)
	a.Record(ctx, t, jobID, payload)
}
