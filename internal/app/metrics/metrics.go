// Package metrics implements the OpenTelemetry instruments of the engine.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Engine implements the metrics interfaces of the process manager, the revert
// coordinator, the retention remover and the Kafka event bus.
type Engine struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Ingest metrics
	recordsProcessed metric.Int64Counter
	recordsRejected  metric.Int64Counter
	bytesIngested    metric.Int64Counter

	// Process lifecycle metrics
	openProcesses  metric.Int64UpDownCounter
	processCrashes metric.Int64Counter
	forcedKills    metric.Int64Counter
	flushLatency   metric.Float64Histogram
	closeLatency   metric.Float64Histogram

	// Revert and retention metrics
	reverts          metric.Int64Counter
	cleanupDeleted   metric.Int64Counter
	cleanupFailures  metric.Int64Counter
	retentionDeleted metric.Int64Counter
}

const namespace = "anomaly_engine"

// New creates the engine's instruments on mp.
func New(mp metric.MeterProvider) (*Engine, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	e := new(Engine)
	var err error

	if e.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of audit events published"),
	); err != nil {
		return nil, err
	}

	if e.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of audit event publish errors"),
	); err != nil {
		return nil, err
	}

	if e.recordsProcessed, err = meter.Int64Counter(
		"records_processed_total",
		metric.WithDescription("Total number of input records sent to analysis processes"),
	); err != nil {
		return nil, err
	}

	if e.recordsRejected, err = meter.Int64Counter(
		"records_rejected_total",
		metric.WithDescription("Total number of input records rejected for bad or out of order timestamps"),
	); err != nil {
		return nil, err
	}

	if e.bytesIngested, err = meter.Int64Counter(
		"input_bytes_total",
		metric.WithDescription("Total number of input bytes read"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if e.openProcesses, err = meter.Int64UpDownCounter(
		"open_processes",
		metric.WithDescription("Number of running analysis processes"),
	); err != nil {
		return nil, err
	}

	if e.processCrashes, err = meter.Int64Counter(
		"process_crashes_total",
		metric.WithDescription("Total number of analysis processes that exited unexpectedly"),
	); err != nil {
		return nil, err
	}

	if e.forcedKills, err = meter.Int64Counter(
		"process_kills_total",
		metric.WithDescription("Total number of analysis processes killed after a close timeout or forced delete"),
	); err != nil {
		return nil, err
	}

	if e.flushLatency, err = meter.Float64Histogram(
		"flush_duration_seconds",
		metric.WithDescription("Time taken for an analysis process to acknowledge a flush"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if e.closeLatency, err = meter.Float64Histogram(
		"close_duration_seconds",
		metric.WithDescription("Time taken to close an analysis process"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if e.reverts, err = meter.Int64Counter(
		"snapshot_reverts_total",
		metric.WithDescription("Total number of model snapshot reverts"),
	); err != nil {
		return nil, err
	}

	if e.cleanupDeleted, err = meter.Int64Counter(
		"revert_results_deleted_total",
		metric.WithDescription("Total number of result documents deleted after reverts"),
	); err != nil {
		return nil, err
	}

	if e.cleanupFailures, err = meter.Int64Counter(
		"revert_cleanup_failures_total",
		metric.WithDescription("Total number of revert cleanups that did not complete"),
	); err != nil {
		return nil, err
	}

	if e.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of audit events consumed"),
	); err != nil {
		return nil, err
	}

	if e.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of audit events that failed to decode or handle"),
	); err != nil {
		return nil, err
	}

	if e.retentionDeleted, err = meter.Int64Counter(
		"retention_deleted_total",
		metric.WithDescription("Total number of documents removed by retention"),
	); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) IncMessagePublished(ctx context.Context, topic string) {
	e.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (e *Engine) IncPublishError(ctx context.Context, topic string) {
	e.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (e *Engine) IncMessageConsumed(ctx context.Context, topic string) {
	e.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (e *Engine) IncConsumeError(ctx context.Context, topic string) {
	e.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (e *Engine) AddRecordsProcessed(ctx context.Context, jobID string, n int64) {
	e.recordsProcessed.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}
func (e *Engine) AddRecordsRejected(ctx context.Context, jobID string, n int64) {
	e.recordsRejected.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}
func (e *Engine) AddBytesIngested(ctx context.Context, jobID string, n int64) {
	e.bytesIngested.Add(ctx, n, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (e *Engine) ProcessOpened(ctx context.Context)     { e.openProcesses.Add(ctx, 1) }
func (e *Engine) ProcessClosed(ctx context.Context)     { e.openProcesses.Add(ctx, -1) }
func (e *Engine) IncProcessCrashes(ctx context.Context) { e.processCrashes.Add(ctx, 1) }
func (e *Engine) IncForcedKills(ctx context.Context)    { e.forcedKills.Add(ctx, 1) }

func (e *Engine) ObserveFlush(ctx context.Context, d time.Duration) {
	e.flushLatency.Record(ctx, d.Seconds())
}

func (e *Engine) ObserveClose(ctx context.Context, d time.Duration) {
	e.closeLatency.Record(ctx, d.Seconds())
}

func (e *Engine) IncReverts(ctx context.Context)                 { e.reverts.Add(ctx, 1) }
func (e *Engine) AddCleanupDeleted(ctx context.Context, n int64) { e.cleanupDeleted.Add(ctx, n) }
func (e *Engine) IncCleanupFailures(ctx context.Context)         { e.cleanupFailures.Add(ctx, 1) }

func (e *Engine) AddRetentionDeleted(ctx context.Context, docType string, n int64) {
	e.retentionDeleted.Add(ctx, n, metric.WithAttributes(attribute.String("doc_type", docType)))
}
