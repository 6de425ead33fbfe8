// Package snapshots implements model snapshot revert: select a snapshot,
// make it active and remove the results produced after it.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	resultsapp "github.com/ahrav/anomaly-armada/internal/app/results"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// RevertRequest names the job and exactly one snapshot selector.
type RevertRequest struct {
	JobID string
	// Time selects the newest snapshot taken at or before it.
	Time        time.Time
	SnapshotID  string
	Description string
	// DeleteInterveningResults removes results newer than the snapshot.
	DeleteInterveningResults bool
}

// Validate checks that exactly one selector is present.
func (r RevertRequest) Validate() error {
	const op = "revert_model_snapshot"
	if r.JobID == "" {
		return shared.NewFieldError(op, "", "job_id", fmt.Errorf("%w: job id is required", results.ErrInvalidRevertParams))
	}
	n := 0
	for _, set := range []bool{!r.Time.IsZero(), r.SnapshotID != "", r.Description != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return shared.NewFieldError(op, r.JobID, "time|snapshot_id|description",
			fmt.Errorf("%w: exactly one of time, snapshot_id or description is required, got %d", results.ErrInvalidRevertParams, n))
	}
	return nil
}

// SnapshotFinder lists model snapshots.
type SnapshotFinder interface {
	GetModelSnapshots(ctx context.Context, jobID string, q resultsapp.SnapshotQuery) (shared.Page[*results.ModelSnapshot], error)
}

// JobUpdater is the compare-and-update write path for job metadata.
type JobUpdater interface {
	Read(ctx context.Context, jobID string) (job.Entry, error)
	Update(ctx context.Context, op, jobID string, mutate func(*job.Job) error) (*job.Job, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any)
	Warn(ctx context.Context, t events.EventType, jobID, msg string, payload map[string]any)
}

// Metrics observes reverts.
type Metrics interface {
	IncReverts(ctx context.Context)
	AddCleanupDeleted(ctx context.Context, n int64)
	IncCleanupFailures(ctx context.Context)
}

// Coordinator runs SELECT, VALIDATE, SWAP and CLEANUP. CLEANUP only starts
// once SWAP is stored, and its failure never fails the revert.
type Coordinator struct {
	finder  SnapshotFinder
	jobs    JobUpdater
	cleaner *ResultCleaner
	auditor Auditor
	metrics Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a revert Coordinator.
func NewCoordinator(
	finder SnapshotFinder,
	jobs JobUpdater,
	cleaner *ResultCleaner,
	auditor Auditor,
	metrics Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Coordinator {
	return &Coordinator{
		finder:  finder,
		jobs:    jobs,
		cleaner: cleaner,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.With("component", "snapshot_revert_coordinator"),
		tracer:  tracer,
	}
}

// Revert restores a job to a snapshot and returns it without quantiles.
func (c *Coordinator) Revert(ctx context.Context, req RevertRequest) (*results.ModelSnapshot, error) {
	const op = "revert_model_snapshot"
	ctx, span := c.tracer.Start(ctx, "snapshot_revert_coordinator.revert",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID),
			attribute.Bool("delete_intervening_results", req.DeleteInterveningResults),
		))
	defer span.End()
	logger := c.logger.With("operation", op, "job_id", req.JobID)

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid revert params")
		return nil, err
	}

	// A running job is rejected before anything else so callers always see
	// the status error first.
	if err := c.requireClosed(ctx, op, req.JobID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	snap, err := c.selectSnapshot(ctx, op, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("snapshot_selected", trace.WithAttributes(attribute.String("snapshot_id", snap.SnapshotID)))

	if _, err := c.jobs.Update(ctx, op, req.JobID, func(j *job.Job) error {
		if s := j.Status(); s != job.StatusClosed {
			return fmt.Errorf("%w: job is %s", job.ErrJobNotClosed, s)
		}
		j.RevertTo(snap.SnapshotID, snap.LatestRecordTimeStamp, req.DeleteInterveningResults)
		return nil
	}); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("snapshot_swapped")
	c.metrics.IncReverts(ctx)
	logger.Info(ctx, "Reverted to model snapshot", "snapshot_id", snap.SnapshotID)

	payload := map[string]any{
		"snapshot_id":                snap.SnapshotID,
		"delete_intervening_results": req.DeleteInterveningResults,
	}
	if req.DeleteInterveningResults {
		// A snapshot taken before any record has a zero watermark, in which
		// case every time series result is removed.
		deleted, err := c.cleaner.DeleteAfter(ctx, req.JobID, snap.LatestRecordTimeStamp)
		c.metrics.AddCleanupDeleted(ctx, deleted)
		payload["results_deleted"] = deleted
		if err != nil {
			c.metrics.IncCleanupFailures(ctx)
			span.AddEvent("cleanup_failed", trace.WithAttributes(attribute.String("error", err.Error())))
			c.auditor.Warn(ctx, events.EventTypeResultsCleanupFailed, req.JobID,
				"Failed to delete results after model snapshot revert",
				map[string]any{"snapshot_id": snap.SnapshotID, "error": err.Error(), "results_deleted": deleted})
		}
	}
	c.auditor.Record(ctx, events.EventTypeModelSnapshotReverted, req.JobID, payload)

	return snap.StripQuantiles(), nil
}

func (c *Coordinator) requireClosed(ctx context.Context, op, jobID string) error {
	e, err := c.jobs.Read(ctx, jobID)
	if errors.Is(err, job.ErrJobNotFound) || (err == nil && !e.Exists()) {
		return shared.NewError(op, jobID, job.ErrJobNotFound)
	}
	if err != nil {
		return shared.NewError(op, jobID, err)
	}
	if s := e.Job.Status(); s != job.StatusClosed {
		return shared.NewError(op, jobID, fmt.Errorf("%w: job is %s", job.ErrJobNotClosed, s))
	}
	return nil
}

func (c *Coordinator) selectSnapshot(ctx context.Context, op string, req RevertRequest) (*results.ModelSnapshot, error) {
	q := resultsapp.SnapshotQuery{
		Take:        1,
		Sort:        results.SortByTimestamp,
		Descending:  true,
		SnapshotID:  req.SnapshotID,
		Description: req.Description,
	}
	field := "snapshot_id"
	switch {
	case !req.Time.IsZero():
		// End is exclusive, the selector is inclusive.
		q.End = req.Time.Add(time.Nanosecond)
		field = "time"
	case req.Description != "":
		field = "description"
	}

	page, err := c.finder.GetModelSnapshots(ctx, req.JobID, q)
	if err != nil {
		return nil, shared.Wrap(op, req.JobID, err)
	}
	if len(page.Items) == 0 {
		return nil, shared.NewFieldError(op, req.JobID, field, results.ErrNoSuchSnapshot)
	}
	return page.Items[0], nil
}
