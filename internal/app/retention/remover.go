// Package retention ages out old results and model snapshots on a schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

// DefaultSchedule runs the remover shortly after midnight UTC.
const DefaultSchedule = "30 0 * * *"

// JobLister lists the jobs to age out.
type JobLister interface {
	ListJobs(ctx context.Context, skip, take int) (shared.Page[*job.Job], error)
}

// Deleter removes matching result documents in batches.
type Deleter interface {
	DeleteMatching(ctx context.Context, jobID string, docTypes []results.DocType, pred results.Predicate) (int64, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any)
}

// Metrics records how much retention removed.
type Metrics interface {
	AddRetentionDeleted(ctx context.Context, docType string, n int64)
}

// Remover deletes results older than a job's results_retention_days and
// snapshots older than its model_snapshot_retention_days. The active and the
// most recent snapshot of a job are always kept.
type Remover struct {
	jobs    JobLister
	store   results.Store
	deleter Deleter
	auditor Auditor
	metrics Metrics
	clock   timeutil.Provider

	cron *cron.Cron

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRemover creates a Remover.
func NewRemover(
	jobs JobLister,
	store results.Store,
	deleter Deleter,
	auditor Auditor,
	metrics Metrics,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Remover {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Remover{
		jobs:    jobs,
		store:   store,
		deleter: deleter,
		auditor: auditor,
		metrics: metrics,
		clock:   clock,
		logger:  logger.With("component", "retention_remover"),
		tracer:  tracer,
	}
}

// Start schedules RunOnce with a standard five field cron expression.
func (r *Remover) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error(ctx, "Retention run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info(ctx, "Retention remover scheduled", "schedule", schedule)
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (r *Remover) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce applies retention to every job. A failing job does not stop the
// others; all failures are returned together.
func (r *Remover) RunOnce(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "retention_remover.run_once")
	defer span.End()

	today := timeutil.StartOfDay(r.clock.Now().UTC())
	var errs []error
	for skip := 0; ; skip += shared.DefaultTake {
		page, err := r.jobs.ListJobs(ctx, skip, shared.DefaultTake)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		for _, j := range page.Items {
			if err := r.apply(ctx, j, today); err != nil {
				errs = append(errs, err)
			}
		}
		if len(page.Items) < shared.DefaultTake {
			break
		}
	}
	return errors.Join(errs...)
}

func (r *Remover) apply(ctx context.Context, j *job.Job, today time.Time) error {
	const op = "apply_retention"
	cfg := j.Config()
	if cfg.ResultsRetentionDays == nil && cfg.ModelSnapshotRetentionDays == nil {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "retention_remover.apply",
		trace.WithAttributes(attribute.String("job_id", j.ID())))
	defer span.End()

	payload := make(map[string]any)
	if days := cfg.ResultsRetentionDays; days != nil {
		cutoff := today.AddDate(0, 0, -int(*days))
		n, err := r.deleter.DeleteMatching(ctx, j.ID(), results.TimeSeriesDocTypes, results.Predicate{End: cutoff})
		if err != nil {
			span.RecordError(err)
			return shared.NewError(op, j.ID(), err)
		}
		r.metrics.AddRetentionDeleted(ctx, "results", n)
		payload["results_deleted"] = n
		payload["results_cutoff"] = cutoff
	}

	if days := cfg.ModelSnapshotRetentionDays; days != nil {
		cutoff := today.AddDate(0, 0, -int(*days))
		keep, err := r.protectedSnapshots(ctx, j)
		if err != nil {
			span.RecordError(err)
			return shared.NewError(op, j.ID(), err)
		}
		n, err := r.deleter.DeleteMatching(ctx, j.ID(), []results.DocType{results.DocTypeModelSnapshot},
			results.Predicate{End: cutoff, ExcludeIDs: keep})
		if err != nil {
			span.RecordError(err)
			return shared.NewError(op, j.ID(), err)
		}
		r.metrics.AddRetentionDeleted(ctx, string(results.DocTypeModelSnapshot), n)
		payload["snapshots_deleted"] = n
		payload["snapshots_cutoff"] = cutoff
	}

	r.logger.Info(ctx, "Retention applied", "job_id", j.ID(), "summary", payload)
	r.auditor.Record(ctx, events.EventTypeRetentionApplied, j.ID(), payload)
	return nil
}

// protectedSnapshots returns the ids that retention must never delete.
func (r *Remover) protectedSnapshots(ctx context.Context, j *job.Job) ([]string, error) {
	var keep []string
	if id := j.ModelSnapshotID(); id != "" {
		keep = append(keep, id)
	}
	page, err := r.store.Query(ctx, j.ID(), results.DocTypeModelSnapshot, results.Query{
		Sort:       results.SortByTimestamp,
		Descending: true,
		Take:       1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	if len(page.Items) > 0 {
		keep = append(keep, page.Items[0].DocID())
	}
	return keep, nil
}
