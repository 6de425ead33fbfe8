// Package engine composes the job, process, result and snapshot services
// into the single surface transports talk to.
package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/app/jobs"
	processapp "github.com/ahrav/anomaly-armada/internal/app/process"
	resultsapp "github.com/ahrav/anomaly-armada/internal/app/results"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// forceDeleteWait bounds how long a forced delete waits for an interrupted
// upload to let go of the job.
const forceDeleteWait = 10 * time.Second

// Engine is a thin facade. Result reads are promoted from the embedded
// QueryService.
type Engine struct {
	*resultsapp.QueryService

	jobs      *jobs.Manager
	processes *processapp.Manager

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates an Engine.
func New(
	jobManager *jobs.Manager,
	processManager *processapp.Manager,
	queries *resultsapp.QueryService,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Engine {
	return &Engine{
		QueryService: queries,
		jobs:         jobManager,
		processes:    processManager,
		logger:       logger.With("component", "engine"),
		tracer:       tracer,
	}
}

func (e *Engine) CreateJob(ctx context.Context, cfg job.Config, overwrite bool) (*job.Job, error) {
	return e.jobs.CreateJob(ctx, cfg, overwrite)
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (*job.Job, bool, error) {
	return e.jobs.GetJob(ctx, jobID)
}

func (e *Engine) ListJobs(ctx context.Context, skip, take int) (shared.Page[*job.Job], error) {
	return e.jobs.ListJobs(ctx, skip, take)
}

// DeleteJob deletes a CLOSED job. With force, a running process is killed
// first and the delete waits for any interrupted action to release the job.
func (e *Engine) DeleteJob(ctx context.Context, jobID string, force bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.delete_job",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Bool("force", force),
		))
	defer span.End()

	if !force {
		return e.jobs.DeleteJob(ctx, jobID)
	}

	if e.processes.IsRunning(jobID) {
		e.logger.Warn(ctx, "Force deleting running job", "job_id", jobID)
		if err := e.processes.Kill(ctx, jobID); err != nil && !errors.Is(err, process.ErrProcessNotRunning) {
			span.RecordError(err)
			return err
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxElapsedTime = forceDeleteWait
	// Errors other than contention end the retry loop and are reported as-is.
	var final error
	operation := func() error {
		final = e.jobs.DeleteJob(ctx, jobID)
		if errors.Is(final, job.ErrConcurrentAccess) {
			return final
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		return err
	}
	if final != nil {
		span.RecordError(final)
		return final
	}
	return nil
}

func (e *Engine) ProcessData(ctx context.Context, jobID string, r io.Reader, params process.DataLoadParams) (job.DataCounts, error) {
	return e.processes.ProcessData(ctx, jobID, r, params)
}

func (e *Engine) Flush(ctx context.Context, jobID string, params process.FlushParams) (process.FlushAck, error) {
	return e.processes.Flush(ctx, jobID, params)
}

func (e *Engine) Close(ctx context.Context, jobID string) error {
	return e.processes.Close(ctx, jobID)
}

func (e *Engine) RevertSnapshot(ctx context.Context, req snapshots.RevertRequest) (*results.ModelSnapshot, error) {
	return e.jobs.RevertSnapshot(ctx, req)
}

func (e *Engine) UpdateSnapshotDescription(ctx context.Context, jobID, snapshotID, description string) (*results.ModelSnapshot, error) {
	return e.jobs.UpdateSnapshotDescription(ctx, jobID, snapshotID, description)
}

// Shutdown closes every running process so each can persist a snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.processes.CloseAll(ctx)
}
