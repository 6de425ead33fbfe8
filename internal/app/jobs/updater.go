package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

// casAttempts is how many times a compare-and-update is tried before the
// conflict is reported as concurrent access.
const casAttempts = 2

// Updater applies read-modify-write changes to job metadata through the
// store's compare-and-update. It is the single write path for job metadata.
type Updater struct {
	store job.MetadataStore
	clock timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewUpdater creates an Updater over store.
func NewUpdater(store job.MetadataStore, clock timeutil.Provider, logger *logger.Logger, tracer trace.Tracer) *Updater {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Updater{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "job_updater"),
		tracer: tracer,
	}
}

// Clock returns the clock used to stamp status changes.
func (u *Updater) Clock() timeutil.Provider { return u.clock }

// Read returns the stored entry. An id that was never written yields
// job.ErrJobNotFound.
func (u *Updater) Read(ctx context.Context, jobID string) (job.Entry, error) {
	return u.store.Read(ctx, jobID)
}

// Update applies mutate to a copy of a live job and writes it back.
func (u *Updater) Update(ctx context.Context, op, jobID string, mutate func(*job.Job) error) (*job.Job, error) {
	return u.Apply(ctx, op, jobID, func(e job.Entry) (*job.Job, error) {
		if !e.Exists() {
			return nil, shared.NewError(op, jobID, job.ErrJobNotFound)
		}
		next := e.Job.Clone()
		if err := mutate(next); err != nil {
			return nil, shared.Wrap(op, jobID, err)
		}
		return next, nil
	})
}

// Apply reads the entry for jobID, asks build for the job to store and
// writes it with compare-and-update. A version conflict re-runs the whole
// cycle once. A second conflict is reported as job.ErrConcurrentAccess.
func (u *Updater) Apply(
	ctx context.Context,
	op, jobID string,
	build func(job.Entry) (*job.Job, error),
) (*job.Job, error) {
	ctx, span := u.tracer.Start(ctx, "job_updater.apply",
		trace.WithAttributes(
			attribute.String("operation", op),
			attribute.String("job_id", jobID),
		))
	defer span.End()

	var next *job.Job
	err := u.retryOnConflict(ctx, op, jobID, func() error {
		e, err := u.store.Read(ctx, jobID)
		if err != nil && !errors.Is(err, job.ErrJobNotFound) {
			return shared.NewError(op, jobID, fmt.Errorf("failed to read job: %w", err))
		}

		if next, err = build(e); err != nil {
			return err
		}
		_, err = u.store.CompareAndUpdate(ctx, jobID, e.Version, next)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return next, nil
}

// Delete tombstones a live job after check approves it. It reports false
// without error when the job had already been deleted.
func (u *Updater) Delete(ctx context.Context, op, jobID string, check func(*job.Job) error) (bool, error) {
	ctx, span := u.tracer.Start(ctx, "job_updater.delete",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	deleted := false
	err := u.retryOnConflict(ctx, op, jobID, func() error {
		e, err := u.store.Read(ctx, jobID)
		if err != nil {
			return shared.Wrap(op, jobID, err)
		}
		if e.Deleted {
			deleted = false
			return nil
		}
		if err := check(e.Job); err != nil {
			return shared.Wrap(op, jobID, err)
		}
		if err := u.store.Delete(ctx, jobID, e.Version); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return deleted, err
}

func (u *Updater) retryOnConflict(ctx context.Context, op, jobID string, attempt func() error) error {
	var err error
	for i := range casAttempts {
		if err = attempt(); err == nil {
			return nil
		}
		if !errors.Is(err, job.ErrVersionConflict) {
			return shared.Wrap(op, jobID, err)
		}
		u.logger.Debug(ctx, "Job metadata version conflict", "job_id", jobID, "operation", op, "attempt", i+1)
	}
	return shared.NewError(op, jobID, fmt.Errorf("%w: %w", job.ErrConcurrentAccess, err))
}
