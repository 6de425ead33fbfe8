// Package jobs owns job metadata: creation, lookup, deletion and the status
// and counter updates other components request.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/app/guard"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// Reverter performs the snapshot revert protocol.
type Reverter interface {
	Revert(ctx context.Context, req snapshots.RevertRequest) (*results.ModelSnapshot, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any)
}

// Manager orchestrates job CRUD against the metadata store. It is the only
// component that writes job metadata.
type Manager struct {
	updater  *Updater
	results  results.Store
	reverter Reverter
	guardian *guard.Guardian
	auditor  Auditor

	logger *logger.Logger
	tracer trace.Tracer
}

// NewManager creates a job manager.
func NewManager(
	updater *Updater,
	resultStore results.Store,
	reverter Reverter,
	guardian *guard.Guardian,
	auditor Auditor,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Manager {
	return &Manager{
		updater:  updater,
		results:  resultStore,
		reverter: reverter,
		guardian: guardian,
		auditor:  auditor,
		logger:   logger.With("component", "job_manager"),
		tracer:   tracer,
	}
}

// CreateJob validates cfg and installs a CLOSED job. An existing job is only
// replaced when overwrite is set and the job is CLOSED, in which case its
// results are purged.
func (m *Manager) CreateJob(ctx context.Context, cfg job.Config, overwrite bool) (*job.Job, error) {
	const op = "create_job"
	ctx, span := m.tracer.Start(ctx, "job_manager.create_job",
		trace.WithAttributes(
			attribute.String("job_id", cfg.ID),
			attribute.Bool("overwrite", overwrite),
		))
	defer span.End()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid configuration")
		return nil, err
	}

	release, err := m.guardian.TryAcquire(cfg.ID, guard.ActionUpdating)
	if err != nil {
		return nil, err
	}
	defer release()

	// The old job's results go before the new job is installed, so a failed
	// purge leaves the old job in place.
	if overwrite {
		if err := m.purgeBeforeOverwrite(ctx, op, cfg.ID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	var replaced bool
	created, err := m.updater.Apply(ctx, op, cfg.ID, func(e job.Entry) (*job.Job, error) {
		replaced = false
		if e.Exists() {
			if !overwrite {
				return nil, shared.NewFieldError(op, cfg.ID, "job_id", job.ErrJobAlreadyExists)
			}
			if s := e.Job.Status(); s != job.StatusClosed {
				return nil, shared.NewError(op, cfg.ID, fmt.Errorf("%w: job is %s", job.ErrJobNotClosed, s))
			}
			replaced = true
		}
		return job.NewJob(cfg, m.updater.Clock().Now()), nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info(ctx, "Job created", "job_id", cfg.ID, "overwrite", replaced)
	m.auditor.Record(ctx, events.EventTypeJobCreated, cfg.ID, map[string]any{"overwrite": replaced})
	return created, nil
}

// GetJob returns the job, or false if it does not exist.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*job.Job, bool, error) {
	e, err := m.updater.Read(ctx, jobID)
	if errors.Is(err, job.ErrJobNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shared.NewError("get_job", jobID, err)
	}
	if !e.Exists() {
		return nil, false, nil
	}
	return e.Job, true, nil
}

// ListJobs returns a page of jobs ordered by id.
func (m *Manager) ListJobs(ctx context.Context, skip, take int) (shared.Page[*job.Job], error) {
	const op = "list_jobs"
	p := shared.Pagination{Skip: skip, Take: take}
	if err := p.Validate(op, ""); err != nil {
		return shared.Page[*job.Job]{}, err
	}

	entries, err := m.updater.store.List(ctx)
	if err != nil {
		return shared.Page[*job.Job]{}, shared.NewError(op, "", err)
	}
	all := make([]*job.Job, 0, len(entries))
	for _, e := range entries {
		if e.Exists() {
			all = append(all, e.Job)
		}
	}
	return shared.Page[*job.Job]{Items: shared.Window(all, p), Count: int64(len(all))}, nil
}

// DeleteJob tombstones a CLOSED job and purges its results. Deleting an
// already deleted job succeeds and re-runs the purge.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	const op = "delete_job"
	ctx, span := m.tracer.Start(ctx, "job_manager.delete_job",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	release, err := m.guardian.TryAcquire(jobID, guard.ActionDeleting)
	if err != nil {
		return err
	}
	defer release()

	deleted, err := m.updater.Delete(ctx, op, jobID, func(j *job.Job) error {
		if s := j.Status(); s != job.StatusClosed {
			return fmt.Errorf("%w: job is %s", job.ErrJobNotClosed, s)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	purged, err := m.purgeResults(ctx, op, jobID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if !deleted {
		m.logger.Debug(ctx, "Job already deleted", "job_id", jobID, "documents_purged", purged)
		return nil
	}
	m.logger.Info(ctx, "Job deleted", "job_id", jobID, "documents_purged", purged)
	m.auditor.Record(ctx, events.EventTypeJobDeleted, jobID, map[string]any{"documents_purged": purged})
	return nil
}

// RevertSnapshot runs the revert protocol while holding the job.
func (m *Manager) RevertSnapshot(ctx context.Context, req snapshots.RevertRequest) (*results.ModelSnapshot, error) {
	release, err := m.guardian.TryAcquire(req.JobID, guard.ActionReverting)
	if err != nil {
		return nil, err
	}
	defer release()

	return m.reverter.Revert(ctx, req)
}

// UpdateStatus moves a job from one status to another. It fails with
// job.ErrJobStatus if the job is not in from.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, from, to job.Status) error {
	_, err := m.updater.Update(ctx, "update_status", jobID, func(j *job.Job) error {
		if j.Status() != from {
			return fmt.Errorf("%w: expected %s, found %s", job.ErrJobStatus, from, j.Status())
		}
		return j.UpdateStatus(to, m.updater.Clock().Now())
	})
	if err == nil {
		m.logger.Debug(ctx, "Job status updated", "job_id", jobID, "from", from, "to", to)
	}
	return err
}

// UpdateDataCounts replaces the job's data counts.
func (m *Manager) UpdateDataCounts(ctx context.Context, jobID string, counts job.DataCounts) error {
	_, err := m.updater.Update(ctx, "update_data_counts", jobID, func(j *job.Job) error {
		j.SetCounts(counts)
		return nil
	})
	return err
}

// UpdateModelSnapshotID points the job at a new active snapshot.
func (m *Manager) UpdateModelSnapshotID(ctx context.Context, jobID, snapshotID string) error {
	_, err := m.updater.Update(ctx, "update_model_snapshot_id", jobID, func(j *job.Job) error {
		j.SetModelSnapshotID(snapshotID)
		return nil
	})
	return err
}

// UpdateSnapshotDescription sets a snapshot's description. Descriptions are
// unique per job.
func (m *Manager) UpdateSnapshotDescription(
	ctx context.Context,
	jobID, snapshotID, description string,
) (*results.ModelSnapshot, error) {
	const op = "update_model_snapshot"
	ctx, span := m.tracer.Start(ctx, "job_manager.update_snapshot_description",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("snapshot_id", snapshotID),
		))
	defer span.End()

	release, err := m.guardian.TryAcquire(jobID, guard.ActionUpdating)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok, err := m.GetJob(ctx, jobID); err != nil {
		return nil, err
	} else if !ok {
		return nil, shared.NewError(op, jobID, job.ErrJobNotFound)
	}

	doc, err := m.results.Get(ctx, jobID, results.DocTypeModelSnapshot, snapshotID)
	if errors.Is(err, results.ErrNotFound) {
		return nil, shared.NewFieldError(op, jobID, "snapshot_id", results.ErrNoSuchSnapshot)
	}
	if err != nil {
		return nil, shared.NewError(op, jobID, err)
	}
	snap := doc.(*results.ModelSnapshot)

	if description != "" && description != snap.Description {
		page, err := m.results.Query(ctx, jobID, results.DocTypeModelSnapshot, results.Query{
			Predicate: results.Predicate{Description: description, ExcludeIDs: []string{snapshotID}},
			Take:      1,
		})
		if err != nil {
			return nil, shared.NewError(op, jobID, err)
		}
		if page.Count > 0 {
			span.SetStatus(codes.Error, "description already used")
			return nil, shared.NewFieldError(op, jobID, "description",
				fmt.Errorf("%w: %q", results.ErrDescriptionAlreadyUsed, description))
		}
	}

	old := snap.Description
	snap.Description = description
	if err := m.results.Put(ctx, jobID, snap); err != nil {
		return nil, shared.NewError(op, jobID, err)
	}

	m.auditor.Record(ctx, events.EventTypeSnapshotDescriptionUpdated, jobID, map[string]any{
		"snapshot_id":     snapshotID,
		"old_description": old,
		"new_description": description,
	})
	return snap.StripQuantiles(), nil
}

// purgeResults removes every result document of the job.
func (m *Manager) purgeBeforeOverwrite(ctx context.Context, op, jobID string) error {
	e, err := m.updater.Read(ctx, jobID)
	if errors.Is(err, job.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return shared.Wrap(op, jobID, err)
	}
	if !e.Exists() || e.Job.Status() != job.StatusClosed {
		return nil
	}
	_, err = m.purgeResults(ctx, op, jobID)
	return err
}

func (m *Manager) purgeResults(ctx context.Context, op, jobID string) (int64, error) {
	var total int64
	for _, t := range results.AllDocTypes {
		n, err := m.results.DeleteByPredicate(ctx, jobID, t, results.Predicate{}, 0)
		if err != nil {
			return total, shared.NewError(op, jobID, fmt.Errorf("failed to purge %s results: %w", t, err))
		}
		total += n
	}
	return total, nil
}
