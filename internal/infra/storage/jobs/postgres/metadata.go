// Package postgres provides the PostgreSQL job metadata store. Every write
// is a compare-and-update on the row's version column, so concurrent engine
// nodes sharing a database see a linearizable history per job.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/db"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
)

var _ job.MetadataStore = (*metadataStore)(nil)

type metadataStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewMetadataStore creates a PostgreSQL-backed job metadata store.
func NewMetadataStore(pool *pgxpool.Pool, tracer trace.Tracer) *metadataStore {
	return &metadataStore{q: db.New(pool), tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	return append(append([]attribute.KeyValue{}, defaultDBAttributes...), kv...)
}

func (s *metadataStore) Read(ctx context.Context, jobID string) (job.Entry, error) {
	var entry job.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.read_job",
		dbAttrs(attribute.String("job_id", jobID)),
		func(ctx context.Context) error {
			row, err := s.q.GetJob(ctx, jobID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return job.ErrJobNotFound
				}
				return fmt.Errorf("get job query error: %w", err)
			}
			entry, err = toEntry(row.Version, row.Doc)
			return err
		})
	return entry, err
}

func (s *metadataStore) CompareAndUpdate(ctx context.Context, jobID string, expectedVersion int64, j *job.Job) (int64, error) {
	doc, err := json.Marshal(j)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job %s: %w", jobID, err)
	}
	status := pgtype.Text{String: string(j.Status()), Valid: true}

	var version int64
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.compare_and_update_job",
		dbAttrs(
			attribute.String("job_id", jobID),
			attribute.Int64("expected_version", expectedVersion),
		),
		func(ctx context.Context) error {
			var (
				affected int64
				err      error
			)
			if expectedVersion == 0 {
				affected, err = s.q.InsertJob(ctx, db.InsertJobParams{JobID: jobID, Doc: doc, Status: status})
			} else {
				affected, err = s.q.CompareAndUpdateJob(ctx, db.CompareAndUpdateJobParams{
					JobID:   jobID,
					Version: expectedVersion,
					Doc:     doc,
					Status:  status,
				})
			}
			if err != nil {
				return fmt.Errorf("compare and update job error: %w", err)
			}
			if affected == 0 {
				return fmt.Errorf("%w: expected version %d", job.ErrVersionConflict, expectedVersion)
			}
			version = expectedVersion + 1
			return nil
		})
	return version, err
}

func (s *metadataStore) Delete(ctx context.Context, jobID string, expectedVersion int64) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_job",
		dbAttrs(
			attribute.String("job_id", jobID),
			attribute.Int64("expected_version", expectedVersion),
		),
		func(ctx context.Context) error {
			affected, err := s.q.TombstoneJob(ctx, db.TombstoneJobParams{JobID: jobID, Version: expectedVersion})
			if err != nil {
				return fmt.Errorf("tombstone job error: %w", err)
			}
			if affected > 0 {
				return nil
			}
			if _, err := s.q.GetJob(ctx, jobID); errors.Is(err, pgx.ErrNoRows) {
				return job.ErrJobNotFound
			}
			return fmt.Errorf("%w: expected version %d", job.ErrVersionConflict, expectedVersion)
		})
}

func (s *metadataStore) List(ctx context.Context) ([]job.Entry, error) {
	var out []job.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_jobs", defaultDBAttributes,
		func(ctx context.Context) error {
			rows, err := s.q.ListLiveJobs(ctx)
			if err != nil {
				return fmt.Errorf("list jobs query error: %w", err)
			}
			out = make([]job.Entry, 0, len(rows))
			for _, row := range rows {
				e, err := toEntry(row.Version, row.Doc)
				if err != nil {
					return err
				}
				out = append(out, e)
			}
			return nil
		})
	return out, err
}

func toEntry(version int64, doc []byte) (job.Entry, error) {
	if doc == nil {
		return job.Entry{Version: version, Deleted: true}, nil
	}
	j := new(job.Job)
	if err := json.Unmarshal(doc, j); err != nil {
		return job.Entry{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job.Entry{Job: j, Version: version}, nil
}
