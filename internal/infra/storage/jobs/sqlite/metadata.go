// Package sqlite provides an embedded job metadata store on gorm and SQLite
// for single-node deployments that do not run PostgreSQL.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
)

var _ job.MetadataStore = (*MetadataStore)(nil)

// jobRow is the persisted form of a job. A tombstone keeps its version with
// Deleted set and no document.
type jobRow struct {
	JobID     string `gorm:"primaryKey"`
	Version   int64  `gorm:"not null"`
	Doc       []byte
	Status    string
	Deleted   bool `gorm:"not null;default:false"`
	UpdatedAt time.Time
}

func (jobRow) TableName() string { return "jobs" }

// Open connects to the SQLite database at dsn. In-memory databases are
// pinned to one connection so every query sees the same data.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	if strings.Contains(dsn, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// MetadataStore implements job.MetadataStore with version-guarded updates.
type MetadataStore struct {
	db     *gorm.DB
	tracer trace.Tracer
}

// NewMetadataStore creates a MetadataStore over db.
func NewMetadataStore(db *gorm.DB, tracer trace.Tracer) *MetadataStore {
	return &MetadataStore{db: db, tracer: tracer}
}

// Migrate creates the jobs table.
func (s *MetadataStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{})
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
}

func dbAttrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	return append(append([]attribute.KeyValue{}, defaultDBAttributes...), kv...)
}

func (s *MetadataStore) Read(ctx context.Context, jobID string) (job.Entry, error) {
	var entry job.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.read_job", dbAttrs(attribute.String("job_id", jobID)),
		func(ctx context.Context) error {
			var row jobRow
			if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return job.ErrJobNotFound
				}
				return fmt.Errorf("read job: %w", err)
			}
			var err error
			entry, err = row.entry()
			return err
		})
	return entry, err
}

func (s *MetadataStore) CompareAndUpdate(ctx context.Context, jobID string, expectedVersion int64, j *job.Job) (int64, error) {
	doc, err := j.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job %s: %w", jobID, err)
	}

	err = storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.compare_and_update_job",
		dbAttrs(attribute.String("job_id", jobID), attribute.Int64("expected_version", expectedVersion)),
		func(ctx context.Context) error {
			var result *gorm.DB
			if expectedVersion == 0 {
				result = s.db.WithContext(ctx).
					Clauses(clause.OnConflict{DoNothing: true}).
					Create(&jobRow{JobID: jobID, Version: 1, Doc: doc, Status: string(j.Status())})
			} else {
				result = s.db.WithContext(ctx).
					Model(&jobRow{}).
					Where("job_id = ? AND version = ?", jobID, expectedVersion).
					Updates(map[string]any{
						"version": gorm.Expr("version + 1"),
						"doc":     doc,
						"status":  string(j.Status()),
						"deleted": false,
					})
			}
			if result.Error != nil {
				return fmt.Errorf("compare and update job: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: expected version %d", job.ErrVersionConflict, expectedVersion)
			}
			return nil
		})
	if err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (s *MetadataStore) Delete(ctx context.Context, jobID string, expectedVersion int64) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.delete_job",
		dbAttrs(attribute.String("job_id", jobID), attribute.Int64("expected_version", expectedVersion)),
		func(ctx context.Context) error {
			result := s.db.WithContext(ctx).
				Model(&jobRow{}).
				Where("job_id = ? AND version = ?", jobID, expectedVersion).
				Updates(map[string]any{
					"version": gorm.Expr("version + 1"),
					"doc":     nil,
					"status":  "",
					"deleted": true,
				})
			if result.Error != nil {
				return fmt.Errorf("delete job: %w", result.Error)
			}
			if result.RowsAffected > 0 {
				return nil
			}

			var count int64
			if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
				return fmt.Errorf("delete job: %w", err)
			}
			if count == 0 {
				return job.ErrJobNotFound
			}
			return fmt.Errorf("%w: expected version %d", job.ErrVersionConflict, expectedVersion)
		})
}

func (s *MetadataStore) List(ctx context.Context) ([]job.Entry, error) {
	var out []job.Entry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_jobs", defaultDBAttributes,
		func(ctx context.Context) error {
			var rows []jobRow
			if err := s.db.WithContext(ctx).Where("deleted = ?", false).Order("job_id").Find(&rows).Error; err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out = make([]job.Entry, 0, len(rows))
			for _, row := range rows {
				e, err := row.entry()
				if err != nil {
					return err
				}
				out = append(out, e)
			}
			return nil
		})
	return out, err
}

func (r jobRow) entry() (job.Entry, error) {
	if r.Deleted {
		return job.Entry{Version: r.Version, Deleted: true}, nil
	}
	j := new(job.Job)
	if err := j.UnmarshalJSON(r.Doc); err != nil {
		return job.Entry{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job.Entry{Job: j, Version: r.Version}, nil
}
