package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/anomaly-armada/internal/app/guard"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	jobsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/memory"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type mockReverter struct{ mock.Mock }

func (m *mockReverter) Revert(ctx context.Context, req snapshots.RevertRequest) (*results.ModelSnapshot, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*results.ModelSnapshot)
	return s, args.Error(1)
}

type mockAuditor struct{ mock.Mock }

func (m *mockAuditor) Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any) {
	m.Called(ctx, t, jobID, payload)
}

// conflictingStore fails the next n compare-and-updates with a version conflict.
type conflictingStore struct {
	*jobsmem.MetadataStore
	conflicts int
}

func (s *conflictingStore) CompareAndUpdate(ctx context.Context, jobID string, v int64, j *job.Job) (int64, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return 0, job.ErrVersionConflict
	}
	return s.MetadataStore.CompareAndUpdate(ctx, jobID, v, j)
}

// failingDeletes is a result store whose deletes always fail.
type failingDeletes struct {
	results.Store
	err error
}

func (f failingDeletes) DeleteByPredicate(context.Context, string, results.DocType, results.Predicate, int) (int64, error) {
	return 0, f.err
}

type managerEnv struct {
	manager  *Manager
	store    job.MetadataStore
	results  *resultsmem.Store
	reverter *mockReverter
	auditor  *mockAuditor
	guardian *guard.Guardian
}

func setupManager(t *testing.T, store job.MetadataStore) managerEnv {
	t.Helper()
	if store == nil {
		store = jobsmem.NewMetadataStore()
	}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	env := managerEnv{
		store:    store,
		results:  resultsmem.NewStore(),
		reverter: new(mockReverter),
		auditor:  new(mockAuditor),
		guardian: guard.New(),
	}
	env.auditor.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()

	updater := NewUpdater(store, timeutil.NewMock(t0), log, tracer)
	env.manager = NewManager(updater, env.results, env.reverter, env.guardian, env.auditor, log, tracer)
	return env
}

func cpuLoadConfig() job.Config {
	return job.Config{
		ID: "cpu-load",
		Analysis: job.AnalysisConfig{
			BucketSpan: 300,
			Detectors:  []job.Detector{{Function: "mean", FieldName: "serverload"}},
		},
	}
}

func TestManager_CreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("installs a closed job", func(t *testing.T) {
		env := setupManager(t, nil)
		j, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		assert.Equal(t, job.StatusClosed, j.Status())
		assert.Equal(t, t0, j.CreateTime())

		got, ok, err := env.manager.GetJob(ctx, "cpu-load")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "json", got.Config().DataDescription.Format)
		env.auditor.AssertCalled(t, "Record", mock.Anything, events.EventTypeJobCreated, "cpu-load", mock.Anything)
	})

	t.Run("invalid config names the field and writes nothing", func(t *testing.T) {
		env := setupManager(t, nil)
		cfg := cpuLoadConfig()
		cfg.Analysis.BucketSpan = -5

		_, err := env.manager.CreateJob(ctx, cfg, false)
		require.ErrorIs(t, err, job.ErrInvalidConfiguration)
		assert.Equal(t, "analysis_config.bucket_span", shared.FieldOf(err))

		_, err = env.store.Read(ctx, "cpu-load")
		assert.ErrorIs(t, err, job.ErrJobNotFound)
	})

	t.Run("existing job without overwrite", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)

		_, err = env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		assert.ErrorIs(t, err, job.ErrJobAlreadyExists)
	})

	t.Run("overwrite resets counts and purges results", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		require.NoError(t, env.manager.UpdateDataCounts(ctx, "cpu-load", job.DataCounts{ProcessedRecordCount: 10}))
		require.NoError(t, env.results.Put(ctx, "cpu-load", &results.Bucket{JobID: "cpu-load", Timestamp: t0}))

		j, err := env.manager.CreateJob(ctx, cpuLoadConfig(), true)
		require.NoError(t, err)
		assert.True(t, j.Counts().IsEmpty())
		assert.Zero(t, env.results.Len("cpu-load"))
	})

	t.Run("failed purge keeps the old job", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		require.NoError(t, env.manager.UpdateDataCounts(ctx, "cpu-load", job.DataCounts{ProcessedRecordCount: 10}))
		require.NoError(t, env.results.Put(ctx, "cpu-load", &results.Bucket{JobID: "cpu-load", Timestamp: t0}))

		purgeErr := errors.New("results store unavailable")
		env.manager.results = failingDeletes{Store: env.results, err: purgeErr}

		_, err = env.manager.CreateJob(ctx, cpuLoadConfig(), true)
		require.ErrorIs(t, err, purgeErr)

		old, ok, err := env.manager.GetJob(ctx, "cpu-load")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(10), old.Counts().ProcessedRecordCount, "the old job was not replaced")
		assert.Equal(t, 1, env.results.Len("cpu-load"))

		env.manager.results = env.results
		j, err := env.manager.CreateJob(ctx, cpuLoadConfig(), true)
		require.NoError(t, err)
		assert.True(t, j.Counts().IsEmpty())
		assert.Zero(t, env.results.Len("cpu-load"))
	})

	t.Run("overwrite of a running job", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		require.NoError(t, env.manager.UpdateStatus(ctx, "cpu-load", job.StatusClosed, job.StatusRunning))

		_, err = env.manager.CreateJob(ctx, cpuLoadConfig(), true)
		assert.ErrorIs(t, err, job.ErrJobNotClosed)
	})

	t.Run("recreate after delete", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		require.NoError(t, env.manager.DeleteJob(ctx, "cpu-load"))

		_, err = env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		assert.NoError(t, err)
	})
}

func TestManager_CompareAndUpdateRetry(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		conflicts int
		wantErr   error
	}{
		{name: "single conflict is retried", conflicts: 1},
		{name: "second conflict surfaces", conflicts: 2, wantErr: job.ErrConcurrentAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &conflictingStore{MetadataStore: jobsmem.NewMetadataStore()}
			env := setupManager(t, store)
			_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
			require.NoError(t, err)

			store.conflicts = tt.conflicts
			err = env.manager.UpdateStatus(ctx, "cpu-load", job.StatusClosed, job.StatusRunning)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			e, err := store.Read(ctx, "cpu-load")
			require.NoError(t, err)
			assert.Equal(t, job.StatusClosed, e.Job.Status(), "lost update must not be applied")
		})
	}
}

func TestManager_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, nil)
	_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, env.manager.UpdateStatus(ctx, "cpu-load", job.StatusRunning, job.StatusClosed), job.ErrJobStatus)
	assert.ErrorIs(t, env.manager.UpdateStatus(ctx, "cpu-load", job.StatusClosed, job.StatusAborting), job.ErrInvalidStatusTransition)
	assert.ErrorIs(t, env.manager.UpdateStatus(ctx, "ghost", job.StatusClosed, job.StatusRunning), job.ErrJobNotFound)
	require.NoError(t, env.manager.UpdateStatus(ctx, "cpu-load", job.StatusClosed, job.StatusRunning))
}

func TestManager_ListJobs(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, nil)
	for _, id := range []string{"c", "a", "b"} {
		cfg := cpuLoadConfig()
		cfg.ID = id
		_, err := env.manager.CreateJob(ctx, cfg, false)
		require.NoError(t, err)
	}

	page, err := env.manager.ListJobs(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Count)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID())

	_, err = env.manager.ListJobs(ctx, -1, 0)
	assert.ErrorIs(t, err, shared.ErrInvalidPagination)
	_, err = env.manager.ListJobs(ctx, 0, -1)
	assert.ErrorIs(t, err, shared.ErrInvalidPagination)
}

func TestManager_DeleteJob(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		env := setupManager(t, nil)
		assert.ErrorIs(t, env.manager.DeleteJob(ctx, "ghost"), job.ErrJobNotFound)
	})

	t.Run("delete twice is idempotent", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		for i := range 3 {
			require.NoError(t, env.results.Put(ctx, "cpu-load", &results.Bucket{JobID: "cpu-load", Timestamp: t0.Add(time.Duration(i) * time.Minute)}))
		}
		require.NoError(t, env.results.Put(ctx, "cpu-load", &results.ModelSnapshot{JobID: "cpu-load", SnapshotID: "s1"}))

		require.NoError(t, env.manager.DeleteJob(ctx, "cpu-load"))
		assert.Zero(t, env.results.Len("cpu-load"))

		require.NoError(t, env.manager.DeleteJob(ctx, "cpu-load"))
		assert.Zero(t, env.results.Len("cpu-load"))

		_, ok, err := env.manager.GetJob(ctx, "cpu-load")
		require.NoError(t, err)
		assert.False(t, ok)
		env.auditor.AssertNumberOfCalls(t, "Record", 2) // created + deleted once
	})

	t.Run("running job is refused", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)
		require.NoError(t, env.manager.UpdateStatus(ctx, "cpu-load", job.StatusClosed, job.StatusRunning))

		assert.ErrorIs(t, env.manager.DeleteJob(ctx, "cpu-load"), job.ErrJobNotClosed)
		_, ok, err := env.manager.GetJob(ctx, "cpu-load")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("concurrent action fails fast", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
		require.NoError(t, err)

		release, err := env.guardian.TryAcquire("cpu-load", guard.ActionProcessingData)
		require.NoError(t, err)
		defer release()

		err = env.manager.DeleteJob(ctx, "cpu-load")
		require.ErrorIs(t, err, job.ErrConcurrentAccess)
		assert.Contains(t, err.Error(), "processing data")
	})
}

func TestManager_RevertSnapshotDelegates(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, nil)
	req := snapshots.RevertRequest{JobID: "cpu-load", SnapshotID: "s1"}

	env.reverter.On("Revert", mock.Anything, req).Return(&results.ModelSnapshot{SnapshotID: "s1"}, nil).Once()
	snap, err := env.manager.RevertSnapshot(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SnapshotID)

	env.reverter.On("Revert", mock.Anything, req).Return(nil, errors.New("boom")).Once()
	_, err = env.manager.RevertSnapshot(ctx, req)
	assert.EqualError(t, err, "boom")
	env.reverter.AssertExpectations(t)
}

func TestManager_UpdateSnapshotDescription(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, nil)
	_, err := env.manager.CreateJob(ctx, cpuLoadConfig(), false)
	require.NoError(t, err)
	for _, s := range []*results.ModelSnapshot{
		{JobID: "cpu-load", SnapshotID: "s1", Timestamp: t0, Description: "baseline", Quantiles: &results.Quantiles{QuantileState: "q"}},
		{JobID: "cpu-load", SnapshotID: "s2", Timestamp: t0.Add(time.Hour)},
	} {
		require.NoError(t, env.results.Put(ctx, "cpu-load", s))
	}

	tests := []struct {
		name       string
		snapshotID string
		desc       string
		wantErr    error
		wantField  string
	}{
		{name: "duplicate description", snapshotID: "s2", desc: "baseline", wantErr: results.ErrDescriptionAlreadyUsed, wantField: "description"},
		{name: "same description on same snapshot", snapshotID: "s1", desc: "baseline"},
		{name: "new description", snapshotID: "s2", desc: "after deploy"},
		{name: "unknown snapshot", snapshotID: "s9", desc: "x", wantErr: results.ErrNoSuchSnapshot, wantField: "snapshot_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := env.manager.UpdateSnapshotDescription(ctx, "cpu-load", tt.snapshotID, tt.desc)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.wantField, shared.FieldOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.desc, snap.Description)
			assert.Nil(t, snap.Quantiles)
		})
	}

	doc, err := env.results.Get(ctx, "cpu-load", results.DocTypeModelSnapshot, "s1")
	require.NoError(t, err)
	assert.NotNil(t, doc.(*results.ModelSnapshot).Quantiles)
}
