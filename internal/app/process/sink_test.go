package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

type mockJobStore struct{ mock.Mock }

func (m *mockJobStore) GetJob(ctx context.Context, jobID string) (*job.Job, bool, error) {
	args := m.Called(ctx, jobID)
	j, _ := args.Get(0).(*job.Job)
	return j, args.Bool(1), args.Error(2)
}

func (m *mockJobStore) UpdateStatus(ctx context.Context, jobID string, from, to job.Status) error {
	return m.Called(ctx, jobID, from, to).Error(0)
}

func (m *mockJobStore) UpdateDataCounts(ctx context.Context, jobID string, counts job.DataCounts) error {
	return m.Called(ctx, jobID, counts).Error(0)
}

func (m *mockJobStore) UpdateModelSnapshotID(ctx context.Context, jobID, snapshotID string) error {
	return m.Called(ctx, jobID, snapshotID).Error(0)
}

func TestResultPersister_SnapshotDescriptions(t *testing.T) {
	ctx := context.Background()
	snapshot := func(id, description string) *results.ModelSnapshot {
		return &results.ModelSnapshot{
			JobID:            "cpu-load",
			SnapshotID:       id,
			Timestamp:        t0,
			Description:      description,
			SnapshotDocCount: 1,
		}
	}

	tests := []struct {
		name     string
		existing []*results.ModelSnapshot
		incoming *results.ModelSnapshot
		want     string
	}{
		{
			name:     "unique description is kept",
			existing: []*results.ModelSnapshot{snapshot("snap-1", "nightly")},
			incoming: snapshot("snap-2", "weekly"),
			want:     "weekly",
		},
		{
			name:     "duplicate description is cleared",
			existing: []*results.ModelSnapshot{snapshot("snap-1", "nightly")},
			incoming: snapshot("snap-2", "nightly"),
			want:     "",
		},
		{
			name:     "rewriting the same snapshot keeps its description",
			existing: []*results.ModelSnapshot{snapshot("snap-1", "nightly")},
			incoming: snapshot("snap-1", "nightly"),
			want:     "nightly",
		},
		{
			name:     "empty description is stored as is",
			incoming: snapshot("snap-1", ""),
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := resultsmem.NewStore()
			for _, s := range tt.existing {
				require.NoError(t, store.Put(ctx, "cpu-load", s))
			}
			jobs := new(mockJobStore)
			jobs.On("UpdateModelSnapshotID", mock.Anything, "cpu-load", tt.incoming.SnapshotID).Return(nil)

			p := newResultPersister("cpu-load", store, jobs, logger.New(io.Discard, logger.LevelDebug, "test", nil))
			require.NoError(t, p.Accept(ctx, "cpu-load", tt.incoming))

			doc, err := store.Get(ctx, "cpu-load", results.DocTypeModelSnapshot, tt.incoming.SnapshotID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.(*results.ModelSnapshot).Description)
			jobs.AssertExpectations(t)
		})
	}
}

func TestResultPersister_InterimSuperseded(t *testing.T) {
	ctx := context.Background()
	store := resultsmem.NewStore()
	p := newResultPersister("cpu-load", store, new(mockJobStore), logger.Noop())

	require.NoError(t, p.Accept(ctx, "cpu-load", &results.Bucket{
		JobID: "cpu-load", Timestamp: t0, BucketSpan: 300, IsInterim: true,
	}))
	require.NoError(t, p.Accept(ctx, "cpu-load", &results.Bucket{
		JobID: "cpu-load", Timestamp: t0.Add(-5 * time.Minute), BucketSpan: 300,
	}))

	page, err := store.Query(ctx, "cpu-load", results.DocTypeBucket, results.Query{Take: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].(*results.Bucket).IsInterim)
}
