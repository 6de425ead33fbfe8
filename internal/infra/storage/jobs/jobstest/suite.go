// Package jobstest holds the behavioural suite every job.MetadataStore
// adapter must pass.
package jobstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
)

// NewJob builds a minimal valid job.
func NewJob(id string) *job.Job {
	cfg := job.Config{
		ID: id,
		Analysis: job.AnalysisConfig{
			Detectors: []job.Detector{{Function: "mean", FieldName: "serverload"}},
		},
	}.WithDefaults()
	return job.NewJob(cfg, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
}

// Run exercises s. The store must start empty.
func Run(t *testing.T, s job.MetadataStore) {
	t.Run("lifecycle", func(t *testing.T) { lifecycle(t, s) })
	t.Run("read returns copies", func(t *testing.T) { readReturnsCopies(t, s) })
	t.Run("list ordered", func(t *testing.T) { listOrdered(t, s) })
}

func lifecycle(t *testing.T, s job.MetadataStore) {
	ctx := context.Background()

	_, err := s.Read(ctx, "cpu-load")
	require.ErrorIs(t, err, job.ErrJobNotFound)
	require.ErrorIs(t, s.Delete(ctx, "cpu-load", 0), job.ErrJobNotFound)

	v, err := s.CompareAndUpdate(ctx, "cpu-load", 0, NewJob("cpu-load"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.CompareAndUpdate(ctx, "cpu-load", 0, NewJob("cpu-load"))
	require.ErrorIs(t, err, job.ErrVersionConflict)

	e, err := s.Read(ctx, "cpu-load")
	require.NoError(t, err)
	assert.True(t, e.Exists())
	assert.Equal(t, "cpu-load", e.Job.ID())
	assert.Equal(t, job.StatusClosed, e.Job.Status())

	require.ErrorIs(t, s.Delete(ctx, "cpu-load", 7), job.ErrVersionConflict)
	require.NoError(t, s.Delete(ctx, "cpu-load", 1))

	e, err = s.Read(ctx, "cpu-load")
	require.NoError(t, err)
	assert.True(t, e.Deleted)
	assert.False(t, e.Exists())
	assert.Equal(t, int64(2), e.Version)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	v, err = s.CompareAndUpdate(ctx, "cpu-load", 2, NewJob("cpu-load"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	require.NoError(t, s.Delete(ctx, "cpu-load", 3))
}

func readReturnsCopies(t *testing.T, s job.MetadataStore) {
	ctx := context.Background()
	_, err := s.CompareAndUpdate(ctx, "copies", 0, NewJob("copies"))
	require.NoError(t, err)

	e, err := s.Read(ctx, "copies")
	require.NoError(t, err)
	e.Job.SetModelSnapshotID("mutated")

	again, err := s.Read(ctx, "copies")
	require.NoError(t, err)
	assert.Empty(t, again.Job.ModelSnapshotID())

	require.NoError(t, s.Delete(ctx, "copies", again.Version))
}

func listOrdered(t *testing.T, s job.MetadataStore) {
	ctx := context.Background()
	for _, id := range []string{"b", "c", "a"} {
		_, err := s.CompareAndUpdate(ctx, id, 0, NewJob(id))
		require.NoError(t, err)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Job.ID())
	assert.Equal(t, "b", list[1].Job.ID())
	assert.Equal(t, "c", list[2].Job.ID())
	assert.Equal(t, int64(1), list[0].Version)
}
