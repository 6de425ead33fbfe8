package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
	"github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/jobstest"
)

func setupMetadataStoreTest(t *testing.T) *metadataStore {
	t.Helper()
	pool, cleanup := storage.SetupTestContainer(t)
	t.Cleanup(cleanup)
	return NewMetadataStore(pool, storage.NoOpTracer())
}

func TestMetadataStore(t *testing.T) {
	t.Parallel()
	jobstest.Run(t, setupMetadataStoreTest(t))
}

func TestMetadataStore_ConcurrentCompareAndUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := setupMetadataStoreTest(t)

	_, err := s.CompareAndUpdate(ctx, "cpu-load", 0, jobstest.NewJob("cpu-load"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndUpdate(ctx, "cpu-load", 1, jobstest.NewJob("cpu-load"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, job.ErrVersionConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one writer wins a version")
	assert.Equal(t, writers-1, conflicts)

	e, err := s.Read(ctx, "cpu-load")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
}
