package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/infra/storage/results/resultstest"
)

func TestStore(t *testing.T) {
	resultstest.Run(t, NewStore())
}

func TestStore_LenCountsAllTypes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	resultstest.SeedBuckets(t, s, "cpu-load", 3)
	require.NoError(t, s.Put(ctx, "cpu-load", &results.Record{JobID: "cpu-load", Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, s.Put(ctx, "other", &results.CategoryDefinition{JobID: "other", CategoryID: 1}))

	assert.Equal(t, 4, s.Len("cpu-load"))
	assert.Equal(t, 1, s.Len("other"))

	_, err := s.DeleteByPredicate(ctx, "cpu-load", results.DocTypeBucket, results.Predicate{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len("cpu-load"))
}
