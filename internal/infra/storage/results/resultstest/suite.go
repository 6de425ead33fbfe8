// Package resultstest holds the behavioural suite every results.Store
// adapter must pass. Each case writes under its own job id so one store can
// serve the whole suite.
package resultstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// Run exercises s.
func Run(t *testing.T, s results.Store) {
	t.Run("put replaces by id", func(t *testing.T) { putReplacesByID(t, s) })
	t.Run("query paging", func(t *testing.T) { queryPaging(t, s) })
	t.Run("filters", func(t *testing.T) { filters(t, s) })
	t.Run("delete by predicate batches", func(t *testing.T) { deleteBatches(t, s) })
	t.Run("snapshots keep quantiles", func(t *testing.T) { snapshotQuantiles(t, s) })
	t.Run("categories ordered by id", func(t *testing.T) { categories(t, s) })
	t.Run("unknown doc type", func(t *testing.T) {
		_, err := s.Query(context.Background(), "any", "widgets", results.Query{})
		assert.ErrorIs(t, err, results.ErrUnknownDocType)
	})
}

// SeedBuckets writes n final buckets five minutes apart with scores 0, 10, 20...
func SeedBuckets(t *testing.T, s results.Store, jobID string, n int) {
	t.Helper()
	for i := range n {
		b := &results.Bucket{
			JobID:        jobID,
			Timestamp:    t0.Add(time.Duration(i) * 5 * time.Minute),
			BucketSpan:   300,
			AnomalyScore: float64(i * 10),
		}
		require.NoError(t, s.Put(context.Background(), jobID, b))
	}
}

func count(t *testing.T, s results.Store, jobID string, docType results.DocType) int64 {
	t.Helper()
	page, err := s.Query(context.Background(), jobID, docType, results.Query{})
	require.NoError(t, err)
	return page.Count
}

func putReplacesByID(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "replace"

	require.NoError(t, s.Put(ctx, jobID, &results.Bucket{JobID: jobID, Timestamp: t0, IsInterim: true}))
	require.NoError(t, s.Put(ctx, jobID, &results.Bucket{JobID: jobID, Timestamp: t0, AnomalyScore: 3}))

	doc, err := s.Get(ctx, jobID, results.DocTypeBucket, results.DocIDForTime(t0))
	require.NoError(t, err)
	b := doc.(*results.Bucket)
	assert.False(t, b.IsInterim)
	assert.Equal(t, 3.0, b.AnomalyScore)
	assert.Equal(t, int64(1), count(t, s, jobID, results.DocTypeBucket))

	_, err = s.Get(ctx, jobID, results.DocTypeBucket, "42")
	assert.ErrorIs(t, err, results.ErrNotFound)
	_, err = s.Get(ctx, "other", results.DocTypeBucket, results.DocIDForTime(t0))
	assert.ErrorIs(t, err, results.ErrNotFound)
}

func queryPaging(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "paging"
	SeedBuckets(t, s, jobID, 10)

	tests := []struct {
		name      string
		query     results.Query
		wantCount int64
		wantFirst time.Time
		wantLen   int
	}{
		{
			name:      "default ascending timestamp",
			query:     results.Query{},
			wantCount: 10, wantLen: 10, wantFirst: t0,
		},
		{
			name:      "skip and take",
			query:     results.Query{Skip: 3, Take: 2},
			wantCount: 10, wantLen: 2, wantFirst: t0.Add(15 * time.Minute),
		},
		{
			name:      "range and threshold",
			query:     results.Query{Predicate: results.Predicate{Start: t0.Add(10 * time.Minute), End: t0.Add(30 * time.Minute), MinAnomalyScore: 30}},
			wantCount: 3, wantLen: 3, wantFirst: t0.Add(15 * time.Minute),
		},
		{
			name:      "descending score",
			query:     results.Query{Sort: results.SortByAnomalyScore, Descending: true, Take: 1},
			wantCount: 10, wantLen: 1, wantFirst: t0.Add(45 * time.Minute),
		},
		{
			name:      "skip past end",
			query:     results.Query{Skip: 50},
			wantCount: 10, wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Query(ctx, jobID, results.DocTypeBucket, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, page.Count)
			require.Len(t, page.Items, tt.wantLen)
			if tt.wantLen > 0 {
				assert.True(t, tt.wantFirst.Equal(page.Items[0].DocTimestamp()))
			}
		})
	}
}

func filters(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "filters"

	docs := []results.Document{
		&results.Record{JobID: jobID, Timestamp: t0, Sequence: 1, AnomalyScore: 90, NormalizedProbability: 80, PartitionFieldValue: "web-1"},
		&results.Record{JobID: jobID, Timestamp: t0, Sequence: 2, AnomalyScore: 20, NormalizedProbability: 10, PartitionFieldValue: "web-2"},
		&results.Record{JobID: jobID, Timestamp: t0.Add(5 * time.Minute), Sequence: 1, AnomalyScore: 50, NormalizedProbability: 60, IsInterim: true},
	}
	for _, d := range docs {
		require.NoError(t, s.Put(ctx, jobID, d))
	}

	tests := []struct {
		name string
		pred results.Predicate
		want []float64
	}{
		{name: "all by score", want: []float64{90, 50, 20}},
		{name: "exclude interim", pred: results.Predicate{Interim: results.InterimExclude}, want: []float64{90, 20}},
		{name: "interim only", pred: results.Predicate{Interim: results.InterimOnly}, want: []float64{50}},
		{name: "partition", pred: results.Predicate{PartitionValue: "web-2"}, want: []float64{20}},
		{name: "normalized probability", pred: results.Predicate{MinNormalizedProbability: 60}, want: []float64{90, 50}},
		{name: "exclude ids", pred: results.Predicate{ExcludeIDs: []string{docs[0].DocID()}}, want: []float64{50, 20}},
		{name: "before", pred: results.Predicate{Before: t0.Add(time.Minute)}, want: []float64{90, 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Query(ctx, jobID, results.DocTypeRecord, results.Query{
				Predicate:  tt.pred,
				Sort:       results.SortByAnomalyScore,
				Descending: true,
			})
			require.NoError(t, err)
			got := make([]float64, 0, len(page.Items))
			for _, d := range page.Items {
				got = append(got, d.(*results.Record).AnomalyScore)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(len(tt.want)), page.Count)
		})
	}
}

func deleteBatches(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "delete"
	SeedBuckets(t, s, jobID, 10)

	pred := results.Predicate{After: t0.Add(20 * time.Minute)}

	n, err := s.DeleteByPredicate(ctx, jobID, results.DocTypeBucket, pred, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The oldest matches go first.
	_, err = s.Get(ctx, jobID, results.DocTypeBucket, results.DocIDForTime(t0.Add(25*time.Minute)))
	assert.ErrorIs(t, err, results.ErrNotFound)

	n, err = s.DeleteByPredicate(ctx, jobID, results.DocTypeBucket, pred, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.DeleteByPredicate(ctx, jobID, results.DocTypeBucket, pred, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(5), count(t, s, jobID, results.DocTypeBucket))
}

func snapshotQuantiles(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "snapshots"

	snap := &results.ModelSnapshot{
		JobID:       jobID,
		SnapshotID:  "s1",
		Timestamp:   t0,
		Description: "first",
		Quantiles:   &results.Quantiles{Timestamp: t0, QuantileState: `{"series":{}}`},
	}
	require.NoError(t, s.Put(ctx, jobID, snap))
	require.NoError(t, s.Put(ctx, jobID, &results.ModelSnapshot{JobID: jobID, SnapshotID: "s2", Timestamp: t0.Add(time.Hour), Description: "second"}))

	doc, err := s.Get(ctx, jobID, results.DocTypeModelSnapshot, "s1")
	require.NoError(t, err)
	got := doc.(*results.ModelSnapshot)
	require.NotNil(t, got.Quantiles)
	assert.Equal(t, `{"series":{}}`, got.Quantiles.QuantileState)

	page, err := s.Query(ctx, jobID, results.DocTypeModelSnapshot, results.Query{Predicate: results.Predicate{Description: "second"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s2", page.Items[0].DocID())

	page, err = s.Query(ctx, jobID, results.DocTypeModelSnapshot, results.Query{Predicate: results.Predicate{SnapshotID: "s1"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotNil(t, page.Items[0].(*results.ModelSnapshot).Quantiles)
}

func categories(t *testing.T, s results.Store) {
	ctx := context.Background()
	const jobID = "categories"
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, s.Put(ctx, jobID, &results.CategoryDefinition{JobID: jobID, CategoryID: id, Terms: "a b"}))
	}

	page, err := s.Query(ctx, jobID, results.DocTypeCategoryDefinition, results.Query{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	for i, d := range page.Items {
		assert.Equal(t, int64(i+1), d.(*results.CategoryDefinition).CategoryID)
	}
}
