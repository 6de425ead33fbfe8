package results

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestPredicate_Matches(t *testing.T) {
	bucket := &Bucket{
		JobID:                    "cpu-load",
		Timestamp:                t0,
		BucketSpan:               300,
		AnomalyScore:             40,
		MaxNormalizedProbability: 60,
		PartitionScores:          []PartitionScore{{FieldName: "host", FieldValue: "a", AnomalyScore: 40}},
	}
	interim := &Bucket{JobID: "cpu-load", Timestamp: t0, IsInterim: true}
	record := &Record{JobID: "cpu-load", Timestamp: t0, AnomalyScore: 10, PartitionFieldValue: "b"}
	snap := &ModelSnapshot{JobID: "cpu-load", SnapshotID: "s1", Timestamp: t0, Description: "first"}

	tests := []struct {
		name string
		pred Predicate
		doc  Document
		want bool
	}{
		{name: "zero predicate matches", doc: bucket, want: true},
		{name: "start is inclusive", pred: Predicate{Start: t0}, doc: bucket, want: true},
		{name: "end is exclusive", pred: Predicate{End: t0}, doc: bucket, want: false},
		{name: "after is strict", pred: Predicate{After: t0}, doc: bucket, want: false},
		{name: "after earlier time", pred: Predicate{After: t0.Add(-time.Second)}, doc: bucket, want: true},
		{name: "before is strict", pred: Predicate{Before: t0}, doc: bucket, want: false},
		{name: "score threshold inclusive", pred: Predicate{MinAnomalyScore: 40}, doc: bucket, want: true},
		{name: "score threshold above", pred: Predicate{MinAnomalyScore: 41}, doc: bucket, want: false},
		{name: "normalized probability threshold", pred: Predicate{MinNormalizedProbability: 61}, doc: bucket, want: false},
		{name: "bucket partition present", pred: Predicate{PartitionValue: "a"}, doc: bucket, want: true},
		{name: "bucket partition absent", pred: Predicate{PartitionValue: "z"}, doc: bucket, want: false},
		{name: "exclude interim", pred: Predicate{Interim: InterimExclude}, doc: interim, want: false},
		{name: "only interim", pred: Predicate{Interim: InterimOnly}, doc: bucket, want: false},
		{name: "record partition", pred: Predicate{PartitionValue: "b"}, doc: record, want: true},
		{name: "record partition mismatch", pred: Predicate{PartitionValue: "a"}, doc: record, want: false},
		{name: "snapshot id", pred: Predicate{SnapshotID: "s1"}, doc: snap, want: true},
		{name: "snapshot description mismatch", pred: Predicate{Description: "other"}, doc: snap, want: false},
		{name: "excluded id", pred: Predicate{ExcludeIDs: []string{"s1"}}, doc: snap, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Matches(tt.doc))
		})
	}
}

func TestSortDocuments_StableTieBreak(t *testing.T) {
	docs := []*Record{
		{Timestamp: t0.Add(time.Minute), AnomalyScore: 5, Sequence: 1},
		{Timestamp: t0, AnomalyScore: 5, Sequence: 2},
		{Timestamp: t0, AnomalyScore: 90, Sequence: 3},
		{Timestamp: t0, AnomalyScore: 5, Sequence: 1},
	}

	SortDocuments(docs, SortByAnomalyScore, true)

	var seqs []int
	for _, d := range docs {
		seqs = append(seqs, d.Sequence)
	}
	assert.Equal(t, []int{3, 1, 2, 1}, seqs)
	assert.Equal(t, t0.Add(time.Minute), docs[3].Timestamp)
}

func TestBucket_ForPartition(t *testing.T) {
	b := &Bucket{
		AnomalyScore: 80,
		PartitionScores: []PartitionScore{
			{FieldValue: "a", AnomalyScore: 80, NormalizedProbability: 70},
			{FieldValue: "b", AnomalyScore: 12, NormalizedProbability: 9},
		},
	}

	got := b.ForPartition("b")
	assert.Equal(t, 12.0, got.AnomalyScore)
	assert.Equal(t, 9.0, got.MaxNormalizedProbability)
	assert.Len(t, got.PartitionScores, 1)
	assert.Len(t, b.PartitionScores, 2, "original must be untouched")

	none := b.ForPartition("missing")
	assert.Zero(t, none.AnomalyScore)
}

func TestDecode(t *testing.T) {
	snap := &ModelSnapshot{
		JobID:      "cpu-load",
		SnapshotID: "s1",
		Timestamp:  t0,
		Quantiles:  &Quantiles{Timestamp: t0, QuantileState: "state"},
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	doc, err := Decode(DocTypeModelSnapshot, raw)
	require.NoError(t, err)
	assert.Equal(t, snap, doc)
	assert.Nil(t, doc.(*ModelSnapshot).StripQuantiles().Quantiles)
	assert.NotNil(t, snap.Quantiles)

	_, err = Decode("nope", raw)
	assert.ErrorIs(t, err, ErrUnknownDocType)
}

func TestParseSortField(t *testing.T) {
	f, ok := ParseSortField("", SortByAnomalyScore)
	assert.True(t, ok)
	assert.Equal(t, SortByAnomalyScore, f)

	f, ok = ParseSortField("probability", SortByAnomalyScore)
	assert.True(t, ok)
	assert.Equal(t, SortByProbability, f)

	_, ok = ParseSortField("bogus", SortByAnomalyScore)
	assert.False(t, ok)
}
