package simulated

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// collector stores every document and remembers the order they arrived in.
type collector struct {
	mu    sync.Mutex
	store *resultsmem.Store
	docs  []results.Document
}

func newCollector() *collector { return &collector{store: resultsmem.NewStore()} }

func (c *collector) Accept(ctx context.Context, jobID string, doc results.Document) error {
	c.mu.Lock()
	c.docs = append(c.docs, doc)
	c.mu.Unlock()
	return c.store.Put(ctx, jobID, doc)
}

func (c *collector) ofType(t results.DocType) []results.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []results.Document
	for _, d := range c.docs {
		if d.DocType() == t {
			out = append(out, d)
		}
	}
	return out
}

func testJob(t *testing.T, mutate func(*job.Config)) *job.Job {
	t.Helper()
	cfg := job.Config{
		ID: "cpu-load",
		Analysis: job.AnalysisConfig{
			BucketSpan: 60,
			Detectors:  []job.Detector{{Function: "mean", FieldName: "serverload", PartitionFieldName: "host"}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = cfg.WithDefaults()
	require.NoError(t, cfg.Validate())
	return job.NewJob(cfg, t0)
}

func open(t *testing.T, f *Factory, j *job.Job, params process.OpenParams, sink process.ResultSink) process.Handle {
	t.Helper()
	h, err := f.Open(context.Background(), j, params, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Kill() })
	return h
}

func write(t *testing.T, h process.Handle, ts time.Time, host string, load float64) {
	t.Helper()
	rec := fmt.Sprintf(`{"time":%d,"host":%q,"serverload":%g}`, ts.Unix(), host, load)
	require.NoError(t, h.Write(context.Background(), []byte(rec)))
}

// sync waits for every queued write to be applied.
func syncHandle(t *testing.T, h process.Handle) process.FlushAck {
	t.Helper()
	ack, err := h.Flush(context.Background(), process.FlushParams{})
	require.NoError(t, err)
	return ack
}

func TestProcess_ScoresSpike(t *testing.T) {
	sink := newCollector()
	f := NewFactory(Config{}, nil, timeutil.NewMock(t0), logger.Noop())
	h := open(t, f, testJob(t, nil), process.OpenParams{}, sink)

	for i := range 30 {
		load := 50.0 + float64(i%3)
		if i == 25 {
			load = 400
		}
		write(t, h, t0.Add(time.Duration(i)*time.Minute), "web-1", load)
		write(t, h, t0.Add(time.Duration(i)*time.Minute+time.Second), "web-2", 20)
	}
	ack := syncHandle(t, h)
	assert.Equal(t, t0.Add(29*time.Minute), ack.LastFinalizedBucketEnd)
	assert.NotEmpty(t, ack.ID)

	buckets := sink.ofType(results.DocTypeBucket)
	require.Len(t, buckets, 29)
	spike := buckets[25].(*results.Bucket)
	assert.Equal(t, t0.Add(25*time.Minute), spike.Timestamp)
	assert.Greater(t, spike.AnomalyScore, 50.0)
	assert.Equal(t, 1, spike.RecordCount)
	require.Len(t, spike.PartitionScores, 2)
	assert.Equal(t, "web-1", spike.PartitionScores[0].FieldValue)
	assert.Zero(t, spike.PartitionScores[1].AnomalyScore)

	records := sink.ofType(results.DocTypeRecord)
	require.Len(t, records, 1)
	rec := records[0].(*results.Record)
	assert.Equal(t, "web-1", rec.PartitionFieldValue)
	assert.Equal(t, []float64{400}, rec.Actual)

	influencers := sink.ofType(results.DocTypeInfluencer)
	require.Len(t, influencers, 1)
	assert.Equal(t, "host", influencers[0].(*results.Influencer).FieldName)
}

func TestProcess_FlushInterimAndAdvance(t *testing.T) {
	sink := newCollector()
	f := NewFactory(Config{}, nil, timeutil.NewMock(t0), logger.Noop())
	h := open(t, f, testJob(t, nil), process.OpenParams{}, sink)

	write(t, h, t0, "web-1", 1)
	write(t, h, t0.Add(90*time.Second), "web-1", 2)

	_, err := h.Flush(context.Background(), process.FlushParams{CalcInterim: true})
	require.NoError(t, err)
	buckets := sink.ofType(results.DocTypeBucket)
	require.Len(t, buckets, 2)
	assert.False(t, buckets[0].(*results.Bucket).IsInterim)
	assert.True(t, buckets[1].(*results.Bucket).IsInterim)

	ack, err := h.Flush(context.Background(), process.FlushParams{AdvanceTime: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), ack.LastFinalizedBucketEnd)

	page, err := sink.store.Query(context.Background(), "cpu-load", results.DocTypeBucket,
		results.Query{Predicate: results.Predicate{Interim: results.InterimOnly}})
	require.NoError(t, err)
	assert.Zero(t, page.Count, "the final bucket replaced the interim one")
}

func TestProcess_SkipGap(t *testing.T) {
	sink := newCollector()
	f := NewFactory(Config{}, nil, timeutil.NewMock(t0), logger.Noop())
	h := open(t, f, testJob(t, nil), process.OpenParams{}, sink)

	write(t, h, t0, "web-1", 1)
	require.NoError(t, h.SkipGap(context.Background()))
	write(t, h, t0.Add(time.Hour), "web-1", 1)
	write(t, h, t0.Add(time.Hour+time.Minute), "web-1", 1)
	syncHandle(t, h)

	buckets := sink.ofType(results.DocTypeBucket)
	require.Len(t, buckets, 2, "no empty buckets are emitted for the skipped gap")
	assert.Equal(t, t0.Add(time.Hour), buckets[1].DocTimestamp())
}

func TestProcess_CloseSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	sink := newCollector()
	clock := timeutil.NewMock(t0.Add(24 * time.Hour))
	f := NewFactory(Config{}, sink.store, clock, logger.Noop())
	j := testJob(t, nil)

	h := open(t, f, j, process.OpenParams{}, sink)
	for i := range 10 {
		write(t, h, t0.Add(time.Duration(i)*time.Minute), "web-1", 10)
	}
	require.NoError(t, h.Close(ctx))
	<-h.Done()
	assert.NoError(t, h.Err())
	assert.ErrorIs(t, h.Write(ctx, []byte(`{}`)), process.ErrProcessNotRunning)

	snaps := sink.ofType(results.DocTypeModelSnapshot)
	require.Len(t, snaps, 1)
	snap := snaps[0].(*results.ModelSnapshot)
	assert.Equal(t, clock.Now(), snap.Timestamp)
	assert.Equal(t, t0.Add(9*time.Minute), snap.LatestRecordTimeStamp)
	assert.Equal(t, t0.Add(8*time.Minute), snap.LatestResultTimeStamp)
	require.NotNil(t, snap.Quantiles)

	restored := open(t, f, j, process.OpenParams{RestoreSnapshotID: snap.SnapshotID}, sink)
	write(t, restored, t0.Add(20*time.Minute), "web-1", 500)
	write(t, restored, t0.Add(21*time.Minute), "web-1", 10)
	ack := syncHandle(t, restored)
	assert.Equal(t, t0.Add(21*time.Minute), ack.LastFinalizedBucketEnd)

	records := sink.ofType(results.DocTypeRecord)
	require.Len(t, records, 1, "the restored model knows the steady baseline")
	assert.Equal(t, 100.0, records[0].(*results.Record).AnomalyScore)

	_, err := f.Open(ctx, j, process.OpenParams{RestoreSnapshotID: "missing"}, sink)
	assert.ErrorIs(t, err, results.ErrNotFound)
}

func TestProcess_PeriodicSnapshots(t *testing.T) {
	sink := newCollector()
	f := NewFactory(Config{SnapshotEveryBuckets: 3}, nil, timeutil.NewMock(t0), logger.Noop())
	h := open(t, f, testJob(t, nil), process.OpenParams{}, sink)

	for i := range 10 {
		write(t, h, t0.Add(time.Duration(i)*time.Minute), "web-1", 1)
	}
	syncHandle(t, h)
	snaps := sink.ofType(results.DocTypeModelSnapshot)
	require.Len(t, snaps, 3)

	seen := make(map[string]string)
	for _, doc := range snaps {
		snap := doc.(*results.ModelSnapshot)
		require.NotEmpty(t, snap.Description)
		assert.Contains(t, snap.Description, snap.SnapshotID)
		if prev, dup := seen[snap.Description]; dup {
			t.Errorf("snapshots %s and %s share description %q", prev, snap.SnapshotID, snap.Description)
		}
		seen[snap.Description] = snap.SnapshotID
	}
}

func TestProcess_Categorization(t *testing.T) {
	sink := newCollector()
	f := NewFactory(Config{}, nil, timeutil.NewMock(t0), logger.Noop())
	j := testJob(t, func(c *job.Config) {
		c.Analysis.Detectors = []job.Detector{{Function: "count", ByFieldName: "mlcategory"}}
		c.Analysis.CategorizationFieldName = "message"
		c.Analysis.CategorizationFilters = []string{`\[[^\]]*\]`}
	})
	h := open(t, f, j, process.OpenParams{}, sink)

	for i, msg := range []string{
		"[web-1] connection refused to 10.0.0.1",
		"[web-2] connection refused to 10.0.0.7",
		"disk quota exceeded for user 1001",
	} {
		rec := fmt.Sprintf(`{"time":%d,"message":%q}`, t0.Add(time.Duration(i)*time.Second).Unix(), msg)
		require.NoError(t, h.Write(context.Background(), []byte(rec)))
	}
	syncHandle(t, h)

	defs := sink.ofType(results.DocTypeCategoryDefinition)
	require.Len(t, defs, 2)
	first := defs[0].(*results.CategoryDefinition)
	assert.Equal(t, int64(1), first.CategoryID)
	assert.Equal(t, "connection refused to", first.Terms)
	assert.Equal(t, []string{"[web-1] connection refused to 10.0.0.1"}, first.Examples)
	assert.Equal(t, "disk quota exceeded for user", defs[1].(*results.CategoryDefinition).Terms)
}

func TestProcess_Kill(t *testing.T) {
	f := NewFactory(Config{}, nil, timeutil.NewMock(t0), logger.Noop())
	h := open(t, f, testJob(t, nil), process.OpenParams{}, newCollector())

	require.NoError(t, h.Kill())
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("process did not exit")
	}
	assert.ErrorIs(t, h.Err(), errKilled)
	_, err := h.Flush(context.Background(), process.FlushParams{})
	assert.ErrorIs(t, err, process.ErrProcessNotRunning)
}
