package retention

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/anomaly-armada/internal/app/metrics"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

var now = time.Date(2024, 5, 20, 15, 30, 0, 0, time.UTC)

type staticJobs []*job.Job

func (s staticJobs) ListJobs(_ context.Context, skip, take int) (shared.Page[*job.Job], error) {
	p := shared.Pagination{Skip: skip, Take: take}
	return shared.Page[*job.Job]{Items: shared.Window([]*job.Job(s), p), Count: int64(len(s))}, nil
}

type mockAuditor struct{ mock.Mock }

func (m *mockAuditor) Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any) {
	m.Called(ctx, t, jobID, payload)
}

func days(n int64) *int64 { return &n }

func newJob(id string, resultDays, snapshotDays *int64, active string) *job.Job {
	cfg := job.Config{
		ID: id,
		Analysis: job.AnalysisConfig{
			BucketSpan: 3600,
			Detectors:  []job.Detector{{Function: "count"}},
		},
		ResultsRetentionDays:       resultDays,
		ModelSnapshotRetentionDays: snapshotDays,
	}.WithDefaults()
	j := job.NewJob(cfg, now.AddDate(0, -1, 0))
	j.SetModelSnapshotID(active)
	return j
}

func daysAgo(n int) time.Time { return timeutil.StartOfDay(now).AddDate(0, 0, -n).Add(time.Hour) }

func TestRemover_RunOnce(t *testing.T) {
	ctx := context.Background()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	store := resultsmem.NewStore()

	for _, id := range []string{"aged", "untouched"} {
		for _, d := range []int{1, 5, 10, 20} {
			require.NoError(t, store.Put(ctx, id, &results.Bucket{JobID: id, Timestamp: daysAgo(d), BucketSpan: 3600}))
			require.NoError(t, store.Put(ctx, id, &results.Record{JobID: id, Timestamp: daysAgo(d), BucketSpan: 3600, Sequence: 1}))
		}
	}
	for _, s := range []struct {
		id  string
		age int
	}{{"s-old-active", 30}, {"s-old", 25}, {"s-recent-enough", 3}, {"s-latest", 15}} {
		ts := daysAgo(s.age)
		if s.id == "s-latest" {
			ts = daysAgo(0)
		}
		require.NoError(t, store.Put(ctx, "aged", &results.ModelSnapshot{JobID: "aged", SnapshotID: s.id, Timestamp: ts}))
	}

	m, err := metrics.New(noop.NewMeterProvider())
	require.NoError(t, err)
	auditor := new(mockAuditor)
	auditor.On("Record", mock.Anything, events.EventTypeRetentionApplied, "aged", mock.Anything).Once()

	cleaner := snapshots.NewResultCleaner(store, snapshots.CleanerConfig{BatchSize: 3}, log, tracer)
	jobs := staticJobs{
		newJob("aged", days(7), days(7), "s-old-active"),
		newJob("untouched", nil, nil, ""),
	}
	r := NewRemover(jobs, store, cleaner, auditor, m, timeutil.NewMock(now), log, tracer)

	require.NoError(t, r.RunOnce(ctx))
	auditor.AssertExpectations(t)

	buckets, err := store.Query(ctx, "aged", results.DocTypeBucket, results.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), buckets.Count, "only the 1 and 5 day old buckets remain")
	records, err := store.Query(ctx, "aged", results.DocTypeRecord, results.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), records.Count)

	snaps, err := store.Query(ctx, "aged", results.DocTypeModelSnapshot, results.Query{Sort: results.SortByTimestamp})
	require.NoError(t, err)
	var ids []string
	for _, d := range snaps.Items {
		ids = append(ids, d.DocID())
	}
	assert.Equal(t, []string{"s-old-active", "s-recent-enough", "s-latest"}, ids)

	untouched, err := store.Query(ctx, "untouched", results.DocTypeBucket, results.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), untouched.Count)
}

func TestRemover_StartRejectsBadSchedule(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	r := NewRemover(staticJobs{}, resultsmem.NewStore(), nil, new(mockAuditor), nil, nil, log, tracenoop.NewTracerProvider().Tracer("test"))

	assert.Error(t, r.Start(context.Background(), "every day"))
	require.NoError(t, r.Start(context.Background(), "@hourly"))
	r.Stop(context.Background())
}
