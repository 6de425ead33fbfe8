package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/anomaly-armada/internal/app/guard"
	"github.com/ahrav/anomaly-armada/internal/app/jobs"
	"github.com/ahrav/anomaly-armada/internal/app/metrics"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/infra/process/simulated"
	jobsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/memory"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type mockAuditor struct{ mock.Mock }

func (m *mockAuditor) Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any) {
	m.Called(ctx, t, jobID, payload)
}

func (m *mockAuditor) Warn(ctx context.Context, t events.EventType, jobID, msg string, payload map[string]any) {
	m.Called(ctx, t, jobID, msg, payload)
}

type noopReverter struct{}

func (noopReverter) Revert(context.Context, snapshots.RevertRequest) (*results.ModelSnapshot, error) {
	return nil, errors.New("not supported")
}

// mockHandle is a scripted process. Done is closed by exit, which Kill
// also triggers.
type mockHandle struct {
	mock.Mock
	done chan struct{}
	once sync.Once
	err  error
}

func newMockHandle() *mockHandle { return &mockHandle{done: make(chan struct{})} }

func (h *mockHandle) exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *mockHandle) Write(ctx context.Context, record []byte) error {
	return h.Called(ctx, record).Error(0)
}

func (h *mockHandle) SkipGap(ctx context.Context) error { return h.Called(ctx).Error(0) }

func (h *mockHandle) ResetBuckets(ctx context.Context, r process.TimeRange) error {
	return h.Called(ctx, r).Error(0)
}

func (h *mockHandle) Flush(ctx context.Context, params process.FlushParams) (process.FlushAck, error) {
	args := h.Called(ctx, params)
	return args.Get(0).(process.FlushAck), args.Error(1)
}

func (h *mockHandle) Close(ctx context.Context) error { return h.Called(ctx).Error(0) }

func (h *mockHandle) Kill() error {
	err := h.Called().Error(0)
	h.exit(errors.New("killed"))
	return err
}

func (h *mockHandle) Done() <-chan struct{} { return h.done }
func (h *mockHandle) Err() error            { return h.err }

type mockFactory struct{ mock.Mock }

func (f *mockFactory) Open(ctx context.Context, j *job.Job, params process.OpenParams, sink process.ResultSink) (process.Handle, error) {
	args := f.Called(ctx, j.ID(), params)
	h, _ := args.Get(0).(process.Handle)
	return h, args.Error(1)
}

type testEnv struct {
	manager *Manager
	jobs    *jobs.Manager
	results *resultsmem.Store
	auditor *mockAuditor
	clock   *timeutil.Mock
}

func setupManager(t *testing.T, factory func(*resultsmem.Store, *timeutil.Mock) process.Factory, cfg Config) testEnv {
	t.Helper()
	return setupManagerWithStore(t, factory, cfg, nil)
}

// setupManagerWithStore lets a test wrap the job store the manager writes
// status through.
func setupManagerWithStore(
	t *testing.T,
	factory func(*resultsmem.Store, *timeutil.Mock) process.Factory,
	cfg Config,
	wrap func(JobStore) JobStore,
) testEnv {
	t.Helper()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	clock := timeutil.NewMock(t0)

	m, err := metrics.New(noop.NewMeterProvider())
	require.NoError(t, err)

	auditor := new(mockAuditor)
	auditor.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	auditor.On("Warn", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()

	resultStore := resultsmem.NewStore()
	guardian := guard.New()
	updater := jobs.NewUpdater(jobsmem.NewMetadataStore(), clock, log, tracer)
	jobManager := jobs.NewManager(updater, resultStore, noopReverter{}, guardian, auditor, log, tracer)

	var store JobStore = jobManager
	if wrap != nil {
		store = wrap(jobManager)
	}
	pm := NewManager(cfg, factory(resultStore, clock), store, resultStore, guardian, auditor, m, clock, log, tracer)
	t.Cleanup(func() { _ = pm.CloseAll(context.Background()) })

	return testEnv{manager: pm, jobs: jobManager, results: resultStore, auditor: auditor, clock: clock}
}

func simulatedFactory(store *resultsmem.Store, clock *timeutil.Mock) process.Factory {
	return simulated.NewFactory(simulated.Config{}, store, clock, logger.Noop())
}

func fixedFactory(f *mockFactory) func(*resultsmem.Store, *timeutil.Mock) process.Factory {
	return func(*resultsmem.Store, *timeutil.Mock) process.Factory { return f }
}

func (env testEnv) createJob(t *testing.T, id string) {
	t.Helper()
	_, err := env.jobs.CreateJob(context.Background(), job.Config{
		ID: id,
		Analysis: job.AnalysisConfig{
			BucketSpan: 300,
			Detectors:  []job.Detector{{Function: "mean", FieldName: "serverload"}},
		},
	}, false)
	require.NoError(t, err)
}

func (env testEnv) status(t *testing.T, id string) job.Status {
	t.Helper()
	j, ok, err := env.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return j.Status()
}

// serverLoad renders n records evenly spread over span starting at start.
func serverLoad(start time.Time, n int, span time.Duration) string {
	var b strings.Builder
	step := span / time.Duration(n)
	for i := range n {
		ts := start.Add(time.Duration(i) * step)
		load := 40.0 + float64(i%7)
		fmt.Fprintf(&b, "{\"time\":%d.%03d,\"serverload\":%.1f,\"host\":\"web-%d\"}\n",
			ts.Unix(), ts.Nanosecond()/int(time.Millisecond), load, i%3)
	}
	return b.String()
}

func TestManager_ProcessDataCPULoad(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, simulatedFactory, DefaultConfig())
	env.createJob(t, "cpu-load")

	counts, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 1000, 2*time.Hour)), process.DataLoadParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), counts.ProcessedRecordCount)
	assert.Equal(t, int64(2000), counts.ProcessedFieldCount)
	assert.Zero(t, counts.InvalidDateCount)
	assert.Equal(t, t0, counts.EarliestRecordTimeStamp)
	assert.True(t, env.manager.IsRunning("cpu-load"))
	assert.Equal(t, job.StatusRunning, env.status(t, "cpu-load"))

	_, err = env.manager.Flush(ctx, "cpu-load", process.FlushParams{CalcInterim: true})
	require.NoError(t, err)

	page, err := env.results.Query(ctx, "cpu-load", results.DocTypeBucket, results.Query{Take: 1000})
	require.NoError(t, err)
	require.Len(t, page.Items, 24)
	for i, doc := range page.Items {
		b := doc.(*results.Bucket)
		assert.Equal(t, t0.Add(time.Duration(i)*5*time.Minute), b.Timestamp)
		assert.Positive(t, b.EventCount)
		if i < len(page.Items)-1 {
			assert.False(t, b.IsInterim, "bucket %d", i)
		}
	}

	require.NoError(t, env.manager.Close(ctx, "cpu-load"))
	assert.False(t, env.manager.IsRunning("cpu-load"))
	j, ok, err := env.jobs.GetJob(ctx, "cpu-load")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusClosed, j.Status())
	assert.Equal(t, int64(1000), j.Counts().ProcessedRecordCount)
	assert.NotEmpty(t, j.ModelSnapshotID(), "close persists the active snapshot")

	// The next upload restores from the snapshot and keeps counting.
	counts, err = env.manager.ProcessData(ctx, "cpu-load",
		strings.NewReader(serverLoad(t0.Add(2*time.Hour), 10, 10*time.Minute)), process.DataLoadParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1010), counts.ProcessedRecordCount)
}

func TestManager_ProcessDataRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		env := setupManager(t, simulatedFactory, DefaultConfig())
		_, err := env.manager.ProcessData(ctx, "ghost", strings.NewReader(""), process.DataLoadParams{})
		assert.ErrorIs(t, err, job.ErrJobNotFound)
	})

	t.Run("invalid and out of order records are counted", func(t *testing.T) {
		env := setupManager(t, simulatedFactory, DefaultConfig())
		env.createJob(t, "cpu-load")

		input := strings.Join([]string{
			`{"time":1714521900,"serverload":1}`,
			`{"time":"not a date","serverload":1}`,
			`{"serverload":1}`,
			`{"time":1714521600,"serverload":1}`,
			``,
			`{"time":1714522200,"serverload":1}`,
		}, "\n")
		counts, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(input), process.DataLoadParams{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts.ProcessedRecordCount)
		assert.Equal(t, int64(2), counts.InvalidDateCount)
		assert.Equal(t, int64(1), counts.MissingFieldCount)
		assert.Equal(t, int64(1), counts.OutOfOrderTimeStampCount)
		assert.Equal(t, int64(5), counts.InputRecordCount())
	})

	t.Run("high proportion of bad timestamps aborts", func(t *testing.T) {
		env := setupManager(t, simulatedFactory, DefaultConfig())
		env.createJob(t, "cpu-load")

		var b strings.Builder
		for i := range 200 {
			if i%2 == 0 {
				fmt.Fprintf(&b, "{\"time\":%d,\"serverload\":1}\n", t0.Unix()+int64(i))
			} else {
				b.WriteString("{\"time\":\"bad\",\"serverload\":1}\n")
			}
		}
		counts, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(b.String()), process.DataLoadParams{})
		require.ErrorIs(t, err, process.ErrHighProportionOfBadTimestamps)
		assert.Equal(t, int64(100), counts.InputRecordCount())

		j, _, err := env.jobs.GetJob(ctx, "cpu-load")
		require.NoError(t, err)
		assert.Equal(t, int64(50), j.Counts().InvalidDateCount, "partial counts are persisted")
		assert.Equal(t, int64(50), j.Counts().ProcessedRecordCount)
	})
}

// blockingReader hands out one record and then blocks until released.
type blockingReader struct {
	first   []byte
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if len(r.first) > 0 {
		n := copy(p, r.first)
		r.first = r.first[n:]
		return n, nil
	}
	r.once.Do(func() { close(r.started) })
	<-r.release
	return 0, io.EOF
}

func TestManager_ConcurrentProcessDataSameJob(t *testing.T) {
	ctx := context.Background()
	factory := new(mockFactory)
	h := newMockHandle()
	env := setupManager(t, fixedFactory(factory), DefaultConfig())
	env.createJob(t, "cpu-load")
	env.createJob(t, "other")

	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(h, nil).Once()
	factory.On("Open", mock.Anything, "other", mock.Anything).Return(newMockHandleWithWrites(), nil).Once()
	h.On("Write", mock.Anything, mock.Anything).Return(nil)
	h.On("Close", mock.Anything).Run(func(mock.Arguments) { h.exit(nil) }).Return(nil).Maybe()

	r := &blockingReader{
		first:   []byte(`{"time":1714521600,"serverload":1}` + "\n"),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	var (
		wg       sync.WaitGroup
		firstErr error
		counts   job.DataCounts
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		counts, firstErr = env.manager.ProcessData(ctx, "cpu-load", r, process.DataLoadParams{})
	}()
	<-r.started

	const contenders = 8
	errs := make([]error, contenders)
	var cwg sync.WaitGroup
	for i := range contenders {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			_, errs[i] = env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(""), process.DataLoadParams{})
		}()
	}
	cwg.Wait()
	for _, err := range errs {
		require.ErrorIs(t, err, job.ErrConcurrentAccess)
		assert.Contains(t, err.Error(), "processing data")
	}
	_, err := env.manager.Flush(ctx, "cpu-load", process.FlushParams{})
	assert.ErrorIs(t, err, job.ErrConcurrentAccess)

	// Other jobs are not blocked.
	_, err = env.manager.ProcessData(ctx, "other", strings.NewReader(`{"time":1714521600,"serverload":1}`), process.DataLoadParams{})
	require.NoError(t, err)

	close(r.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, int64(1), counts.ProcessedRecordCount)
	factory.AssertExpectations(t)
}

func newMockHandleWithWrites() *mockHandle {
	h := newMockHandle()
	h.On("Write", mock.Anything, mock.Anything).Return(nil)
	h.On("Close", mock.Anything).Run(func(mock.Arguments) { h.exit(nil) }).Return(nil).Maybe()
	return h
}

func TestManager_ProcessDataCancelled(t *testing.T) {
	factory := new(mockFactory)
	h := newMockHandleWithWrites()
	env := setupManager(t, fixedFactory(factory), DefaultConfig())
	env.createJob(t, "cpu-load")
	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r := &blockingReader{
		first:   []byte(serverLoad(t0, 3, time.Minute)),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	go func() {
		<-r.started
		cancel()
		close(r.release)
	}()

	counts, err := env.manager.ProcessData(ctx, "cpu-load", io.MultiReader(r, strings.NewReader(serverLoad(t0.Add(time.Hour), 5, time.Minute))), process.DataLoadParams{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(3), counts.ProcessedRecordCount)

	j, _, err := env.jobs.GetJob(context.Background(), "cpu-load")
	require.NoError(t, err)
	assert.Equal(t, int64(3), j.Counts().ProcessedRecordCount)
}

func TestManager_ProcessCrashMidStream(t *testing.T) {
	ctx := context.Background()
	factory := new(mockFactory)
	h := newMockHandle()
	env := setupManager(t, fixedFactory(factory), DefaultConfig())
	env.createJob(t, "cpu-load")
	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(h, nil)

	h.On("Write", mock.Anything, mock.Anything).Return(nil).Times(2)
	h.On("Write", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		h.exit(errors.New("segfault"))
	}).Return(errors.New("broken pipe"))

	counts, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 10, time.Hour)), process.DataLoadParams{})
	require.ErrorIs(t, err, process.ErrProcessCrashed)
	assert.Contains(t, err.Error(), "segfault")
	assert.Equal(t, int64(3), counts.ProcessedRecordCount, "the failed write's record was already counted")

	assert.False(t, env.manager.IsRunning("cpu-load"))
	assert.Equal(t, job.StatusClosed, env.status(t, "cpu-load"))
}

// closeGate holds the first RUNNING to CLOSED status write until released.
type closeGate struct {
	JobStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *closeGate) UpdateStatus(ctx context.Context, jobID string, from, to job.Status) error {
	if from == job.StatusRunning && to == job.StatusClosed {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.JobStore.UpdateStatus(ctx, jobID, from, to)
}

func TestManager_ReopenWhileCrashIsReaped(t *testing.T) {
	ctx := context.Background()
	factory := new(mockFactory)
	crashed := newMockHandleWithWrites()
	replacement := newMockHandleWithWrites()
	gate := &closeGate{entered: make(chan struct{}), release: make(chan struct{})}
	env := setupManagerWithStore(t, fixedFactory(factory), DefaultConfig(), func(s JobStore) JobStore {
		gate.JobStore = s
		return gate
	})
	env.createJob(t, "cpu-load")
	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(crashed, nil).Once()
	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(replacement, nil).Once()

	_, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 3, time.Hour)), process.DataLoadParams{})
	require.NoError(t, err)

	crashed.exit(errors.New("segfault"))
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("exit watcher never marked the job closed")
	}
	assert.False(t, env.manager.IsRunning("cpu-load"), "an exited process is not running")

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.ProcessData(ctx, "cpu-load",
			strings.NewReader(serverLoad(t0.Add(time.Hour), 3, time.Hour)), process.DataLoadParams{})
		done <- err
	}()
	require.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"the upload waits for the crashed process to be reaped")

	close(gate.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish after the reap")
	}

	assert.True(t, env.manager.IsRunning("cpu-load"))
	assert.Equal(t, job.StatusRunning, env.status(t, "cpu-load"))
	factory.AssertNumberOfCalls(t, "Open", 2)
}

func TestManager_ResetRange(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, simulatedFactory, DefaultConfig())
	env.createJob(t, "cpu-load")

	_, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 120, time.Hour)), process.DataLoadParams{})
	require.NoError(t, err)
	before, err := env.results.Query(ctx, "cpu-load", results.DocTypeBucket, results.Query{Take: 100})
	require.NoError(t, err)
	require.Equal(t, int64(11), before.Count)

	reset := process.TimeRange{Start: t0.Add(30 * time.Minute), End: t0.Add(time.Hour)}
	counts, err := env.manager.ProcessData(ctx, "cpu-load",
		strings.NewReader(serverLoad(reset.Start, 30, 30*time.Minute)), process.DataLoadParams{ResetRange: reset})
	require.NoError(t, err)
	assert.Equal(t, int64(30), counts.ProcessedRecordCount, "counts restart from zero")

	after, err := env.results.Query(ctx, "cpu-load", results.DocTypeBucket, results.Query{Take: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(11), after.Count, "the range was re-bucketed")
}

func TestManager_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("no process", func(t *testing.T) {
		env := setupManager(t, simulatedFactory, DefaultConfig())
		env.createJob(t, "cpu-load")
		_, err := env.manager.Flush(ctx, "cpu-load", process.FlushParams{})
		assert.ErrorIs(t, err, process.ErrProcessNotRunning)
	})

	t.Run("unresponsive process is left running", func(t *testing.T) {
		factory := new(mockFactory)
		h := newMockHandleWithWrites()
		env := setupManager(t, fixedFactory(factory), Config{FlushTimeout: 20 * time.Millisecond, CloseTimeout: time.Second})
		env.createJob(t, "cpu-load")
		factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(h, nil)
		h.On("Flush", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(process.FlushAck{}, context.DeadlineExceeded)

		_, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 1, time.Minute)), process.DataLoadParams{})
		require.NoError(t, err)

		_, err = env.manager.Flush(ctx, "cpu-load", process.FlushParams{CalcInterim: true})
		require.ErrorIs(t, err, process.ErrProcessUnresponsive)
		assert.True(t, env.manager.IsRunning("cpu-load"))
		h.AssertNotCalled(t, "Kill")
	})
}

func TestManager_CloseTimeoutKills(t *testing.T) {
	ctx := context.Background()
	factory := new(mockFactory)
	h := newMockHandle()
	env := setupManager(t, fixedFactory(factory), Config{FlushTimeout: time.Second, CloseTimeout: 20 * time.Millisecond})
	env.createJob(t, "cpu-load")
	factory.On("Open", mock.Anything, "cpu-load", mock.Anything).Return(h, nil)
	h.On("Write", mock.Anything, mock.Anything).Return(nil)
	h.On("Close", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)
	h.On("Kill").Return(nil).Once()

	_, err := env.manager.ProcessData(ctx, "cpu-load", strings.NewReader(serverLoad(t0, 1, time.Minute)), process.DataLoadParams{})
	require.NoError(t, err)

	require.NoError(t, env.manager.Close(ctx, "cpu-load"))
	h.AssertExpectations(t)
	assert.False(t, env.manager.IsRunning("cpu-load"))
	assert.Equal(t, job.StatusClosed, env.status(t, "cpu-load"))
	env.auditor.AssertCalled(t, "Warn", mock.Anything, events.EventTypeJobAborted, "cpu-load", mock.Anything, mock.Anything)

	err = env.manager.Close(ctx, "cpu-load")
	assert.ErrorIs(t, err, process.ErrProcessNotRunning)
}

func TestManager_KillAndCloseAll(t *testing.T) {
	ctx := context.Background()
	env := setupManager(t, simulatedFactory, DefaultConfig())
	for _, id := range []string{"a", "b", "c"} {
		env.createJob(t, id)
		_, err := env.manager.ProcessData(ctx, id, bytes.NewReader([]byte(serverLoad(t0, 5, time.Minute))), process.DataLoadParams{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, env.manager.ActiveJobs())

	require.NoError(t, env.manager.Kill(ctx, "a"))
	assert.Equal(t, job.StatusClosed, env.status(t, "a"))
	assert.ErrorIs(t, env.manager.Kill(ctx, "a"), process.ErrProcessNotRunning)

	require.NoError(t, env.manager.CloseAll(ctx))
	assert.Empty(t, env.manager.ActiveJobs())
	for _, id := range []string{"b", "c"} {
		assert.Equal(t, job.StatusClosed, env.status(t, id))
	}
}
