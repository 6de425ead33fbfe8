// Package process owns the analysis process of every running job: it starts
// processes on demand, streams data into them and shuts them down.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/anomaly-armada/internal/app/guard"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

// JobStore is the slice of the job manager the process manager needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, bool, error)
	UpdateStatus(ctx context.Context, jobID string, from, to job.Status) error
	UpdateDataCounts(ctx context.Context, jobID string, counts job.DataCounts) error
	UpdateModelSnapshotID(ctx context.Context, jobID, snapshotID string) error
}

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, t events.EventType, jobID string, payload map[string]any)
	Warn(ctx context.Context, t events.EventType, jobID, msg string, payload map[string]any)
}

// Metrics is the instrumentation the process manager reports to.
type Metrics interface {
	AddRecordsProcessed(ctx context.Context, jobID string, n int64)
	AddRecordsRejected(ctx context.Context, jobID string, n int64)
	AddBytesIngested(ctx context.Context, jobID string, n int64)
	ProcessOpened(ctx context.Context)
	ProcessClosed(ctx context.Context)
	IncProcessCrashes(ctx context.Context)
	IncForcedKills(ctx context.Context)
	ObserveFlush(ctx context.Context, d time.Duration)
	ObserveClose(ctx context.Context, d time.Duration)
}

// Config bounds how long the manager waits on a process.
type Config struct {
	FlushTimeout time.Duration
	CloseTimeout time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{FlushTimeout: 30 * time.Second, CloseTimeout: 30 * time.Second}
}

// runningProcess is a cached handle plus the bookkeeping to tear it down once.
type runningProcess struct {
	handle   process.Handle
	openedAt time.Time

	// stopping is set when the manager itself closes or kills the process,
	// so the exit watcher does not report a crash.
	stopping atomic.Bool
	reapOnce sync.Once
}

func (rp *runningProcess) exited() bool {
	select {
	case <-rp.handle.Done():
		return true
	default:
		return false
	}
}

// Manager maintains at most one analysis process per job. Calls against the
// same job are serialized by the guardian and fail fast when another action
// is in flight.
type Manager struct {
	cfg      Config
	factory  process.Factory
	jobs     JobStore
	results  results.Store
	guardian *guard.Guardian
	auditor  Auditor
	metrics  Metrics
	clock    timeutil.Provider

	mu    sync.Mutex
	procs map[string]*runningProcess

	logger *logger.Logger
	tracer trace.Tracer
}

// NewManager creates a process manager.
func NewManager(
	cfg Config,
	factory process.Factory,
	jobs JobStore,
	resultStore results.Store,
	guardian *guard.Guardian,
	auditor Auditor,
	metrics Metrics,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Manager {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		jobs:     jobs,
		results:  resultStore,
		guardian: guardian,
		auditor:  auditor,
		metrics:  metrics,
		clock:    clock,
		procs:    make(map[string]*runningProcess),
		logger:   logger.With("component", "process_manager"),
		tracer:   tracer,
	}
}

// IsRunning reports whether a live process is cached for jobID.
func (m *Manager) IsRunning(jobID string) bool {
	rp := m.lookup(jobID)
	return rp != nil && !rp.exited()
}

// ActiveJobs returns the ids of jobs with a live process, sorted.
func (m *Manager) ActiveJobs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) lookup(jobID string) *runningProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[jobID]
}

// ProcessData streams r into the job's process, starting it if needed, and
// returns the job's cumulative data counts. On cancellation or a process
// crash the counts of the records handled so far are persisted and returned
// together with the error.
func (m *Manager) ProcessData(
	ctx context.Context,
	jobID string,
	r io.Reader,
	params process.DataLoadParams,
) (job.DataCounts, error) {
	const op = "process_data"
	ctx, span := m.tracer.Start(ctx, "process_manager.process_data",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Bool("ignore_downtime", params.IgnoreDowntime),
			attribute.Bool("reset", !params.ResetRange.IsEmpty()),
		))
	defer span.End()

	release, err := m.guardian.TryAcquire(jobID, guard.ActionProcessingData)
	if err != nil {
		return job.DataCounts{}, err
	}
	defer release()

	j, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return job.DataCounts{}, shared.Wrap(op, jobID, err)
	}
	if !ok {
		return job.DataCounts{}, shared.NewError(op, jobID, job.ErrJobNotFound)
	}
	if j.Status() == job.StatusAborting {
		return job.DataCounts{}, shared.NewError(op, jobID,
			fmt.Errorf("%w: cannot process data while job is %s", job.ErrJobStatus, j.Status()))
	}

	rp, err := m.ensureRunning(ctx, j, params.IgnoreDowntime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start process")
		return job.DataCounts{}, err
	}

	base := j.Counts()
	if !params.ResetRange.IsEmpty() {
		if err := m.resetRange(ctx, jobID, rp, params.ResetRange); err != nil {
			span.RecordError(err)
			return base, shared.NewError(op, jobID, err)
		}
		base = job.DataCounts{}
	}

	parser := newRecordParser(j.Config(), base.LatestRecordTimeStamp)
	streamErr := m.stream(ctx, rp, parser, newLineReader(r))

	delta := parser.counts
	delta.LastDataTimeStamp = m.clock.Now()
	total := base.Add(delta)

	// Partial counts are persisted even when the caller went away.
	persistCtx := context.WithoutCancel(ctx)
	if err := m.jobs.UpdateDataCounts(persistCtx, jobID, total); err != nil {
		m.logger.Error(ctx, "Failed to persist data counts", "job_id", jobID, "error", err)
		if streamErr == nil {
			streamErr = err
		}
	}

	rejected := delta.InvalidDateCount + delta.OutOfOrderTimeStampCount
	m.metrics.AddRecordsProcessed(ctx, jobID, delta.ProcessedRecordCount)
	m.metrics.AddRecordsRejected(ctx, jobID, rejected)
	m.metrics.AddBytesIngested(ctx, jobID, delta.InputBytes)
	span.SetAttributes(
		attribute.Int64("processed_records", delta.ProcessedRecordCount),
		attribute.Int64("rejected_records", rejected),
	)

	if errors.Is(streamErr, process.ErrProcessCrashed) {
		m.reap(persistCtx, jobID, rp)
	}

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "data upload failed")
		m.logger.Warn(ctx, "Data upload ended early",
			"job_id", jobID,
			"processed_records", humanize.Comma(delta.ProcessedRecordCount),
			"bytes", humanize.Bytes(uint64(delta.InputBytes)),
			"error", streamErr,
		)
		return total, shared.Wrap(op, jobID, streamErr)
	}

	m.logger.Info(ctx, "Data upload complete",
		"job_id", jobID,
		"processed_records", humanize.Comma(delta.ProcessedRecordCount),
		"invalid_dates", delta.InvalidDateCount,
		"out_of_order", delta.OutOfOrderTimeStampCount,
		"bytes", humanize.Bytes(uint64(delta.InputBytes)),
	)
	return total, nil
}

// stream forwards accepted records until r is exhausted, ctx is done, the
// process dies or the upload turns out to be mostly bad data.
func (m *Manager) stream(ctx context.Context, rp *runningProcess, parser *recordParser, lr *lineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-rp.handle.Done():
			return m.exitError(rp)
		default:
		}

		line, err := lr.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := parser.parse(line)
		if err == nil {
			if werr := rp.handle.Write(ctx, rec); werr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				select {
				case <-rp.handle.Done():
					return m.exitError(rp)
				default:
				}
				return fmt.Errorf("failed to write record: %w", werr)
			}
		}
		if err := parser.check(); err != nil {
			return err
		}
	}
}

// exitError describes why a process stopped underneath a caller.
func (m *Manager) exitError(rp *runningProcess) error {
	if rp.stopping.Load() {
		return process.ErrProcessNotRunning
	}
	if err := rp.handle.Err(); err != nil {
		return fmt.Errorf("%w: %w", process.ErrProcessCrashed, err)
	}
	return process.ErrProcessCrashed
}

// ensureRunning returns the cached process for j or starts one.
func (m *Manager) ensureRunning(ctx context.Context, j *job.Job, ignoreDowntime bool) (*runningProcess, error) {
	const op = "open_process"
	jobID := j.ID()

	if rp := m.lookup(jobID); rp != nil {
		if !rp.exited() {
			if ignoreDowntime {
				if err := rp.handle.SkipGap(ctx); err != nil {
					return nil, shared.NewError(op, jobID, fmt.Errorf("failed to skip downtime: %w", err))
				}
			}
			return rp, nil
		}

		// The process died and its watcher may still be writing CLOSED. Reap
		// waits for that write so the status read below is current.
		m.reap(context.WithoutCancel(ctx), jobID, rp)
		fresh, ok, err := m.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, shared.Wrap(op, jobID, err)
		}
		if !ok {
			return nil, shared.NewError(op, jobID, job.ErrJobNotFound)
		}
		j = fresh
	}

	params := process.OpenParams{
		RestoreSnapshotID: j.ModelSnapshotID(),
		IgnoreDowntime:    ignoreDowntime || j.IgnoreDowntime() != job.IgnoreDowntimeNever,
	}
	sink := newResultPersister(jobID, m.results, m.jobs, m.logger)
	h, err := m.factory.Open(ctx, j, params, sink)
	if err != nil {
		return nil, shared.NewError(op, jobID, fmt.Errorf("failed to open process: %w", err))
	}

	// A RUNNING job without a cached handle was left behind by an earlier
	// instance of the engine; the new process takes over its status.
	if j.Status() == job.StatusClosed {
		if err := m.jobs.UpdateStatus(ctx, jobID, job.StatusClosed, job.StatusRunning); err != nil {
			_ = h.Kill()
			return nil, shared.Wrap(op, jobID, err)
		}
	} else {
		m.logger.Warn(ctx, "Adopting job marked running without a live process", "job_id", jobID)
	}

	rp := &runningProcess{handle: h, openedAt: m.clock.Now()}
	m.mu.Lock()
	m.procs[jobID] = rp
	m.mu.Unlock()

	m.metrics.ProcessOpened(ctx)
	m.auditor.Record(ctx, events.EventTypeJobOpened, jobID, map[string]any{
		"restore_snapshot_id": params.RestoreSnapshotID,
		"ignore_downtime":     params.IgnoreDowntime,
	})
	m.logger.Info(ctx, "Analysis process started", "job_id", jobID, "snapshot_id", params.RestoreSnapshotID)

	go m.watch(jobID, rp)
	return rp, nil
}

// watch reaps a process that exits without being asked to.
func (m *Manager) watch(jobID string, rp *runningProcess) {
	<-rp.handle.Done()
	if rp.stopping.Load() {
		return
	}
	ctx := context.Background()
	err := rp.handle.Err()
	m.logger.Error(ctx, "Analysis process exited unexpectedly", "job_id", jobID, "error", err)
	m.metrics.IncProcessCrashes(ctx)
	m.reap(ctx, jobID, rp)

	payload := map[string]any{"reason": "process exited unexpectedly"}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.auditor.Warn(ctx, events.EventTypeJobAborted, jobID, "analysis process exited unexpectedly", payload)
}

// reap returns the job to CLOSED and then drops the cached handle. It runs
// once per process no matter how many paths observe the exit, and callers
// that arrive while it runs block until it is done.
//
// The handle stays cached until the status write lands, so a caller that
// finds no handle never races the write.
func (m *Manager) reap(ctx context.Context, jobID string, rp *runningProcess) {
	rp.reapOnce.Do(func() {
		if err := m.markClosed(ctx, jobID); err != nil {
			m.logger.Error(ctx, "Failed to mark job closed", "job_id", jobID, "error", err)
		}

		m.mu.Lock()
		if m.procs[jobID] == rp {
			delete(m.procs, jobID)
		}
		m.mu.Unlock()
		m.metrics.ProcessClosed(ctx)
	})
}

// markClosed moves the job to CLOSED from whatever live status it holds.
func (m *Manager) markClosed(ctx context.Context, jobID string) error {
	j, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil || !ok || j.Status() == job.StatusClosed {
		return err
	}
	return m.jobs.UpdateStatus(ctx, jobID, j.Status(), job.StatusClosed)
}

// resetRange asks the process to forget [Start, End) and removes what was
// already stored for it.
func (m *Manager) resetRange(ctx context.Context, jobID string, rp *runningProcess, tr process.TimeRange) error {
	if err := rp.handle.ResetBuckets(ctx, tr); err != nil {
		return fmt.Errorf("failed to reset buckets: %w", err)
	}

	pred := results.Predicate{Start: tr.Start, End: tr.End}
	var total int64
	for _, t := range results.TimeSeriesDocTypes {
		n, err := m.results.DeleteByPredicate(ctx, jobID, t, pred, 0)
		if err != nil {
			return fmt.Errorf("failed to delete %s results in reset range: %w", t, err)
		}
		total += n
	}
	m.logger.Info(ctx, "Reset time range",
		"job_id", jobID,
		"start", tr.Start,
		"end", tr.End,
		"results_deleted", total,
	)
	return nil
}

// Flush makes the process emit everything it has buffered and waits for the
// acknowledgement. A process that does not answer in time is left running
// and the call fails with ErrProcessUnresponsive.
func (m *Manager) Flush(ctx context.Context, jobID string, params process.FlushParams) (process.FlushAck, error) {
	const op = "flush"
	ctx, span := m.tracer.Start(ctx, "process_manager.flush",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Bool("calc_interim", params.CalcInterim),
		))
	defer span.End()

	release, err := m.guardian.TryAcquire(jobID, guard.ActionFlushing)
	if err != nil {
		return process.FlushAck{}, err
	}
	defer release()

	rp := m.lookup(jobID)
	if rp == nil {
		return process.FlushAck{}, shared.NewError(op, jobID, process.ErrProcessNotRunning)
	}

	start := m.clock.Now()
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
	defer cancel()

	ack, err := rp.handle.Flush(fctx, params)
	m.metrics.ObserveFlush(ctx, m.clock.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			m.logger.Warn(ctx, "Flush timed out", "job_id", jobID, "timeout", m.cfg.FlushTimeout)
			return process.FlushAck{}, shared.NewError(op, jobID,
				fmt.Errorf("%w: no flush acknowledgement after %s", process.ErrProcessUnresponsive, m.cfg.FlushTimeout))
		}
		return process.FlushAck{}, shared.NewError(op, jobID, err)
	}

	m.logger.Debug(ctx, "Flush acknowledged", "job_id", jobID, "flush_id", ack.ID)
	return ack, nil
}

// Close shuts the job's process down gracefully so it can persist a final
// snapshot. A process that does not exit within the close timeout is killed;
// the job still ends CLOSED and the abnormal exit is logged and audited.
func (m *Manager) Close(ctx context.Context, jobID string) error {
	const op = "close"
	ctx, span := m.tracer.Start(ctx, "process_manager.close",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	release, err := m.guardian.TryAcquire(jobID, guard.ActionClosing)
	if err != nil {
		return err
	}
	defer release()

	rp := m.lookup(jobID)
	if rp == nil {
		return shared.NewError(op, jobID, process.ErrProcessNotRunning)
	}
	rp.stopping.Store(true)

	start := m.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
	defer cancel()

	closeErr := rp.handle.Close(cctx)
	m.metrics.ObserveClose(ctx, m.clock.Now().Sub(start))

	// The job has to end CLOSED even if the caller has gone away.
	bg := context.WithoutCancel(ctx)
	if closeErr != nil {
		span.RecordError(closeErr)
		reason := "analysis process failed to close"
		if errors.Is(closeErr, context.DeadlineExceeded) || errors.Is(closeErr, context.Canceled) {
			reason = "analysis process did not close in time"
			if err := rp.handle.Kill(); err != nil {
				m.logger.Error(ctx, "Failed to kill analysis process", "job_id", jobID, "error", err)
			}
			m.metrics.IncForcedKills(ctx)
		}
		m.logger.Error(ctx, "Abnormal process exit", "job_id", jobID, "reason", reason, "error", closeErr)
		m.reap(bg, jobID, rp)
		m.auditor.Warn(bg, events.EventTypeJobAborted, jobID, reason, map[string]any{"error": closeErr.Error()})
		return nil
	}

	m.reap(bg, jobID, rp)
	m.auditor.Record(bg, events.EventTypeJobClosed, jobID, map[string]any{
		"uptime_seconds": int64(m.clock.Now().Sub(rp.openedAt).Seconds()),
	})
	m.logger.Info(ctx, "Analysis process closed", "job_id", jobID)
	return nil
}

// Kill terminates the job's process without waiting for a snapshot. It does
// not take the job's guard so it can interrupt a long upload.
func (m *Manager) Kill(ctx context.Context, jobID string) error {
	const op = "kill"
	ctx, span := m.tracer.Start(ctx, "process_manager.kill",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	rp := m.lookup(jobID)
	if rp == nil {
		return shared.NewError(op, jobID, process.ErrProcessNotRunning)
	}
	rp.stopping.Store(true)

	if err := m.jobs.UpdateStatus(ctx, jobID, job.StatusRunning, job.StatusAborting); err != nil {
		m.logger.Warn(ctx, "Failed to mark job aborting", "job_id", jobID, "error", err)
	}
	if err := rp.handle.Kill(); err != nil {
		span.RecordError(err)
		return shared.NewError(op, jobID, fmt.Errorf("failed to kill process: %w", err))
	}

	select {
	case <-rp.handle.Done():
	case <-ctx.Done():
		return shared.NewError(op, jobID, ctx.Err())
	}

	m.metrics.IncForcedKills(ctx)
	m.reap(ctx, jobID, rp)
	m.auditor.Record(ctx, events.EventTypeJobAborted, jobID, map[string]any{"reason": "killed"})
	m.logger.Warn(ctx, "Analysis process killed", "job_id", jobID)
	return nil
}

// CloseAll closes every running process concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	ids := m.ActiveJobs()
	if len(ids) == 0 {
		return nil
	}
	m.logger.Info(ctx, "Closing all analysis processes", "count", len(ids))

	var g errgroup.Group
	errs := make([]error, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = m.Close(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
