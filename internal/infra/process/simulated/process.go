// Package simulated is an in-process stand-in for the native analysis
// process. It buckets records by the job's bucket span and scores each
// bucket against the running mean and variance of the preceding ones.
package simulated

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
	"github.com/ahrav/anomaly-armada/pkg/common/uuid"
)

var errKilled = errors.New("process killed")

// SnapshotLoader reads the snapshot a process restores from.
type SnapshotLoader interface {
	Get(ctx context.Context, jobID string, docType results.DocType, id string) (results.Document, error)
}

// Config tunes the simulated process.
type Config struct {
	// SnapshotEveryBuckets persists a model snapshot after that many final
	// buckets. Zero only snapshots on close.
	SnapshotEveryBuckets int
	// MailboxSize bounds how many commands may queue before Write blocks.
	MailboxSize int
}

// Factory opens simulated processes.
type Factory struct {
	cfg    Config
	loader SnapshotLoader
	clock  timeutil.Provider
	logger *logger.Logger
}

var _ process.Factory = (*Factory)(nil)

// NewFactory creates a Factory. loader may be nil when restores are not needed.
func NewFactory(cfg Config, loader SnapshotLoader, clock timeutil.Provider, logger *logger.Logger) *Factory {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Factory{cfg: cfg, loader: loader, clock: clock, logger: logger.With("component", "simulated_process")}
}

// Open starts a process for j, restoring its model from
// params.RestoreSnapshotID when set.
func (f *Factory) Open(ctx context.Context, j *job.Job, params process.OpenParams, sink process.ResultSink) (process.Handle, error) {
	state := newModelState()
	if params.RestoreSnapshotID != "" {
		restored, err := f.restore(ctx, j.ID(), params.RestoreSnapshotID)
		if err != nil {
			return nil, err
		}
		state = restored
	}

	cfg := j.Config().WithDefaults()
	cat, err := newCategorizer(cfg.Analysis.CategorizationFilters, state.Categories)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		jobID:   j.ID(),
		cfg:     cfg,
		factory: f,
		sink:    sink,
		state:   state,
		open:    make(map[int64]*bucketState),
		cat:     cat,
		skipGap: params.IgnoreDowntime,
		mailbox: make(chan command, f.cfg.MailboxSize),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  f.logger.With("job_id", j.ID()),
	}
	go h.run(runCtx)
	return h, nil
}

func (f *Factory) restore(ctx context.Context, jobID, snapshotID string) (*modelState, error) {
	if f.loader == nil {
		return nil, fmt.Errorf("cannot restore snapshot %s: no snapshot loader", snapshotID)
	}
	doc, err := f.loader.Get(ctx, jobID, results.DocTypeModelSnapshot, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", snapshotID, err)
	}
	snap, ok := doc.(*results.ModelSnapshot)
	if !ok || snap.Quantiles == nil {
		return nil, fmt.Errorf("%w: snapshot %s has no model state", results.ErrNoSuchSnapshot, snapshotID)
	}
	state := newModelState()
	if err := json.Unmarshal([]byte(snap.Quantiles.QuantileState), state); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", snapshotID, err)
	}
	if state.Series == nil {
		state.Series = make(map[string]*series)
	}
	return state, nil
}

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdSkipGap
	cmdReset
	cmdFlush
	cmdClose
)

type command struct {
	kind   commandKind
	record []byte
	reset  process.TimeRange
	flush  process.FlushParams
	reply  chan reply
}

type reply struct {
	ack process.FlushAck
	err error
}

// handle is a process actor: every command is applied by a single
// goroutine in mailbox order, which is also the order results reach the sink.
type handle struct {
	jobID   string
	cfg     job.Config
	factory *Factory
	sink    process.ResultSink

	// Owned by the run goroutine.
	state          *modelState
	open           map[int64]*bucketState
	cat            *categorizer
	skipGap        bool
	finalSinceSnap int

	mailbox chan command
	done    chan struct{}
	cancel  context.CancelFunc

	errMu sync.Mutex
	err   error

	logger *logger.Logger
}

var _ process.Handle = (*handle)(nil)

func (h *handle) Write(ctx context.Context, record []byte) error {
	return h.send(ctx, command{kind: cmdWrite, record: record})
}

func (h *handle) SkipGap(ctx context.Context) error {
	return h.send(ctx, command{kind: cmdSkipGap})
}

func (h *handle) ResetBuckets(ctx context.Context, r process.TimeRange) error {
	_, err := h.call(ctx, command{kind: cmdReset, reset: r})
	return err
}

func (h *handle) Flush(ctx context.Context, params process.FlushParams) (process.FlushAck, error) {
	return h.call(ctx, command{kind: cmdFlush, flush: params})
}

func (h *handle) Close(ctx context.Context) error {
	if _, err := h.call(ctx, command{kind: cmdClose}); err != nil {
		return err
	}
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Kill() error {
	h.setErr(errKilled)
	h.cancel()
	return nil
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *handle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *handle) send(ctx context.Context, cmd command) error {
	select {
	case <-h.done:
		return process.ErrProcessNotRunning
	default:
	}
	select {
	case h.mailbox <- cmd:
		return nil
	case <-h.done:
		return process.ErrProcessNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) call(ctx context.Context, cmd command) (process.FlushAck, error) {
	cmd.reply = make(chan reply, 1)
	if err := h.send(ctx, cmd); err != nil {
		return process.FlushAck{}, err
	}
	select {
	case r := <-cmd.reply:
		return r.ack, r.err
	case <-h.done:
		if err := h.Err(); err != nil {
			return process.FlushAck{}, err
		}
		return process.FlushAck{}, process.ErrProcessNotRunning
	case <-ctx.Done():
		return process.FlushAck{}, ctx.Err()
	}
}

func (h *handle) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.mailbox:
			var r reply
			stop := false
			switch cmd.kind {
			case cmdWrite:
				r.err = h.ingest(ctx, cmd.record)
			case cmdSkipGap:
				h.skipGap = true
			case cmdReset:
				h.reset(cmd.reset)
			case cmdFlush:
				r.ack, r.err = h.flush(ctx, cmd.flush)
			case cmdClose:
				r.err = h.persistSnapshot(ctx, "State persisted due to job close")
				stop = true
			}
			if cmd.reply != nil {
				cmd.reply <- r
			}
			if r.err != nil {
				h.logger.Error(ctx, "Simulated process failed", "error", r.err)
				h.setErr(r.err)
				return
			}
			if stop {
				return
			}
		}
	}
}

func (h *handle) span() time.Duration { return h.cfg.Analysis.BucketSpanDuration() }

func (h *handle) bucketStart(ts time.Time) time.Time { return ts.Truncate(h.span()) }

// ingest adds one record, finalizing every bucket that can no longer receive
// data given the configured latency.
func (h *handle) ingest(ctx context.Context, record []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil
	}
	raw, ok := fields[h.cfg.DataDescription.TimeField]
	if !ok {
		return nil
	}
	ts, err := job.ParseRecordTime(raw, h.cfg.DataDescription.TimeFormat)
	if err != nil {
		return nil
	}

	start := h.bucketStart(ts)
	if h.state.Next.IsZero() {
		h.state.Next = start
	}
	if h.skipGap {
		if err := h.skipTo(ctx, start); err != nil {
			return err
		}
		h.skipGap = false
	}
	if start.Before(h.state.Next) {
		// The bucket is already final.
		return nil
	}

	b := h.open[start.Unix()]
	if b == nil {
		b = newBucketState(start)
		h.open[start.Unix()] = b
	}
	b.add(h.cfg.Analysis.Detectors, fields)
	if ts.After(h.state.LatestRecord) {
		h.state.LatestRecord = ts
	}

	if name := h.cfg.Analysis.CategorizationFieldName; name != "" {
		if msg := stringField(fields, name); msg != "" {
			if _, def := h.cat.categorize(h.jobID, msg); def != nil {
				h.state.Categories = h.cat.known()
				if err := h.sink.Accept(ctx, h.jobID, def); err != nil {
					return err
				}
			}
		}
	}

	return h.finalizeUntil(ctx, h.state.LatestRecord.Add(-h.cfg.Analysis.LatencyDuration()))
}

// finalizeUntil makes final every bucket that ends at or before t.
func (h *handle) finalizeUntil(ctx context.Context, t time.Time) error {
	span := h.span()
	for !h.state.Next.IsZero() && !h.state.Next.Add(span).After(t) {
		start := h.state.Next
		b := h.open[start.Unix()]
		if b == nil {
			b = newBucketState(start)
		}
		delete(h.open, start.Unix())
		h.state.Next = start.Add(span)
		if err := h.emit(ctx, b, false); err != nil {
			return err
		}
		if err := h.maybeSnapshot(ctx); err != nil {
			return err
		}
	}
	return nil
}

// skipTo finalizes the buckets that hold data and jumps over the empty gap
// before start, so the gap is not modelled as downtime.
func (h *handle) skipTo(ctx context.Context, start time.Time) error {
	for _, b := range h.sortedOpen() {
		if !b.start.Before(start) {
			break
		}
		delete(h.open, b.start.Unix())
		if err := h.emit(ctx, b, false); err != nil {
			return err
		}
		h.state.Next = b.start.Add(h.span())
	}
	if start.After(h.state.Next) {
		h.state.Next = start
	}
	return nil
}

func (h *handle) emit(ctx context.Context, b *bucketState, interim bool) error {
	bucket, records, influencers := h.state.scoreBucket(h.jobID, h.cfg, b, interim)
	for _, r := range records {
		if err := h.sink.Accept(ctx, h.jobID, r); err != nil {
			return err
		}
	}
	for _, inf := range influencers {
		if err := h.sink.Accept(ctx, h.jobID, inf); err != nil {
			return err
		}
	}
	if !interim {
		h.finalSinceSnap++
	}
	return h.sink.Accept(ctx, h.jobID, bucket)
}

func (h *handle) maybeSnapshot(ctx context.Context) error {
	every := h.factory.cfg.SnapshotEveryBuckets
	if every <= 0 || h.finalSinceSnap < every {
		return nil
	}
	return h.persistSnapshot(ctx, "Periodic background persist")
}

// persistSnapshot emits the model state. The description names the reason,
// the time and the snapshot id so no two snapshots of a job share one.
func (h *handle) persistSnapshot(ctx context.Context, reason string) error {
	h.finalSinceSnap = 0
	state, err := json.Marshal(h.state)
	if err != nil {
		return fmt.Errorf("failed to encode model state: %w", err)
	}
	now := h.factory.clock.Now().UTC()
	id := uuid.New().String()
	snap := &results.ModelSnapshot{
		JobID:                 h.jobID,
		SnapshotID:            id,
		Timestamp:             now,
		Description:           fmt.Sprintf("%s at %s (%s)", reason, now.Format(time.RFC3339), id),
		SnapshotDocCount:      1,
		LatestRecordTimeStamp: h.state.LatestRecord,
		LatestResultTimeStamp: h.state.LatestResult,
		Quantiles:             &results.Quantiles{Timestamp: now, QuantileState: string(state)},
	}
	return h.sink.Accept(ctx, h.jobID, snap)
}

// reset forgets the open buckets in r and rewinds bucketing so the range can
// be sent again.
func (h *handle) reset(r process.TimeRange) {
	for key, b := range h.open {
		if !b.start.Before(r.Start) && (r.End.IsZero() || b.start.Before(r.End)) {
			delete(h.open, key)
		}
	}
	if start := h.bucketStart(r.Start); !r.Start.IsZero() && start.Before(h.state.Next) {
		h.state.Next = start
	}
	if h.state.LatestRecord.After(r.Start) && !r.Start.IsZero() {
		h.state.LatestRecord = r.Start
	}
}

func (h *handle) flush(ctx context.Context, params process.FlushParams) (process.FlushAck, error) {
	if !params.AdvanceTime.IsZero() {
		if err := h.finalizeUntil(ctx, params.AdvanceTime); err != nil {
			return process.FlushAck{}, err
		}
	}
	if params.CalcInterim {
		for _, b := range h.sortedOpen() {
			if !params.Start.IsZero() && b.start.Before(h.bucketStart(params.Start)) {
				continue
			}
			if !params.End.IsZero() && !b.start.Before(params.End) {
				continue
			}
			if err := h.emit(ctx, b, true); err != nil {
				return process.FlushAck{}, err
			}
		}
	}
	return process.FlushAck{ID: uuid.New().String(), LastFinalizedBucketEnd: h.state.Next}, nil
}

func (h *handle) sortedOpen() []*bucketState {
	out := slices.Collect(maps.Values(h.open))
	slices.SortFunc(out, func(a, b *bucketState) int { return a.start.Compare(b.start) })
	return out
}

func sortedKeys(m map[seriesKey]*accumulator) []seriesKey {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b seriesKey) int {
		if c := cmp.Compare(a.Detector, b.Detector); c != 0 {
			return c
		}
		return cmp.Compare(a.Partition, b.Partition)
	})
	return keys
}

func sortedStrings[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
