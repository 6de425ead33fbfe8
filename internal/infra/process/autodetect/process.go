// Package autodetect runs the native analysis binary as a child process.
//
// Input records and control messages are written to the child's stdin as
// length-prefixed frames. The child answers on stdout with one JSON object
// per line, each wrapping a single result document or a flush
// acknowledgement. Anything the child writes to stderr is copied to the log.
package autodetect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/uuid"
)

var (
	errKilled         = errors.New("process killed")
	errUnexpectedExit = errors.New("analysis process exited without being closed")
)

const (
	stdinBufferSize = 64 << 10
	// maxResultLine bounds a single stdout line. Snapshots carry their model
	// state inline and can be large.
	maxResultLine = 64 << 20
)

// Config locates the analysis binary.
type Config struct {
	BinaryPath string
	// Args are passed before the per-job flags.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// WorkDir holds the per-job config files. Empty uses os.TempDir.
	WorkDir string
}

// Factory starts analysis processes from a binary on disk.
type Factory struct {
	cfg    Config
	logger *logger.Logger
}

var _ process.Factory = (*Factory)(nil)

// NewFactory creates a Factory for the binary named in cfg.
func NewFactory(cfg Config, logger *logger.Logger) (*Factory, error) {
	if cfg.BinaryPath == "" {
		return nil, errors.New("analysis binary path is required")
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "autodetect_process")}, nil
}

// Open starts the binary for j. The job config is handed over in a temporary
// file that is removed when the process exits.
func (f *Factory) Open(ctx context.Context, j *job.Job, params process.OpenParams, sink process.ResultSink) (process.Handle, error) {
	cfgFile, err := f.writeJobConfig(j)
	if err != nil {
		return nil, err
	}

	cfg := j.Config().WithDefaults()
	args := append(slices.Clone(f.cfg.Args),
		"--jobid="+j.ID(),
		"--config="+cfgFile,
		"--bucketspan="+strconv.FormatInt(int64(cfg.Analysis.BucketSpanDuration().Seconds()), 10),
	)
	if params.RestoreSnapshotID != "" {
		args = append(args, "--restoreSnapshotId="+params.RestoreSnapshotID)
	}
	if params.IgnoreDowntime {
		args = append(args, "--ignoreDowntime")
	}

	cmd := exec.Command(f.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(), f.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.Remove(cfgFile)
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(cfgFile)
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.Remove(cfgFile)
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(cfgFile)
		return nil, fmt.Errorf("failed to start analysis process %s: %w", f.cfg.BinaryPath, err)
	}

	h := &handle{
		jobID:   j.ID(),
		cmd:     cmd,
		stdin:   stdin,
		w:       bufio.NewWriterSize(stdin, stdinBufferSize),
		sink:    sink,
		cfgFile: cfgFile,
		pending: make(map[string]chan process.FlushAck),
		done:    make(chan struct{}),
		logger:  f.logger.With("job_id", j.ID(), "pid", cmd.Process.Pid),
	}
	h.start(context.WithoutCancel(ctx), stdout, stderr)
	h.logger.Info(ctx, "Analysis process started", "binary", f.cfg.BinaryPath)
	return h, nil
}

func (f *Factory) writeJobConfig(j *job.Job) (string, error) {
	raw, err := json.Marshal(j.Config())
	if err != nil {
		return "", fmt.Errorf("failed to encode job config: %w", err)
	}
	file, err := os.CreateTemp(f.cfg.WorkDir, "armada-"+j.ID()+"-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create job config file: %w", err)
	}
	if _, err := file.Write(raw); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("failed to write job config file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("failed to write job config file: %w", err)
	}
	return file.Name(), nil
}

type handle struct {
	jobID   string
	cmd     *exec.Cmd
	sink    process.ResultSink
	cfgFile string

	// mu guards the input side. It is never held while waiting on output.
	mu          sync.Mutex
	stdin       io.WriteCloser
	w           *bufio.Writer
	stdinClosed bool

	pendingMu sync.Mutex
	pending   map[string]chan process.FlushAck

	closing atomic.Bool
	killed  atomic.Bool
	lastErr atomic.Value // string, last stderr line

	done  chan struct{}
	errMu sync.Mutex
	err   error

	logger *logger.Logger
}

var _ process.Handle = (*handle)(nil)

// start runs the output pumps. The exit watcher only reaps the child once
// both pipes are drained, as exec.Cmd.Wait requires.
func (h *handle) start(ctx context.Context, stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return h.readResults(ctx, stdout) })
	g.Go(func() error { return h.copyStderr(ctx, stderr) })

	go func() {
		defer close(h.done)
		pumpErr := g.Wait()
		waitErr := h.cmd.Wait()
		_ = os.Remove(h.cfgFile)

		switch {
		case h.killed.Load():
			h.setErr(errKilled)
		case pumpErr != nil:
			h.setErr(pumpErr)
		case waitErr != nil:
			h.setErr(h.exitError(waitErr))
		case !h.closing.Load():
			h.setErr(errUnexpectedExit)
		}
		if err := h.Err(); err != nil {
			h.logger.Error(ctx, "Analysis process exited abnormally", "error", err)
			return
		}
		h.logger.Info(ctx, "Analysis process exited")
	}()
}

func (h *handle) exitError(waitErr error) error {
	if last, _ := h.lastErr.Load().(string); last != "" {
		return fmt.Errorf("analysis process exited: %w (last error: %s)", waitErr, last)
	}
	return fmt.Errorf("analysis process exited: %w", waitErr)
}

func (h *handle) readResults(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxResultLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var out output
		if err := json.Unmarshal(line, &out); err != nil {
			return h.abort(fmt.Errorf("malformed result line: %w", err))
		}
		if out.Flush != nil {
			h.ack(*out.Flush)
			continue
		}
		doc := out.document()
		if doc == nil {
			h.logger.Debug(ctx, "Ignoring unknown result", "line", string(line))
			continue
		}
		if err := h.sink.Accept(ctx, h.jobID, doc); err != nil {
			return h.abort(err)
		}
	}
	if err := sc.Err(); err != nil && !h.killed.Load() {
		return h.abort(fmt.Errorf("failed to read results: %w", err))
	}
	return nil
}

// abort stops the child after an output failure so the pipes drain and the
// exit watcher can reap it.
func (h *handle) abort(err error) error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return err
}

func (h *handle) copyStderr(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		h.lastErr.Store(line)
		h.logger.Warn(ctx, "Analysis process stderr", "line", line)
	}
	return nil
}

func (h *handle) ack(a process.FlushAck) {
	h.pendingMu.Lock()
	ch, ok := h.pending[a.ID]
	delete(h.pending, a.ID)
	h.pendingMu.Unlock()
	if ok {
		ch <- a
	}
}

func (h *handle) Write(ctx context.Context, record []byte) error {
	return h.send(ctx, record)
}

func (h *handle) SkipGap(ctx context.Context) error {
	return h.send(ctx, control(ctlSkipGap, ""))
}

func (h *handle) ResetBuckets(ctx context.Context, r process.TimeRange) error {
	return h.send(ctx, resetFrame(r))
}

func (h *handle) Flush(ctx context.Context, params process.FlushParams) (process.FlushAck, error) {
	id := uuid.New().String()
	ch := make(chan process.FlushAck, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	if err := h.send(ctx, flushFrames(id, params)...); err != nil {
		return process.FlushAck{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-h.done:
		if err := h.Err(); err != nil {
			return process.FlushAck{}, err
		}
		return process.FlushAck{}, process.ErrProcessNotRunning
	case <-ctx.Done():
		return process.FlushAck{}, ctx.Err()
	}
}

// send writes frames and pushes them to the child.
func (h *handle) send(ctx context.Context, frames ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return process.ErrProcessNotRunning
	default:
	}
	if h.stdinClosed {
		return process.ErrProcessNotRunning
	}

	for _, f := range frames {
		if err := writeFrame(h.w, f); err != nil {
			return fmt.Errorf("failed to write to analysis process: %w", err)
		}
	}
	if err := h.w.Flush(); err != nil {
		return fmt.Errorf("failed to write to analysis process: %w", err)
	}
	return nil
}

// Close ends the input stream. The process persists a final snapshot and
// exits on end of input.
func (h *handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.stdinClosed {
		h.closing.Store(true)
		h.stdinClosed = true
		flushErr := h.w.Flush()
		closeErr := h.stdin.Close()
		if err := errors.Join(flushErr, closeErr); err != nil {
			h.logger.Warn(ctx, "Failed to close analysis process input", "error", err)
		}
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Kill() error {
	h.killed.Store(true)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill analysis process: %w", err)
	}
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
