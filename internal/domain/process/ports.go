// Package process defines the contract between the control plane and the
// per-job analysis process, which is treated as an opaque worker.
package process

import (
	"context"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

// ResultSink receives every document a process produces, in order.
type ResultSink interface {
	Accept(ctx context.Context, jobID string, doc results.Document) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, jobID string, doc results.Document) error

func (f ResultSinkFunc) Accept(ctx context.Context, jobID string, doc results.Document) error {
	return f(ctx, jobID, doc)
}

// Factory starts analysis processes.
type Factory interface {
	Open(ctx context.Context, j *job.Job, params OpenParams, sink ResultSink) (Handle, error)
}

// Handle controls one running process. Callers serialize access; a handle
// is never written to by two goroutines at once.
type Handle interface {
	// Write sends one input record. The record is a single JSON object
	// without a trailing newline.
	Write(ctx context.Context, record []byte) error

	// SkipGap tells the process not to treat the gap before the next record
	// as downtime.
	SkipGap(ctx context.Context) error

	// ResetBuckets asks the process to discard results in r.
	ResetBuckets(ctx context.Context, r TimeRange) error

	// Flush blocks until the process acknowledges the flush.
	Flush(ctx context.Context, params FlushParams) (FlushAck, error)

	// Close asks the process to persist a final snapshot and exit. It blocks
	// until the process has exited or ctx is done.
	Close(ctx context.Context) error

	// Kill terminates the process without waiting for a snapshot.
	Kill() error

	// Done is closed when the process has exited for any reason.
	Done() <-chan struct{}

	// Err returns why the process exited, or nil while it is alive or after
	// a clean close.
	Err() error
}
