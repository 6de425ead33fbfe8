package process

import "errors"

var (
	// ErrProcessNotRunning is returned when a job has no live analysis process.
	ErrProcessNotRunning = errors.New("no analysis process running for job")

	// ErrProcessUnresponsive is returned when a process does not acknowledge
	// a flush within the allowed time. The process is left running.
	ErrProcessUnresponsive = errors.New("analysis process unresponsive")

	// ErrProcessCrashed is returned when a process exits while data is being
	// streamed to it.
	ErrProcessCrashed = errors.New("analysis process crashed")

	// ErrHighProportionOfBadTimestamps aborts an upload in which too many
	// records carry unparsable dates.
	ErrHighProportionOfBadTimestamps = errors.New("high proportion of records with unparsable timestamps")

	// ErrOutOfOrderRecords aborts an upload in which too many records arrive
	// outside the latency window.
	ErrOutOfOrderRecords = errors.New("high proportion of out of order records")
)
