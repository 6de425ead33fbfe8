package job

import "fmt"

// Status represents where a job is in its process lifecycle. A job is RUNNING
// exactly when an analysis process is alive for it.
type Status string

const (
	// StatusClosed indicates no analysis process is attached to the job.
	StatusClosed Status = "CLOSED"

	// StatusRunning indicates an analysis process is alive and accepting data.
	StatusRunning Status = "RUNNING"

	// StatusAborting indicates the process is being torn down after a failure
	// or a forced shutdown. No new data is accepted.
	StatusAborting Status = "ABORTING"
)

func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status. Unknown input yields "".
func ParseStatus(s string) Status {
	switch s {
	case "CLOSED", "closed":
		return StatusClosed
	case "RUNNING", "running":
		return StatusRunning
	case "ABORTING", "aborting":
		return StatusAborting
	default:
		return ""
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, s, target)
	}
	return nil
}

func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusClosed:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusClosed || target == StatusAborting
	case StatusAborting:
		// Aborting always ends closed, whether the process exited or was killed.
		return target == StatusClosed
	default:
		return false
	}
}
