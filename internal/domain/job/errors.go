package job

import "errors"

var (
	// ErrInvalidConfiguration is returned when a job configuration fails validation.
	ErrInvalidConfiguration = errors.New("invalid job configuration")

	// ErrJobAlreadyExists is returned when creating a job whose id is taken and
	// overwrite was not requested.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when no job exists for the id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClosed is returned when an operation requires a CLOSED job.
	ErrJobNotClosed = errors.New("job is not closed")

	// ErrJobStatus is returned when the job's status forbids the operation.
	ErrJobStatus = errors.New("job status does not allow this operation")

	// ErrConcurrentAccess is returned when another operation already holds the
	// job, or when a metadata update lost a compare-and-update race twice.
	ErrConcurrentAccess = errors.New("concurrent access to job")

	// ErrVersionConflict is returned by metadata stores when the expected
	// version does not match the stored one.
	ErrVersionConflict = errors.New("job metadata version conflict")

	// ErrInvalidStatusTransition is returned for transitions the lifecycle forbids.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")
)
