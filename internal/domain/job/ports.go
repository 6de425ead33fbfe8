package job

import "context"

// Entry is a job as read from the metadata store together with the version
// that must be presented to update it. A deleted job leaves a tombstone entry
// so repeated deletes can be told apart from deletes of unknown ids.
type Entry struct {
	Job     *Job
	Version int64
	Deleted bool
}

// Exists reports whether the entry holds a live job.
func (e Entry) Exists() bool { return e.Job != nil && !e.Deleted }

// MetadataStore is a linearizable, versioned key-value store of jobs. Any
// consensus-capable backend can implement it.
type MetadataStore interface {
	// Read returns the current entry for jobID, or ErrJobNotFound when the id
	// has never been written.
	Read(ctx context.Context, jobID string) (Entry, error)

	// CompareAndUpdate writes j if the stored version equals expectedVersion.
	// An id that was never written has version 0, a tombstone keeps the
	// version of its delete. It returns the new version or ErrVersionConflict.
	CompareAndUpdate(ctx context.Context, jobID string, expectedVersion int64, j *Job) (int64, error)

	// Delete replaces the entry with a tombstone if the stored version equals
	// expectedVersion.
	Delete(ctx context.Context, jobID string, expectedVersion int64) error

	// List returns all live jobs ordered by id.
	List(ctx context.Context) ([]Entry, error)
}
