package process

import "time"

// TimeRange is a half-open [Start, End) interval. The zero value is empty.
type TimeRange struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

// IsEmpty reports whether the range selects nothing.
func (r TimeRange) IsEmpty() bool { return r.Start.IsZero() && r.End.IsZero() }

// DataLoadParams are the per-upload ingestion policies.
type DataLoadParams struct {
	// ResetRange, when non-empty, discards results in the range and zeroes
	// the job's data counts before the upload is streamed.
	ResetRange TimeRange
	// IgnoreDowntime suppresses gap detection between the last processed
	// record and the first record of this upload.
	IgnoreDowntime bool
}

// OpenParams configure a newly started process.
type OpenParams struct {
	// RestoreSnapshotID is the model snapshot the process restores from.
	// Empty starts from the latest snapshot, or from scratch.
	RestoreSnapshotID string
	IgnoreDowntime    bool
}

// FlushParams control what a flush computes.
type FlushParams struct {
	// CalcInterim asks for interim results of the current, incomplete bucket.
	CalcInterim bool
	// Start and End restrict interim calculation to a window.
	Start time.Time
	End   time.Time
	// AdvanceTime moves the process clock forward, finalizing any bucket that
	// ends at or before it.
	AdvanceTime time.Time
}

// FlushAck is returned once the process has persisted everything it emitted
// before the flush.
type FlushAck struct {
	ID string `json:"id"`
	// LastFinalizedBucketEnd is the end of the newest final bucket.
	LastFinalizedBucketEnd time.Time `json:"last_finalized_bucket_end,omitzero"`
}
