package results

import "time"

// Quantiles is the normalizer state stored with a snapshot. It can be large.
type Quantiles struct {
	Timestamp     time.Time `json:"timestamp"`
	QuantileState string    `json:"quantile_state"`
}

// ModelSnapshot is a checkpoint of a job's model state.
type ModelSnapshot struct {
	JobID                 string     `json:"job_id"`
	SnapshotID            string     `json:"snapshot_id"`
	Timestamp             time.Time  `json:"timestamp"`
	Description           string     `json:"description,omitempty"`
	SnapshotDocCount      int        `json:"snapshot_doc_count"`
	LatestRecordTimeStamp time.Time  `json:"latest_record_time_stamp,omitzero"`
	LatestResultTimeStamp time.Time  `json:"latest_result_time_stamp,omitzero"`
	Quantiles             *Quantiles `json:"quantiles,omitempty"`
}

func (s *ModelSnapshot) DocType() DocType        { return DocTypeModelSnapshot }
func (s *ModelSnapshot) DocID() string           { return s.SnapshotID }
func (s *ModelSnapshot) DocTimestamp() time.Time { return s.Timestamp }
func (s *ModelSnapshot) DocJobID() string        { return s.JobID }

// StripQuantiles returns a copy of the snapshot without its quantiles.
func (s *ModelSnapshot) StripQuantiles() *ModelSnapshot {
	c := *s
	c.Quantiles = nil
	return &c
}
