package job

import (
	"encoding/json"
	"time"
)

// IgnoreDowntime controls whether the analysis process should skip gap
// detection between the previous and the next upload.
type IgnoreDowntime string

const (
	IgnoreDowntimeNever  IgnoreDowntime = "NEVER"
	IgnoreDowntimeOnce   IgnoreDowntime = "ONCE"
	IgnoreDowntimeAlways IgnoreDowntime = "ALWAYS"
)

// Job is the metadata of one configured anomaly detection job. It is owned by
// the metadata store and only mutated through the job manager.
type Job struct {
	id              string
	config          Config
	status          Status
	counts          DataCounts
	modelSnapshotID string
	ignoreDowntime  IgnoreDowntime
	createTime      time.Time
	finishedTime    time.Time
	lastDataTime    time.Time
}

// NewJob creates a CLOSED job from a validated configuration.
func NewJob(cfg Config, now time.Time) *Job {
	return &Job{
		id:             cfg.ID,
		config:         cfg,
		status:         StatusClosed,
		ignoreDowntime: IgnoreDowntimeNever,
		createTime:     now,
	}
}

// ID returns the unique, immutable job identifier.
func (j *Job) ID() string { return j.id }

// Config returns the job configuration.
func (j *Job) Config() Config { return j.config }

// Status returns the current lifecycle status.
func (j *Job) Status() Status { return j.status }

// Counts returns the cumulative data counts.
func (j *Job) Counts() DataCounts { return j.counts }

// ModelSnapshotID returns the active model snapshot. Empty means the most
// recently produced snapshot is active.
func (j *Job) ModelSnapshotID() string { return j.modelSnapshotID }

// IgnoreDowntime returns the downtime policy applied to the next upload.
func (j *Job) IgnoreDowntime() IgnoreDowntime { return j.ignoreDowntime }

func (j *Job) CreateTime() time.Time   { return j.createTime }
func (j *Job) FinishedTime() time.Time { return j.finishedTime }
func (j *Job) LastDataTime() time.Time { return j.lastDataTime }

// Clone returns a deep enough copy for copy-on-write updates.
func (j *Job) Clone() *Job {
	c := *j
	c.config.Analysis.Detectors = append([]Detector(nil), j.config.Analysis.Detectors...)
	c.config.Analysis.Influencers = append([]string(nil), j.config.Analysis.Influencers...)
	c.config.Analysis.CategorizationFilters = append([]string(nil), j.config.Analysis.CategorizationFilters...)
	return &c
}

// UpdateStatus changes the job's status after validating the transition.
func (j *Job) UpdateStatus(newStatus Status, now time.Time) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}
	switch newStatus {
	case StatusClosed:
		j.finishedTime = now
	case StatusRunning:
		// The process that is starting has already been handed the policy.
		j.ConsumeIgnoreDowntimeOnce()
	}
	j.status = newStatus
	return nil
}

// SetCounts replaces the data counts.
func (j *Job) SetCounts(c DataCounts) {
	j.counts = c
	if c.LastDataTimeStamp.After(j.lastDataTime) {
		j.lastDataTime = c.LastDataTimeStamp
	}
}

// ConsumeIgnoreDowntimeOnce resets a one-shot downtime policy after it has been
// handed to a process.
func (j *Job) ConsumeIgnoreDowntimeOnce() {
	if j.ignoreDowntime == IgnoreDowntimeOnce {
		j.ignoreDowntime = IgnoreDowntimeNever
	}
}

// SetModelSnapshotID records the snapshot the process should restore from.
func (j *Job) SetModelSnapshotID(id string) { j.modelSnapshotID = id }

// RevertTo points the job at snapshotID. When intervening results are being
// deleted the record watermark moves back to latestRecord so new data can
// refill the gap, otherwise the next upload ignores the downtime once.
func (j *Job) RevertTo(snapshotID string, latestRecord time.Time, deleteIntervening bool) {
	j.modelSnapshotID = snapshotID
	if deleteIntervening {
		j.ignoreDowntime = IgnoreDowntimeNever
		j.lastDataTime = latestRecord
		j.counts.LatestRecordTimeStamp = latestRecord
		return
	}
	j.ignoreDowntime = IgnoreDowntimeOnce
}

// Document is the serialized form of a Job used by metadata stores.
type Document struct {
	ID              string         `json:"job_id"`
	Config          Config         `json:"config"`
	Status          Status         `json:"status"`
	Counts          DataCounts     `json:"data_counts"`
	ModelSnapshotID string         `json:"model_snapshot_id,omitempty"`
	IgnoreDowntime  IgnoreDowntime `json:"ignore_downtime,omitempty"`
	CreateTime      time.Time      `json:"create_time"`
	FinishedTime    time.Time      `json:"finished_time,omitzero"`
	LastDataTime    time.Time      `json:"last_data_time,omitzero"`
}

// ToDocument converts the job to its storage form.
func (j *Job) ToDocument() Document {
	return Document{
		ID:              j.id,
		Config:          j.config,
		Status:          j.status,
		Counts:          j.counts,
		ModelSnapshotID: j.modelSnapshotID,
		IgnoreDowntime:  j.ignoreDowntime,
		CreateTime:      j.createTime,
		FinishedTime:    j.finishedTime,
		LastDataTime:    j.lastDataTime,
	}
}

// ReconstructJob rebuilds a Job from its stored form, bypassing creation invariants.
// This should only be used by repositories when loading from storage.
func ReconstructJob(d Document) *Job {
	downtime := d.IgnoreDowntime
	if downtime == "" {
		downtime = IgnoreDowntimeNever
	}
	return &Job{
		id:              d.ID,
		config:          d.Config,
		status:          d.Status,
		counts:          d.Counts,
		modelSnapshotID: d.ModelSnapshotID,
		ignoreDowntime:  downtime,
		createTime:      d.CreateTime,
		finishedTime:    d.FinishedTime,
		lastDataTime:    d.LastDataTime,
	}
}

// MarshalJSON renders the job in its document form.
func (j *Job) MarshalJSON() ([]byte, error) { return json.Marshal(j.ToDocument()) }

// UnmarshalJSON parses the document form.
func (j *Job) UnmarshalJSON(b []byte) error {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	*j = *ReconstructJob(d)
	return nil
}
