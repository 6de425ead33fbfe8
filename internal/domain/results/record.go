package results

import (
	"fmt"
	"time"
)

// Record is a single anomaly found by a detector within a bucket.
type Record struct {
	JobID                 string    `json:"job_id"`
	Timestamp             time.Time `json:"timestamp"`
	BucketSpan            int64     `json:"bucket_span"`
	DetectorIndex         int       `json:"detector_index"`
	Sequence              int       `json:"sequence_num"`
	Function              string    `json:"function"`
	FieldName             string    `json:"field_name,omitempty"`
	ByFieldName           string    `json:"by_field_name,omitempty"`
	ByFieldValue          string    `json:"by_field_value,omitempty"`
	OverFieldName         string    `json:"over_field_name,omitempty"`
	OverFieldValue        string    `json:"over_field_value,omitempty"`
	PartitionFieldName    string    `json:"partition_field_name,omitempty"`
	PartitionFieldValue   string    `json:"partition_field_value,omitempty"`
	Actual                []float64 `json:"actual,omitempty"`
	Typical               []float64 `json:"typical,omitempty"`
	Probability           float64   `json:"probability"`
	NormalizedProbability float64   `json:"normalized_probability"`
	AnomalyScore          float64   `json:"anomaly_score"`
	InitialAnomalyScore   float64   `json:"initial_anomaly_score"`
	IsInterim             bool      `json:"is_interim"`
}

func (r *Record) DocType() DocType        { return DocTypeRecord }
func (r *Record) DocTimestamp() time.Time { return r.Timestamp }
func (r *Record) DocJobID() string        { return r.JobID }

// DocID keys the record by bucket and sequence so a final record replaces the
// interim one at the same position.
func (r *Record) DocID() string {
	return fmt.Sprintf("%d_%d_%d", r.Timestamp.Unix(), r.BucketSpan, r.Sequence)
}

// Influencer scores how much one field value contributed to the anomalies
// of a bucket.
type Influencer struct {
	JobID               string    `json:"job_id"`
	Timestamp           time.Time `json:"timestamp"`
	BucketSpan          int64     `json:"bucket_span"`
	Sequence            int       `json:"sequence_num"`
	FieldName           string    `json:"influencer_field_name"`
	FieldValue          string    `json:"influencer_field_value"`
	Probability         float64   `json:"probability"`
	AnomalyScore        float64   `json:"anomaly_score"`
	InitialAnomalyScore float64   `json:"initial_anomaly_score"`
	IsInterim           bool      `json:"is_interim"`
}

func (i *Influencer) DocType() DocType        { return DocTypeInfluencer }
func (i *Influencer) DocTimestamp() time.Time { return i.Timestamp }
func (i *Influencer) DocJobID() string        { return i.JobID }

func (i *Influencer) DocID() string {
	return fmt.Sprintf("%d_%d_%d", i.Timestamp.Unix(), i.BucketSpan, i.Sequence)
}

// CategoryDefinition is a learned message template. Definitions are append-only.
type CategoryDefinition struct {
	JobID             string   `json:"job_id"`
	CategoryID        int64    `json:"category_id"`
	Terms             string   `json:"terms"`
	Regex             string   `json:"regex"`
	MaxMatchingLength int64    `json:"max_matching_length"`
	Examples          []string `json:"examples,omitempty"`
}

func (c *CategoryDefinition) DocType() DocType        { return DocTypeCategoryDefinition }
func (c *CategoryDefinition) DocID() string           { return fmt.Sprintf("%d", c.CategoryID) }
func (c *CategoryDefinition) DocTimestamp() time.Time { return time.Time{} }
func (c *CategoryDefinition) DocJobID() string        { return c.JobID }
