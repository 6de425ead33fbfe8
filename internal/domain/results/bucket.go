package results

import (
	"fmt"
	"time"
)

// PartitionScore is a bucket's anomaly score for one partition value.
type PartitionScore struct {
	FieldName             string  `json:"partition_field_name"`
	FieldValue            string  `json:"partition_field_value"`
	AnomalyScore          float64 `json:"anomaly_score"`
	NormalizedProbability float64 `json:"normalized_probability"`
	Probability           float64 `json:"probability"`
}

// Bucket is the aggregate result for one bucket span. A final bucket replaces
// an interim bucket with the same timestamp.
type Bucket struct {
	JobID                    string           `json:"job_id"`
	Timestamp                time.Time        `json:"timestamp"`
	BucketSpan               int64            `json:"bucket_span"`
	AnomalyScore             float64          `json:"anomaly_score"`
	InitialAnomalyScore      float64          `json:"initial_anomaly_score"`
	MaxNormalizedProbability float64          `json:"max_normalized_probability"`
	RecordCount              int              `json:"record_count"`
	EventCount               int64            `json:"event_count"`
	IsInterim                bool             `json:"is_interim"`
	ProcessingTimeMs         int64            `json:"processing_time_ms"`
	PartitionScores          []PartitionScore `json:"partition_scores,omitempty"`

	// Records is only populated when the bucket is expanded on read.
	Records []*Record `json:"records,omitempty"`
}

func (b *Bucket) DocType() DocType        { return DocTypeBucket }
func (b *Bucket) DocID() string           { return DocIDForTime(b.Timestamp) }
func (b *Bucket) DocTimestamp() time.Time { return b.Timestamp }
func (b *Bucket) DocJobID() string        { return b.JobID }
func (b *Bucket) End() time.Time          { return b.Timestamp.Add(time.Duration(b.BucketSpan) * time.Second) }
func (b *Bucket) String() string          { return fmt.Sprintf("bucket[%s@%d]", b.JobID, b.Timestamp.Unix()) }

// ForPartition returns a copy of the bucket scored for a single partition.
// When the bucket has no score for the partition its scores are zeroed.
func (b *Bucket) ForPartition(value string) *Bucket {
	c := *b
	c.PartitionScores = nil
	c.AnomalyScore, c.MaxNormalizedProbability = 0, 0
	for _, ps := range b.PartitionScores {
		if ps.FieldValue != value {
			continue
		}
		c.PartitionScores = append(c.PartitionScores, ps)
		c.AnomalyScore = max(c.AnomalyScore, ps.AnomalyScore)
		c.MaxNormalizedProbability = max(c.MaxNormalizedProbability, ps.NormalizedProbability)
	}
	return &c
}
