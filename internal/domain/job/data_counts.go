package job

import "time"

// DataCounts are the running totals of what a job has ingested. They only move
// forward, except when a caller explicitly resets a time range.
type DataCounts struct {
	ProcessedRecordCount     int64 `json:"processed_record_count"`
	ProcessedFieldCount      int64 `json:"processed_field_count"`
	InputBytes               int64 `json:"input_bytes"`
	InputFieldCount          int64 `json:"input_field_count"`
	InvalidDateCount         int64 `json:"invalid_date_count"`
	MissingFieldCount        int64 `json:"missing_field_count"`
	OutOfOrderTimeStampCount int64 `json:"out_of_order_timestamp_count"`
	EmptyBucketCount         int64 `json:"empty_bucket_count"`
	SparseBucketCount        int64 `json:"sparse_bucket_count"`
	BucketCount              int64 `json:"bucket_count"`

	EarliestRecordTimeStamp time.Time `json:"earliest_record_timestamp,omitzero"`
	LatestRecordTimeStamp   time.Time `json:"latest_record_timestamp,omitzero"`
	LastDataTimeStamp       time.Time `json:"last_data_time,omitzero"`
}

// InputRecordCount is every record seen, whether it was analysed or rejected.
func (c DataCounts) InputRecordCount() int64 {
	return c.ProcessedRecordCount + c.InvalidDateCount + c.OutOfOrderTimeStampCount
}

// IsEmpty reports whether nothing has been counted yet.
func (c DataCounts) IsEmpty() bool { return c.InputRecordCount() == 0 && c.InputBytes == 0 }

// Add folds the delta from one upload into the cumulative totals.
func (c DataCounts) Add(delta DataCounts) DataCounts {
	c.ProcessedRecordCount += delta.ProcessedRecordCount
	c.ProcessedFieldCount += delta.ProcessedFieldCount
	c.InputBytes += delta.InputBytes
	c.InputFieldCount += delta.InputFieldCount
	c.InvalidDateCount += delta.InvalidDateCount
	c.MissingFieldCount += delta.MissingFieldCount
	c.OutOfOrderTimeStampCount += delta.OutOfOrderTimeStampCount
	c.EmptyBucketCount += delta.EmptyBucketCount
	c.SparseBucketCount += delta.SparseBucketCount
	c.BucketCount += delta.BucketCount

	if !delta.EarliestRecordTimeStamp.IsZero() &&
		(c.EarliestRecordTimeStamp.IsZero() || delta.EarliestRecordTimeStamp.Before(c.EarliestRecordTimeStamp)) {
		c.EarliestRecordTimeStamp = delta.EarliestRecordTimeStamp
	}
	if delta.LatestRecordTimeStamp.After(c.LatestRecordTimeStamp) {
		c.LatestRecordTimeStamp = delta.LatestRecordTimeStamp
	}
	if delta.LastDataTimeStamp.After(c.LastDataTimeStamp) {
		c.LastDataTimeStamp = delta.LastDataTimeStamp
	}
	return c
}

// ObserveRecord updates the record time watermarks for an accepted record.
func (c *DataCounts) ObserveRecord(ts time.Time, fields int64) {
	c.ProcessedRecordCount++
	c.ProcessedFieldCount += fields
	if c.EarliestRecordTimeStamp.IsZero() || ts.Before(c.EarliestRecordTimeStamp) {
		c.EarliestRecordTimeStamp = ts
	}
	if ts.After(c.LatestRecordTimeStamp) {
		c.LatestRecordTimeStamp = ts
	}
}
