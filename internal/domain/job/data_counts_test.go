package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDataCounts_InputRecordCount(t *testing.T) {
	c := DataCounts{ProcessedRecordCount: 10, InvalidDateCount: 2, OutOfOrderTimeStampCount: 3}
	assert.Equal(t, int64(15), c.InputRecordCount())
}

func TestDataCounts_AddIsMonotonic(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	total := DataCounts{
		ProcessedRecordCount:    5,
		InputBytes:              100,
		EarliestRecordTimeStamp: t0.Add(time.Hour),
		LatestRecordTimeStamp:   t0.Add(2 * time.Hour),
	}
	delta := DataCounts{
		ProcessedRecordCount:    3,
		InputBytes:              60,
		EarliestRecordTimeStamp: t0,
		LatestRecordTimeStamp:   t0.Add(90 * time.Minute),
		LastDataTimeStamp:       t0.Add(3 * time.Hour),
	}

	got := total.Add(delta)
	assert.Equal(t, int64(8), got.ProcessedRecordCount)
	assert.Equal(t, int64(160), got.InputBytes)
	assert.Equal(t, t0, got.EarliestRecordTimeStamp)
	assert.Equal(t, t0.Add(2*time.Hour), got.LatestRecordTimeStamp, "latest record time never moves backwards")
	assert.Equal(t, t0.Add(3*time.Hour), got.LastDataTimeStamp)
}

func TestDataCounts_ObserveRecord(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var c DataCounts

	c.ObserveRecord(t0.Add(time.Minute), 2)
	c.ObserveRecord(t0, 2)

	assert.Equal(t, int64(2), c.ProcessedRecordCount)
	assert.Equal(t, int64(4), c.ProcessedFieldCount)
	assert.Equal(t, t0, c.EarliestRecordTimeStamp)
	assert.Equal(t, t0.Add(time.Minute), c.LatestRecordTimeStamp)
}
