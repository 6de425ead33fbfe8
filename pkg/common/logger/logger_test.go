package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }

	log := New(&buf, LevelInfo, "engine", traceID).With("component", "test")
	log.Info(context.Background(), "job created", "job_id", "cpu-load")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job created", rec["msg"])
	assert.Equal(t, "engine", rec["service"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, "cpu-load", rec["job_id"])
	assert.Equal(t, "abc123", rec["trace_id"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "engine", nil)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_ErrorEvents(t *testing.T) {
	var got []Record
	events := Events{Error: func(_ context.Context, r Record) { got = append(got, r) }}

	var buf bytes.Buffer
	log := NewWithEvents(&buf, LevelDebug, "engine", nil, events)
	log.Error(context.Background(), "process exited abnormally", "job_id", "j1")
	log.Info(context.Background(), "not an error")

	require.Len(t, got, 1)
	assert.Equal(t, "process exited abnormally", got[0].Message)
	assert.Equal(t, "j1", got[0].Attributes["job_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestNoop(t *testing.T) {
	log := Noop()
	log.Error(context.Background(), "dropped")
}
