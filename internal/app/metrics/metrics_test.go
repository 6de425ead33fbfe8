package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestEngine_RecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.AddRecordsProcessed(ctx, "cpu-load", 1000)
	m.ProcessOpened(ctx)
	m.ObserveFlush(ctx, 20*time.Millisecond)
	m.IncReverts(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		names[sm.Name] = true
	}
	for _, want := range []string{
		"records_processed_total",
		"open_processes",
		"flush_duration_seconds",
		"snapshot_reverts_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}
