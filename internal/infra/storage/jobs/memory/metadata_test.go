package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/jobstest"
)

func TestMetadataStore(t *testing.T) {
	jobstest.Run(t, NewMetadataStore())
}

func TestMetadataStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMetadataStore()
	_, err := s.Read(ctx, "cpu-load")
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.CompareAndUpdate(ctx, "cpu-load", 0, jobstest.NewJob("cpu-load"))
	require.ErrorIs(t, err, context.Canceled)
}
