package snapshots

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/pkg/common"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// CleanerConfig tunes bulk result deletion.
type CleanerConfig struct {
	// BatchSize bounds each delete-by-predicate call.
	BatchSize int
	// MaxRetries is how often a failed batch is retried.
	MaxRetries uint64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// BatchesPerSecond throttles deletes. Zero disables throttling.
	BatchesPerSecond float64
}

// DefaultCleanerConfig returns the defaults used when config leaves them unset.
func DefaultCleanerConfig() CleanerConfig {
	return CleanerConfig{
		BatchSize:      1000,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}
}

// ResultCleaner deletes result documents in bounded batches. Each batch is
// retried with exponential backoff and, because every batch removes what it
// matched, a retry resumes where the failed batch stopped.
type ResultCleaner struct {
	store   results.Store
	cfg     CleanerConfig
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewResultCleaner creates a ResultCleaner.
func NewResultCleaner(store results.Store, cfg CleanerConfig, logger *logger.Logger, tracer trace.Tracer) *ResultCleaner {
	def := DefaultCleanerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &ResultCleaner{
		store:   store,
		cfg:     cfg,
		limiter: common.NewRateLimiter(cfg.BatchesPerSecond, 1),
		logger:  logger.With("component", "result_cleaner"),
		tracer:  tracer,
	}
}

// DeleteAfter removes buckets, records and influencers with a timestamp
// strictly after t.
func (c *ResultCleaner) DeleteAfter(ctx context.Context, jobID string, t time.Time) (int64, error) {
	return c.DeleteMatching(ctx, jobID, results.TimeSeriesDocTypes, results.Predicate{After: t})
}

// DeleteMatching removes every document of the given types matching pred.
func (c *ResultCleaner) DeleteMatching(
	ctx context.Context,
	jobID string,
	docTypes []results.DocType,
	pred results.Predicate,
) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "result_cleaner.delete_matching",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	var total int64
	for _, t := range docTypes {
		n, err := c.deleteType(ctx, jobID, t, pred)
		total += n
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("failed to delete %s results (deleted %d so far): %w", t, total, err)
		}
	}
	span.SetAttributes(attribute.Int64("deleted", total))
	return total, nil
}

func (c *ResultCleaner) deleteType(ctx context.Context, jobID string, t results.DocType, pred results.Predicate) (int64, error) {
	var total int64
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return total, err
		}

		var n int64
		operation := func() error {
			var err error
			n, err = c.store.DeleteByPredicate(ctx, jobID, t, pred, c.cfg.BatchSize)
			if err != nil {
				c.logger.Warn(ctx, "Result delete batch failed, retrying",
					"job_id", jobID, "doc_type", t, "error", err)
			}
			return err
		}

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = c.cfg.InitialBackoff
		policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, c.cfg.MaxRetries), ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			return total, err
		}

		total += n
		if n < int64(c.cfg.BatchSize) {
			c.logger.Debug(ctx, "Deleted results", "job_id", jobID, "doc_type", t, "count", total)
			return total, nil
		}
	}
}
