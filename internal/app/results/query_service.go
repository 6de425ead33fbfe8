// Package results serves paginated, filtered views over stored result documents.
package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	domain "github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// expandLimit caps how many records are attached to an expanded bucket.
const expandLimit = 10_000

// JobReader looks up jobs.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, bool, error)
}

// BucketOptions control a single bucket lookup.
type BucketOptions struct {
	Expand         bool
	IncludeInterim bool
	PartitionValue string
}

// BucketsQuery selects a range of buckets. Thresholds are inclusive.
type BucketsQuery struct {
	Start, End                     time.Time
	Skip, Take                     int
	AnomalyScoreThreshold          float64
	NormalizedProbabilityThreshold float64
	PartitionValue                 string
	IncludeInterim                 bool
	Expand                         bool
}

// RecordsQuery selects anomaly records or influencers.
type RecordsQuery struct {
	Start, End                     time.Time
	Skip, Take                     int
	AnomalyScoreThreshold          float64
	NormalizedProbabilityThreshold float64
	Sort                           domain.SortField
	Descending                     bool
	IncludeInterim                 bool
	PartitionValue                 string
}

// SnapshotQuery selects model snapshots.
type SnapshotQuery struct {
	Start, End  time.Time
	Skip, Take  int
	Sort        domain.SortField
	Descending  bool
	SnapshotID  string
	Description string
}

// QueryService is the read side over the result store. It never mutates.
type QueryService struct {
	store domain.Store
	jobs  JobReader

	logger *logger.Logger
	tracer trace.Tracer
}

// NewQueryService creates a QueryService.
func NewQueryService(store domain.Store, jobs JobReader, logger *logger.Logger, tracer trace.Tracer) *QueryService {
	return &QueryService{
		store:  store,
		jobs:   jobs,
		logger: logger.With("component", "result_query_service"),
		tracer: tracer,
	}
}

// GetBucket returns the bucket starting at ts. An interim bucket is treated
// as absent unless IncludeInterim is set.
func (s *QueryService) GetBucket(
	ctx context.Context,
	jobID string,
	ts time.Time,
	opts BucketOptions,
) (*domain.Bucket, bool, error) {
	const op = "get_bucket"
	ctx, span := s.tracer.Start(ctx, "result_query_service.get_bucket",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int64("timestamp", ts.Unix()),
		))
	defer span.End()

	if err := s.requireJob(ctx, op, jobID); err != nil {
		return nil, false, err
	}

	doc, err := s.store.Get(ctx, jobID, domain.DocTypeBucket, domain.DocIDForTime(ts))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, shared.NewError(op, jobID, err)
	}

	b := doc.(*domain.Bucket)
	if b.IsInterim && !opts.IncludeInterim {
		return nil, false, nil
	}
	if opts.PartitionValue != "" {
		b = b.ForPartition(opts.PartitionValue)
	}
	if opts.Expand {
		if err := s.expand(ctx, op, jobID, b, opts.IncludeInterim, opts.PartitionValue); err != nil {
			return nil, false, err
		}
	}
	return b, true, nil
}

// GetBuckets returns buckets in [Start, End) ordered by timestamp ascending.
func (s *QueryService) GetBuckets(ctx context.Context, jobID string, q BucketsQuery) (shared.Page[*domain.Bucket], error) {
	const op = "get_buckets"
	ctx, span := s.tracer.Start(ctx, "result_query_service.get_buckets",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	p := shared.Pagination{Skip: q.Skip, Take: q.Take}
	if err := s.validate(ctx, op, jobID, p); err != nil {
		return shared.Page[*domain.Bucket]{}, err
	}

	pred := domain.Predicate{
		Start:                    q.Start,
		End:                      q.End,
		MinAnomalyScore:          q.AnomalyScoreThreshold,
		MinNormalizedProbability: q.NormalizedProbabilityThreshold,
		Interim:                  interimFilter(q.IncludeInterim),
	}

	var page shared.Page[*domain.Bucket]
	if q.PartitionValue == "" {
		var err error
		page, err = query[*domain.Bucket](ctx, s.store, jobID, domain.DocTypeBucket, domain.Query{
			Predicate: pred,
			Sort:      domain.SortByTimestamp,
			Skip:      p.Skip,
			Take:      p.Take,
		})
		if err != nil {
			return page, shared.NewError(op, jobID, err)
		}
	} else {
		// Thresholds apply to the partition's score, so they are evaluated
		// after rescoring rather than in the store.
		pred.PartitionValue = q.PartitionValue
		pred.MinAnomalyScore, pred.MinNormalizedProbability = 0, 0
		all, err := query[*domain.Bucket](ctx, s.store, jobID, domain.DocTypeBucket, domain.Query{
			Predicate: pred,
			Sort:      domain.SortByTimestamp,
			Take:      math.MaxInt32,
		})
		if err != nil {
			return page, shared.NewError(op, jobID, err)
		}
		scored := make([]*domain.Bucket, 0, len(all.Items))
		for _, b := range all.Items {
			pb := b.ForPartition(q.PartitionValue)
			if pb.AnomalyScore >= q.AnomalyScoreThreshold && pb.MaxNormalizedProbability >= q.NormalizedProbabilityThreshold {
				scored = append(scored, pb)
			}
		}
		page = shared.Page[*domain.Bucket]{Items: shared.Window(scored, p), Count: int64(len(scored))}
	}

	if q.Expand {
		for _, b := range page.Items {
			if err := s.expand(ctx, op, jobID, b, q.IncludeInterim, q.PartitionValue); err != nil {
				return shared.Page[*domain.Bucket]{}, err
			}
		}
	}
	return page, nil
}

// GetRecords returns anomaly records. The default sort is by anomaly score.
func (s *QueryService) GetRecords(ctx context.Context, jobID string, q RecordsQuery) (shared.Page[*domain.Record], error) {
	const op = "get_records"
	ctx, span := s.tracer.Start(ctx, "result_query_service.get_records",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	p := shared.Pagination{Skip: q.Skip, Take: q.Take}
	if err := s.validate(ctx, op, jobID, p); err != nil {
		return shared.Page[*domain.Record]{}, err
	}
	page, err := query[*domain.Record](ctx, s.store, jobID, domain.DocTypeRecord, q.toQuery(domain.DocTypeRecord, p))
	if err != nil {
		span.RecordError(err)
		return page, shared.NewError(op, jobID, err)
	}
	return page, nil
}

// GetInfluencers returns influencers with the same contract as GetRecords.
// PartitionValue matches the influencer field value.
func (s *QueryService) GetInfluencers(ctx context.Context, jobID string, q RecordsQuery) (shared.Page[*domain.Influencer], error) {
	const op = "get_influencers"
	ctx, span := s.tracer.Start(ctx, "result_query_service.get_influencers",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	p := shared.Pagination{Skip: q.Skip, Take: q.Take}
	if err := s.validate(ctx, op, jobID, p); err != nil {
		return shared.Page[*domain.Influencer]{}, err
	}
	page, err := query[*domain.Influencer](ctx, s.store, jobID, domain.DocTypeInfluencer, q.toQuery(domain.DocTypeInfluencer, p))
	if err != nil {
		span.RecordError(err)
		return page, shared.NewError(op, jobID, err)
	}
	return page, nil
}

// GetCategoryDefinitions returns category definitions ordered by id.
func (s *QueryService) GetCategoryDefinitions(
	ctx context.Context,
	jobID string,
	skip, take int,
) (shared.Page[*domain.CategoryDefinition], error) {
	const op = "get_category_definitions"
	p := shared.Pagination{Skip: skip, Take: take}
	if err := s.validate(ctx, op, jobID, p); err != nil {
		return shared.Page[*domain.CategoryDefinition]{}, err
	}
	page, err := query[*domain.CategoryDefinition](ctx, s.store, jobID, domain.DocTypeCategoryDefinition, domain.Query{
		Skip: p.Skip,
		Take: p.Take,
	})
	if err != nil {
		return page, shared.NewError(op, jobID, err)
	}
	return page, nil
}

// GetCategoryDefinition returns one category definition.
func (s *QueryService) GetCategoryDefinition(
	ctx context.Context,
	jobID string,
	categoryID int64,
) (*domain.CategoryDefinition, bool, error) {
	const op = "get_category_definition"
	if err := s.requireJob(ctx, op, jobID); err != nil {
		return nil, false, err
	}
	doc, err := s.store.Get(ctx, jobID, domain.DocTypeCategoryDefinition, fmt.Sprintf("%d", categoryID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shared.NewError(op, jobID, err)
	}
	return doc.(*domain.CategoryDefinition), true, nil
}

// GetModelSnapshots lists snapshots with their quantiles stripped.
func (s *QueryService) GetModelSnapshots(
	ctx context.Context,
	jobID string,
	q SnapshotQuery,
) (shared.Page[*domain.ModelSnapshot], error) {
	const op = "get_model_snapshots"
	ctx, span := s.tracer.Start(ctx, "result_query_service.get_model_snapshots",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	p := shared.Pagination{Skip: q.Skip, Take: q.Take}
	if err := s.validate(ctx, op, jobID, p); err != nil {
		return shared.Page[*domain.ModelSnapshot]{}, err
	}

	sort := q.Sort
	if sort == "" {
		sort = domain.SortByTimestamp
	}
	page, err := query[*domain.ModelSnapshot](ctx, s.store, jobID, domain.DocTypeModelSnapshot, domain.Query{
		Predicate: domain.Predicate{
			Start:       q.Start,
			End:         q.End,
			SnapshotID:  q.SnapshotID,
			Description: q.Description,
		},
		Sort:       sort,
		Descending: q.Descending,
		Skip:       p.Skip,
		Take:       p.Take,
	})
	if err != nil {
		span.RecordError(err)
		return page, shared.NewError(op, jobID, err)
	}
	for i, snap := range page.Items {
		page.Items[i] = snap.StripQuantiles()
	}
	return page, nil
}

func (s *QueryService) validate(ctx context.Context, op, jobID string, p shared.Pagination) error {
	if err := p.Validate(op, jobID); err != nil {
		return err
	}
	return s.requireJob(ctx, op, jobID)
}

func (s *QueryService) requireJob(ctx context.Context, op, jobID string) error {
	if s.jobs == nil {
		return nil
	}
	_, ok, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return shared.Wrap(op, jobID, err)
	}
	if !ok {
		return shared.NewError(op, jobID, job.ErrJobNotFound)
	}
	return nil
}

func (s *QueryService) expand(
	ctx context.Context,
	op, jobID string,
	b *domain.Bucket,
	includeInterim bool,
	partition string,
) error {
	recs, err := query[*domain.Record](ctx, s.store, jobID, domain.DocTypeRecord, domain.Query{
		Predicate: domain.Predicate{
			Start:          b.Timestamp,
			End:            b.End(),
			PartitionValue: partition,
			Interim:        interimFilter(includeInterim),
		},
		Sort:       domain.SortByAnomalyScore,
		Descending: true,
		Take:       expandLimit,
	})
	if err != nil {
		return shared.NewError(op, jobID, fmt.Errorf("failed to expand bucket: %w", err))
	}
	b.Records = recs.Items
	return nil
}

func (q RecordsQuery) toQuery(t domain.DocType, p shared.Pagination) domain.Query {
	sort := q.Sort
	if sort == "" {
		sort = domain.DefaultSort(t)
	}
	return domain.Query{
		Predicate: domain.Predicate{
			Start:                    q.Start,
			End:                      q.End,
			MinAnomalyScore:          q.AnomalyScoreThreshold,
			MinNormalizedProbability: q.NormalizedProbabilityThreshold,
			PartitionValue:           q.PartitionValue,
			Interim:                  interimFilter(q.IncludeInterim),
		},
		Sort:       sort,
		Descending: q.Descending,
		Skip:       p.Skip,
		Take:       p.Take,
	}
}

func interimFilter(include bool) domain.InterimFilter {
	if include {
		return domain.InterimAny
	}
	return domain.InterimExclude
}

// query runs q and narrows the documents to T.
func query[T domain.Document](
	ctx context.Context,
	store domain.Store,
	jobID string,
	t domain.DocType,
	q domain.Query,
) (shared.Page[T], error) {
	page, err := store.Query(ctx, jobID, t, q)
	if err != nil {
		return shared.Page[T]{}, err
	}
	out := shared.Page[T]{Items: make([]T, 0, len(page.Items)), Count: page.Count}
	for _, d := range page.Items {
		typed, ok := d.(T)
		if !ok {
			return shared.Page[T]{}, fmt.Errorf("%w: got %s", domain.ErrUnknownDocType, d.DocType())
		}
		out.Items = append(out.Items, typed)
	}
	return out, nil
}
