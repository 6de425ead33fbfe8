// Package results binds the read endpoints over result documents and the
// model snapshot endpoints.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/internal/api/params"
	resultsapp "github.com/ahrav/anomaly-armada/internal/app/results"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Service is the read side of the engine.
type Service interface {
	GetBucket(ctx context.Context, jobID string, ts time.Time, opts resultsapp.BucketOptions) (*results.Bucket, bool, error)
	GetBuckets(ctx context.Context, jobID string, q resultsapp.BucketsQuery) (shared.Page[*results.Bucket], error)
	GetRecords(ctx context.Context, jobID string, q resultsapp.RecordsQuery) (shared.Page[*results.Record], error)
	GetInfluencers(ctx context.Context, jobID string, q resultsapp.RecordsQuery) (shared.Page[*results.Influencer], error)
	GetCategoryDefinitions(ctx context.Context, jobID string, skip, take int) (shared.Page[*results.CategoryDefinition], error)
	GetCategoryDefinition(ctx context.Context, jobID string, categoryID int64) (*results.CategoryDefinition, bool, error)
}

// Config contains the dependencies needed by the result handlers.
type Config struct {
	Log     *logger.Logger
	Service Service
}

// Routes binds all the result endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/buckets", buckets(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/buckets/{timestamp}", bucket(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/records", records(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/influencers", influencers(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/categories", categories(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/results/categories/{categoryId}", category(cfg))
}

// pageResponse is the envelope for every paged listing.
type pageResponse[T any] struct {
	Count int64 `json:"count"`
	Items []T   `json:"items"`
}

// Encode implements the web.Encoder interface.
func (pr pageResponse[T]) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func toPage[T any](p shared.Page[T]) pageResponse[T] {
	items := p.Items
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{Count: p.Count, Items: items}
}

// docResponse wraps a single document.
type docResponse struct {
	Doc any
}

// Encode implements the web.Encoder interface.
func (dr docResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(dr.Doc)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func buckets(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		q := resultsapp.BucketsQuery{
			Start:                          p.Time("start"),
			End:                            p.Time("end"),
			Skip:                           p.Int("skip", 0),
			Take:                           p.Int("take", shared.DefaultTake),
			AnomalyScoreThreshold:          p.Float("anomaly_score", 0),
			NormalizedProbabilityThreshold: p.Float("normalized_probability", 0),
			PartitionValue:                 p.String("partition_value"),
			IncludeInterim:                 p.Bool("include_interim", false),
			Expand:                         p.Bool("expand", false),
		}
		if err := p.Err(); err != nil {
			return err
		}

		page, err := cfg.Service.GetBuckets(ctx, web.Param(r, "id"), q)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toPage(page)
	}
}

func bucket(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobID := web.Param(r, "id")
		ts, err := web.ParseTime(web.Param(r, "timestamp"))
		if err != nil {
			return errs.NewFieldErrors("timestamp", err)
		}

		p := params.New(r)
		opts := resultsapp.BucketOptions{
			Expand:         p.Bool("expand", false),
			IncludeInterim: p.Bool("include_interim", false),
			PartitionValue: p.String("partition_value"),
		}
		if err := p.Err(); err != nil {
			return err
		}

		b, found, err := cfg.Service.GetBucket(ctx, jobID, ts, opts)
		if err != nil {
			return errs.FromDomain(err)
		}
		if !found {
			return errs.New(errs.NotFound, shared.NewError("get_bucket", jobID,
				fmt.Errorf("%w: no bucket at %d", results.ErrNotFound, ts.Unix())))
		}
		return docResponse{Doc: b}
	}
}

// recordsQuery reads the parameters shared by records and influencers.
func recordsQuery(r *http.Request) (resultsapp.RecordsQuery, *errs.Error) {
	p := params.New(r)
	q := resultsapp.RecordsQuery{
		Start:                          p.Time("start"),
		End:                            p.Time("end"),
		Skip:                           p.Int("skip", 0),
		Take:                           p.Int("take", shared.DefaultTake),
		AnomalyScoreThreshold:          p.Float("anomaly_score", 0),
		NormalizedProbabilityThreshold: p.Float("normalized_probability", 0),
		Descending:                     p.Bool("desc", true),
		IncludeInterim:                 p.Bool("include_interim", false),
		PartitionValue:                 p.String("partition_value"),
	}
	sort, ok := results.ParseSortField(p.String("sort"), results.SortByAnomalyScore)
	if !ok {
		p.Fail("sort", fmt.Errorf("unknown sort field %q", p.String("sort")))
	}
	q.Sort = sort
	return q, p.Err()
}

func records(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		q, perr := recordsQuery(r)
		if perr != nil {
			return perr
		}
		page, err := cfg.Service.GetRecords(ctx, web.Param(r, "id"), q)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toPage(page)
	}
}

func influencers(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		q, perr := recordsQuery(r)
		if perr != nil {
			return perr
		}
		page, err := cfg.Service.GetInfluencers(ctx, web.Param(r, "id"), q)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toPage(page)
	}
}

func categories(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		skip := p.Int("skip", 0)
		take := p.Int("take", shared.DefaultTake)
		if err := p.Err(); err != nil {
			return err
		}

		page, err := cfg.Service.GetCategoryDefinitions(ctx, web.Param(r, "id"), skip, take)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toPage(page)
	}
}

var errBadCategoryID = errors.New("category id must be an integer")

func category(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobID := web.Param(r, "id")
		id, err := strconv.ParseInt(web.Param(r, "categoryId"), 10, 64)
		if err != nil {
			return errs.NewFieldErrors("categoryId", errBadCategoryID)
		}

		c, found, err := cfg.Service.GetCategoryDefinition(ctx, jobID, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		if !found {
			return errs.New(errs.NotFound, shared.NewError("get_category_definition", jobID,
				fmt.Errorf("%w: no category %d", results.ErrNotFound, id)))
		}
		return docResponse{Doc: c}
	}
}
