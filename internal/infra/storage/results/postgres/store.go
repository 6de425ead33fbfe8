// Package postgres provides the PostgreSQL result store. Documents are kept
// as JSONB next to the columns queries filter and sort on.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/db"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
)

var _ results.Store = (*resultStore)(nil)

type resultStore struct {
	q      *db.Queries
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewResultStore creates a PostgreSQL-backed result store.
func NewResultStore(pool *pgxpool.Pool, tracer trace.Tracer) *resultStore {
	return &resultStore{q: db.New(pool), pool: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(jobID string, docType results.DocType, kv ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{}, defaultDBAttributes...)
	attrs = append(attrs, attribute.String("job_id", jobID), attribute.String("doc_type", string(docType)))
	return append(attrs, kv...)
}

func (s *resultStore) Put(ctx context.Context, jobID string, doc results.Document) error {
	params, err := toRow(jobID, doc)
	if err != nil {
		return err
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_result", dbAttrs(jobID, doc.DocType()),
		func(ctx context.Context) error {
			if err := s.q.UpsertResultDocument(ctx, params); err != nil {
				return fmt.Errorf("upsert %s error: %w", doc.DocType(), err)
			}
			return nil
		})
}

func (s *resultStore) Get(ctx context.Context, jobID string, docType results.DocType, id string) (results.Document, error) {
	var doc results.Document
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_result",
		dbAttrs(jobID, docType, attribute.String("doc_id", id)),
		func(ctx context.Context) error {
			row, err := s.q.GetResultDocument(ctx, db.GetResultDocumentParams{
				JobID:   jobID,
				DocType: string(docType),
				DocID:   id,
			})
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return results.ErrNotFound
				}
				return fmt.Errorf("get %s error: %w", docType, err)
			}
			doc, err = fromRow(docType, row.Doc, row.Quantiles)
			return err
		})
	return doc, err
}

func (s *resultStore) Query(
	ctx context.Context,
	jobID string,
	docType results.DocType,
	q results.Query,
) (shared.Page[results.Document], error) {
	var page shared.Page[results.Document]
	if _, err := results.ParseDocType(string(docType)); err != nil {
		return page, err
	}

	p := shared.Pagination{Skip: q.Skip, Take: q.Take}.Normalized()
	sortField := q.Sort
	if sortField == "" {
		sortField = results.DefaultSort(docType)
	}

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.query_results",
		dbAttrs(jobID, docType,
			attribute.String("sort", string(sortField)),
			attribute.Int("skip", p.Skip),
			attribute.Int("take", p.Take),
		),
		func(ctx context.Context) error {
			f := newFilter(jobID, docType, q.Predicate)

			if err := s.pool.QueryRow(ctx,
				"SELECT count(*) FROM result_documents WHERE "+f.where(), f.args...,
			).Scan(&page.Count); err != nil {
				return fmt.Errorf("count %s error: %w", docType, err)
			}

			order := sortColumn(sortField)
			if q.Descending {
				order += " DESC"
			}
			args := append(f.args, p.Take, p.Skip)
			sql := fmt.Sprintf(
				`SELECT doc, quantiles FROM result_documents WHERE %s
				ORDER BY %s, ts, doc_id COLLATE "C" LIMIT $%d OFFSET $%d`,
				f.where(), order, len(args)-1, len(args),
			)

			rows, err := s.pool.Query(ctx, sql, args...)
			if err != nil {
				return fmt.Errorf("query %s error: %w", docType, err)
			}
			defer rows.Close()

			page.Items = make([]results.Document, 0, p.Take)
			for rows.Next() {
				var raw, quantiles []byte
				if err := rows.Scan(&raw, &quantiles); err != nil {
					return fmt.Errorf("scan %s error: %w", docType, err)
				}
				doc, err := fromRow(docType, raw, quantiles)
				if err != nil {
					return err
				}
				page.Items = append(page.Items, doc)
			}
			return rows.Err()
		})
	return page, err
}

// DeleteByPredicate removes matching documents oldest first. A positive limit
// bounds one call so large purges run as a series of short statements.
func (s *resultStore) DeleteByPredicate(
	ctx context.Context,
	jobID string,
	docType results.DocType,
	pred results.Predicate,
	limit int,
) (int64, error) {
	if _, err := results.ParseDocType(string(docType)); err != nil {
		return 0, err
	}

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_results",
		dbAttrs(jobID, docType, attribute.Int("limit", limit)),
		func(ctx context.Context) error {
			f := newFilter(jobID, docType, pred)
			sql := "DELETE FROM result_documents WHERE " + f.where()
			args := f.args
			if limit > 0 {
				args = append(args, limit)
				sql = fmt.Sprintf(
					`DELETE FROM result_documents WHERE ctid IN (
						SELECT ctid FROM result_documents WHERE %s
						ORDER BY ts, doc_id COLLATE "C" LIMIT $%d
					)`, f.where(), len(args))
			}

			tag, err := s.pool.Exec(ctx, sql, args...)
			if err != nil {
				return fmt.Errorf("delete %s error: %w", docType, err)
			}
			deleted = tag.RowsAffected()
			return nil
		})
	return deleted, err
}

func sortColumn(f results.SortField) string {
	switch f {
	case results.SortByTimestamp:
		return "ts"
	case results.SortByAnomalyScore:
		return "anomaly_score"
	case results.SortByNormalizedProbability:
		return "normalized_probability"
	case results.SortByProbability:
		return "probability"
	default:
		return "default_sort"
	}
}

// filter renders a Predicate as a parameterized WHERE clause. Each condition
// mirrors a branch of results.Predicate.Matches for the doc type.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, fmt.Sprintf(cond, len(f.args)))
}

func (f *filter) where() string { return strings.Join(f.conds, " AND ") }

func newFilter(jobID string, docType results.DocType, p results.Predicate) *filter {
	f := new(filter)
	f.add("job_id = $%d", jobID)
	f.add("doc_type = $%d", string(docType))

	if len(p.ExcludeIDs) > 0 {
		f.add("NOT (doc_id = ANY($%d))", p.ExcludeIDs)
	}
	if !p.Start.IsZero() {
		f.add("ts >= $%d", p.Start)
	}
	if !p.End.IsZero() {
		f.add("ts < $%d", p.End)
	}
	if !p.After.IsZero() {
		f.add("ts > $%d", p.After)
	}
	if !p.Before.IsZero() {
		f.add("ts < $%d", p.Before)
	}

	switch docType {
	case results.DocTypeBucket, results.DocTypeRecord, results.DocTypeInfluencer:
		switch p.Interim {
		case results.InterimExclude:
			f.conds = append(f.conds, "NOT is_interim")
		case results.InterimOnly:
			f.conds = append(f.conds, "is_interim")
		}
		if p.MinAnomalyScore > 0 {
			f.add("anomaly_score >= $%d", p.MinAnomalyScore)
		}
		if p.MinNormalizedProbability > 0 && docType != results.DocTypeInfluencer {
			f.add("normalized_probability >= $%d", p.MinNormalizedProbability)
		}
		if p.PartitionValue != "" {
			f.add("$%d = ANY(partition_values)", p.PartitionValue)
		}
	case results.DocTypeModelSnapshot:
		if p.SnapshotID != "" {
			f.add("doc_id = $%d", p.SnapshotID)
		}
		if p.Description != "" {
			f.add("description = $%d", p.Description)
		}
	}
	return f
}

func toRow(jobID string, doc results.Document) (db.UpsertResultDocumentParams, error) {
	params := db.UpsertResultDocumentParams{
		JobID:                 jobID,
		DocType:               string(doc.DocType()),
		DocID:                 doc.DocID(),
		Ts:                    pgtype.Timestamptz{Time: doc.DocTimestamp(), Valid: true},
		AnomalyScore:          results.SortValue(doc, results.SortByAnomalyScore),
		NormalizedProbability: results.SortValue(doc, results.SortByNormalizedProbability),
		Probability:           results.SortValue(doc, results.SortByProbability),
		DefaultSort:           results.SortValue(doc, ""),
		PartitionValues:       []string{},
	}

	toEncode := doc
	switch d := doc.(type) {
	case *results.Bucket:
		params.IsInterim = d.IsInterim
		for _, ps := range d.PartitionScores {
			params.PartitionValues = append(params.PartitionValues, ps.FieldValue)
		}
	case *results.Record:
		params.IsInterim = d.IsInterim
		if d.PartitionFieldValue != "" {
			params.PartitionValues = append(params.PartitionValues, d.PartitionFieldValue)
		}
	case *results.Influencer:
		params.IsInterim = d.IsInterim
		params.PartitionValues = append(params.PartitionValues, d.FieldValue)
	case *results.ModelSnapshot:
		params.Description = d.Description
		blob, err := compressQuantiles(d.Quantiles)
		if err != nil {
			return params, err
		}
		params.Quantiles = blob
		toEncode = d.StripQuantiles()
	}

	raw, err := json.Marshal(toEncode)
	if err != nil {
		return params, fmt.Errorf("failed to marshal %s: %w", doc.DocType(), err)
	}
	params.Doc = raw
	return params, nil
}

func fromRow(docType results.DocType, raw, quantiles []byte) (results.Document, error) {
	doc, err := results.Decode(docType, raw)
	if err != nil {
		return nil, err
	}
	if snap, ok := doc.(*results.ModelSnapshot); ok && len(quantiles) > 0 {
		if snap.Quantiles, err = decompressQuantiles(quantiles); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
