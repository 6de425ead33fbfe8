package results

import (
	"context"

	"github.com/ahrav/anomaly-armada/internal/domain/shared"
)

// Store is the durable document store results are written to and read from.
// Reads are not guaranteed to observe the latest writes.
type Store interface {
	// Put writes doc, replacing any document of the same type and id.
	Put(ctx context.Context, jobID string, doc Document) error

	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, jobID string, docType DocType, id string) (Document, error)

	// Query returns the page of matching documents and the total match count.
	Query(ctx context.Context, jobID string, docType DocType, q Query) (shared.Page[Document], error)

	// DeleteByPredicate removes up to limit matching documents and returns how
	// many were removed. A limit of zero or less removes all of them.
	DeleteByPredicate(ctx context.Context, jobID string, docType DocType, pred Predicate, limit int) (int64, error)
}
