// Package memory provides an in-memory result store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
)

var _ results.Store = (*Store)(nil)

type collectionKey struct {
	jobID   string
	docType results.DocType
}

// Store keeps serialized documents per job and type.
type Store struct {
	mu   sync.RWMutex
	docs map[collectionKey]map[string][]byte
}

// NewStore creates an empty result store.
func NewStore() *Store {
	return &Store{docs: make(map[collectionKey]map[string][]byte)}
}

// Put writes doc, replacing any document with the same id.
func (s *Store) Put(ctx context.Context, jobID string, doc results.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", doc.DocType(), err)
	}

	key := collectionKey{jobID, doc.DocType()}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.docs[key]
	if !ok {
		c = make(map[string][]byte)
		s.docs[key] = c
	}
	c[doc.DocID()] = raw
	return nil
}

// Get returns a single document.
func (s *Store) Get(ctx context.Context, jobID string, docType results.DocType, id string) (results.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	raw, ok := s.docs[collectionKey{jobID, docType}][id]
	s.mu.RUnlock()
	if !ok {
		return nil, results.ErrNotFound
	}
	return results.Decode(docType, raw)
}

// Query filters, sorts and pages the collection.
func (s *Store) Query(
	ctx context.Context,
	jobID string,
	docType results.DocType,
	q results.Query,
) (shared.Page[results.Document], error) {
	matches, err := s.matching(ctx, jobID, docType, q.Predicate)
	if err != nil {
		return shared.Page[results.Document]{}, err
	}

	sortField := q.Sort
	if sortField == "" {
		sortField = results.DefaultSort(docType)
	}
	results.SortDocuments(matches, sortField, q.Descending)

	return shared.Page[results.Document]{
		Items: shared.Window(matches, shared.Pagination{Skip: q.Skip, Take: q.Take}),
		Count: int64(len(matches)),
	}, nil
}

// DeleteByPredicate removes up to limit matching documents, oldest first.
func (s *Store) DeleteByPredicate(
	ctx context.Context,
	jobID string,
	docType results.DocType,
	pred results.Predicate,
	limit int,
) (int64, error) {
	matches, err := s.matching(ctx, jobID, docType, pred)
	if err != nil {
		return 0, err
	}
	results.SortDocuments(matches, results.SortByTimestamp, false)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	key := collectionKey{jobID, docType}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.docs[key]
	var deleted int64
	for _, d := range matches {
		if _, ok := c[d.DocID()]; ok {
			delete(c, d.DocID())
			deleted++
		}
	}
	if len(c) == 0 {
		delete(s.docs, key)
	}
	return deleted, nil
}

// Len returns the number of documents held for jobID across all types.
func (s *Store) Len(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, c := range s.docs {
		if k.jobID == jobID {
			n += len(c)
		}
	}
	return n
}

func (s *Store) matching(
	ctx context.Context,
	jobID string,
	docType results.DocType,
	pred results.Predicate,
) ([]results.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := results.ParseDocType(string(docType)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	raws := make([][]byte, 0, len(s.docs[collectionKey{jobID, docType}]))
	for _, raw := range s.docs[collectionKey{jobID, docType}] {
		raws = append(raws, raw)
	}
	s.mu.RUnlock()

	out := make([]results.Document, 0, len(raws))
	for _, raw := range raws {
		doc, err := results.Decode(docType, raw)
		if err != nil {
			return nil, err
		}
		if pred.Matches(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}
