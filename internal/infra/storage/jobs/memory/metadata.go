// Package memory provides an in-memory job metadata store for tests and
// single-process development setups.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
)

var _ job.MetadataStore = (*MetadataStore)(nil)

type entry struct {
	doc     []byte // nil for a tombstone
	version int64
}

// MetadataStore is a linearizable map of job documents guarded by a mutex.
// Jobs are stored serialized so callers never share memory with the store.
type MetadataStore struct {
	mu   sync.Mutex
	jobs map[string]entry
}

// NewMetadataStore creates an empty store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{jobs: make(map[string]entry)}
}

// Read returns the entry for jobID.
func (s *MetadataStore) Read(ctx context.Context, jobID string) (job.Entry, error) {
	if err := ctx.Err(); err != nil {
		return job.Entry{}, err
	}

	s.mu.Lock()
	e, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return job.Entry{}, job.ErrJobNotFound
	}
	return toEntry(e)
}

// CompareAndUpdate writes j when the stored version matches.
func (s *MetadataStore) CompareAndUpdate(ctx context.Context, jobID string, expectedVersion int64, j *job.Job) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	doc, err := json.Marshal(j)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job %s: %w", jobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.jobs[jobID]
	if cur.version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, found %d", job.ErrVersionConflict, expectedVersion, cur.version)
	}
	next := entry{doc: doc, version: cur.version + 1}
	s.jobs[jobID] = next
	return next.version, nil
}

// Delete tombstones jobID when the stored version matches.
func (s *MetadataStore) Delete(ctx context.Context, jobID string, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if cur.version != expectedVersion {
		return fmt.Errorf("%w: expected %d, found %d", job.ErrVersionConflict, expectedVersion, cur.version)
	}
	s.jobs[jobID] = entry{version: cur.version + 1}
	return nil
}

// List returns the live jobs ordered by id.
func (s *MetadataStore) List(ctx context.Context) ([]job.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	snapshot := make(map[string]entry, len(s.jobs))
	for id, e := range s.jobs {
		if e.doc == nil {
			continue
		}
		ids = append(ids, id)
		snapshot[id] = e
	}
	s.mu.Unlock()

	slices.SortFunc(ids, strings.Compare)
	out := make([]job.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := toEntry(snapshot[id])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func toEntry(e entry) (job.Entry, error) {
	if e.doc == nil {
		return job.Entry{Version: e.version, Deleted: true}, nil
	}
	j := new(job.Job)
	if err := json.Unmarshal(e.doc, j); err != nil {
		return job.Entry{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job.Entry{Job: j, Version: e.version}, nil
}
