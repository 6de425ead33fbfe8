package process

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// resultPersister stores what a process emits. Interim results are dropped
// as soon as the next final bucket lands, and every new model snapshot
// becomes the job's active one.
type resultPersister struct {
	jobID   string
	store   results.Store
	jobs    JobStore
	logger  *logger.Logger
	interim atomic.Bool
}

var _ process.ResultSink = (*resultPersister)(nil)

func newResultPersister(jobID string, store results.Store, jobs JobStore, log *logger.Logger) *resultPersister {
	return &resultPersister{
		jobID:  jobID,
		store:  store,
		jobs:   jobs,
		logger: log.With("job_id", jobID),
	}
}

func (p *resultPersister) Accept(ctx context.Context, jobID string, doc results.Document) error {
	if b, ok := doc.(*results.Bucket); ok && !b.IsInterim && p.interim.Load() {
		if err := p.deleteInterim(ctx); err != nil {
			return err
		}
	}

	if snap, ok := doc.(*results.ModelSnapshot); ok {
		if err := p.ensureUniqueDescription(ctx, jobID, snap); err != nil {
			return err
		}
	}

	if err := p.store.Put(ctx, jobID, doc); err != nil {
		return fmt.Errorf("failed to persist %s %s: %w", doc.DocType(), doc.DocID(), err)
	}

	switch d := doc.(type) {
	case *results.Bucket:
		if d.IsInterim {
			p.interim.Store(true)
		}
	case *results.ModelSnapshot:
		if err := p.jobs.UpdateModelSnapshotID(ctx, jobID, d.SnapshotID); err != nil {
			return fmt.Errorf("failed to activate model snapshot %s: %w", d.SnapshotID, err)
		}
		p.logger.Info(ctx, "Model snapshot persisted", "snapshot_id", d.SnapshotID, "timestamp", d.Timestamp)
	}
	return nil
}

// ensureUniqueDescription clears a description another snapshot of the job
// already carries. A user can set a new one afterwards.
func (p *resultPersister) ensureUniqueDescription(ctx context.Context, jobID string, snap *results.ModelSnapshot) error {
	if snap.Description == "" {
		return nil
	}
	page, err := p.store.Query(ctx, jobID, results.DocTypeModelSnapshot, results.Query{
		Predicate: results.Predicate{Description: snap.Description, ExcludeIDs: []string{snap.SnapshotID}},
		Take:      1,
	})
	if err != nil {
		return fmt.Errorf("failed to check snapshot description: %w", err)
	}
	if page.Count > 0 {
		p.logger.Warn(ctx, "Dropping duplicate snapshot description",
			"snapshot_id", snap.SnapshotID, "description", snap.Description)
		snap.Description = ""
	}
	return nil
}

func (p *resultPersister) deleteInterim(ctx context.Context) error {
	var total int64
	for _, t := range results.TimeSeriesDocTypes {
		n, err := p.store.DeleteByPredicate(ctx, p.jobID, t, results.Predicate{Interim: results.InterimOnly}, 0)
		if err != nil {
			return fmt.Errorf("failed to delete interim %s results: %w", t, err)
		}
		total += n
	}
	p.interim.Store(false)
	p.logger.Debug(ctx, "Interim results superseded", "deleted", total)
	return nil
}
