// Package guard serializes the mutating actions taken against a single job.
package guard

import (
	"fmt"
	"sync"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
)

// Action names an operation that needs exclusive access to a job.
type Action string

const (
	ActionProcessingData Action = "processing data"
	ActionFlushing       Action = "flushing"
	ActionClosing        Action = "closing"
	ActionDeleting       Action = "deleting"
	ActionReverting      Action = "reverting model snapshot"
	ActionUpdating       Action = "updating"
)

// Guardian hands out one action at a time per job. A second caller fails fast
// rather than queueing. Different jobs never contend.
type Guardian struct {
	mu       sync.Mutex
	inFlight map[string]Action
}

// New returns an empty Guardian.
func New() *Guardian { return &Guardian{inFlight: make(map[string]Action)} }

// TryAcquire claims jobID for action. The returned release func must be
// called exactly once. If another action holds the job the error wraps
// job.ErrConcurrentAccess and names the action in flight.
func (g *Guardian) TryAcquire(jobID string, action Action) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.inFlight[jobID]; ok {
		return nil, shared.NewError(string(action), jobID,
			fmt.Errorf("%w: cannot start %s while %s", job.ErrConcurrentAccess, action, current))
	}
	g.inFlight[jobID] = action

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, jobID)
			g.mu.Unlock()
		})
	}, nil
}

// Current returns the action in flight for jobID, if any.
func (g *Guardian) Current(jobID string) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.inFlight[jobID]
	return a, ok
}
