package engine

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/app/audit"
	"github.com/ahrav/anomaly-armada/internal/app/guard"
	"github.com/ahrav/anomaly-armada/internal/app/jobs"
	"github.com/ahrav/anomaly-armada/internal/app/metrics"
	processapp "github.com/ahrav/anomaly-armada/internal/app/process"
	resultsapp "github.com/ahrav/anomaly-armada/internal/app/results"
	"github.com/ahrav/anomaly-armada/internal/app/retention"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

// Deps are the infrastructure pieces an Engine is assembled from.
type Deps struct {
	JobStore    job.MetadataStore
	ResultStore results.Store
	Factory     process.Factory
	Publisher   events.DomainEventPublisher // optional
	Metrics     *metrics.Engine
	Clock       timeutil.Provider

	Process processapp.Config
	Cleaner snapshots.CleanerConfig
}

// Services exposes the assembled parts that run outside request handling.
type Services struct {
	Engine    *Engine
	Retention *retention.Remover
}

// jobReader breaks the construction cycle between the query service, the
// revert coordinator and the job manager.
type jobReader struct{ *jobs.Manager }

// Build wires the application services around d.
func Build(d Deps, logger *logger.Logger, tracer trace.Tracer) Services {
	if d.Clock == nil {
		d.Clock = timeutil.Default()
	}

	auditor := audit.NewAuditor(d.Publisher, d.Clock, logger, tracer)
	guardian := guard.New()
	updater := jobs.NewUpdater(d.JobStore, d.Clock, logger, tracer)

	reader := new(jobReader)
	queries := resultsapp.NewQueryService(d.ResultStore, reader, logger, tracer)
	cleaner := snapshots.NewResultCleaner(d.ResultStore, d.Cleaner, logger, tracer)
	coordinator := snapshots.NewCoordinator(queries, updater, cleaner, auditor, d.Metrics, logger, tracer)

	jobManager := jobs.NewManager(updater, d.ResultStore, coordinator, guardian, auditor, logger, tracer)
	reader.Manager = jobManager

	processManager := processapp.NewManager(
		d.Process, d.Factory, jobManager, d.ResultStore, guardian, auditor, d.Metrics, d.Clock, logger, tracer,
	)
	remover := retention.NewRemover(jobManager, d.ResultStore, cleaner, auditor, d.Metrics, d.Clock, logger, tracer)

	return Services{
		Engine:    New(jobManager, processManager, queries, logger, tracer),
		Retention: remover,
	}
}
