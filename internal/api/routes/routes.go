package routes

import (
	"github.com/ahrav/anomaly-armada/internal/api/mux"
	"github.com/ahrav/anomaly-armada/internal/api/routes/health"
	"github.com/ahrav/anomaly-armada/internal/api/routes/jobs"
	"github.com/ahrav/anomaly-armada/internal/api/routes/results"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	// Health check routes
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		Ready: cfg.Ready,
	})

	// Job lifecycle and data upload routes
	jobs.Routes(app, jobs.Config{
		Log:     cfg.Log,
		Service: cfg.Engine,
	})

	// Result read routes
	results.Routes(app, results.Config{
		Log:     cfg.Log,
		Service: cfg.Engine,
	})

	// Model snapshot routes
	results.SnapshotRoutes(app, results.SnapshotConfig{
		Log:     cfg.Log,
		Service: cfg.Engine,
	})
}
