package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/config"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
	jobsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/memory"
	jobspg "github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/postgres"
	jobssqlite "github.com/ahrav/anomaly-armada/internal/infra/storage/jobs/sqlite"
	resultsmem "github.com/ahrav/anomaly-armada/internal/infra/storage/results/memory"
	resultspg "github.com/ahrav/anomaly-armada/internal/infra/storage/results/postgres"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
)

// stores are the metadata and result stores selected by database.driver.
type stores struct {
	jobs    job.MetadataStore
	results results.Store
	// ready pings the backing database.
	ready func(ctx context.Context) error
	close func()
}

// openStores connects the configured driver. The sqlite driver keeps job
// metadata on disk and results in memory.
func openStores(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger, tracer trace.Tracer) (*stores, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		log.Info(ctx, "startup", "status", "connecting to postgres")
		pool, err := storage.OpenPool(ctx, storage.PoolConfig{
			DSN:      cfg.DSN,
			MinConns: cfg.MinConns,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			log.Info(ctx, "startup", "status", "applying migrations", "source", cfg.Migrations)
			if err := storage.MigrateUp(pool, cfg.Migrations); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &stores{
			jobs:    jobspg.NewMetadataStore(pool, tracer),
			results: resultspg.NewResultStore(pool, tracer),
			ready:   pool.Ping,
			close:   pool.Close,
		}, nil

	case config.DriverSQLite:
		log.Info(ctx, "startup", "status", "opening sqlite", "dsn", cfg.DSN)
		db, err := jobssqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		jobStore := jobssqlite.NewMetadataStore(db, tracer)
		if err := jobStore.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return &stores{
			jobs:    jobStore,
			results: resultsmem.NewStore(),
			ready:   sqlDB.PingContext,
			close:   func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverMemory:
		log.Warn(ctx, "startup", "status", "using in-memory stores, nothing is persisted")
		return &stores{
			jobs:    jobsmem.NewMetadataStore(),
			results: resultsmem.NewStore(),
			close:   func() {},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Driver)
	}
}
