package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/internal/api"
	"github.com/ahrav/anomaly-armada/internal/api/debug"
	"github.com/ahrav/anomaly-armada/internal/api/mux"
	"github.com/ahrav/anomaly-armada/internal/api/routes"
	"github.com/ahrav/anomaly-armada/internal/app/engine"
	"github.com/ahrav/anomaly-armada/internal/app/metrics"
	processapp "github.com/ahrav/anomaly-armada/internal/app/process"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/config"
	"github.com/ahrav/anomaly-armada/internal/domain/events"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/anomaly-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/anomaly-armada/internal/infra/process/autodetect"
	"github.com/ahrav/anomaly-armada/internal/infra/process/simulated"
	"github.com/ahrav/anomaly-armada/pkg/common"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/otel"
	"github.com/ahrav/anomaly-armada/pkg/common/timeutil"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retention scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, *cfgPath)
			if err != nil {
				return err
			}

			log := newLogger(cfg)
			if err := run(ctx, cfg, log); err != nil {
				log.Error(ctx, "startup", "err", err)
				return err
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing telemetry support")

	promReader, promHandler, err := common.PrometheusReader()
	if err != nil {
		return fmt.Errorf("creating prometheus reader: %w", err)
	}

	hostname, _ := os.Hostname()
	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language":       "go",
			"host.name":              hostname,
			"deployment.environment": cfg.Telemetry.Environment,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
		ExtraReaders:     []sdkmetric.Reader{promReader},
	})
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := otel.GetMeterProvider()

	engineMetrics, err := metrics.New(mp)
	if err != nil {
		return fmt.Errorf("creating engine metrics: %w", err)
	}
	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Storage
	st, err := openStores(ctx, cfg.Database, log, tracer)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer st.close()

	// -------------------------------------------------------------------------
	// Audit Event Bus
	publisher, closeBus, err := connectEventBus(ctx, cfg.Kafka, log, engineMetrics, tracer)
	if err != nil {
		return err
	}
	defer closeBus()

	// -------------------------------------------------------------------------
	// Analysis Processes
	factory, err := newProcessFactory(cfg.Process, st.results, log)
	if err != nil {
		return err
	}

	svc := engine.Build(engine.Deps{
		JobStore:    st.jobs,
		ResultStore: st.results,
		Factory:     factory,
		Publisher:   publisher,
		Metrics:     engineMetrics,
		Clock:       timeutil.Default(),
		Process: processapp.Config{
			FlushTimeout: cfg.Process.FlushTimeout,
			CloseTimeout: cfg.Process.CloseTimeout,
		},
		Cleaner: snapshots.CleanerConfig{
			BatchSize:        cfg.Results.CleanupBatchSize,
			MaxRetries:       cfg.Results.CleanupMaxRetries,
			InitialBackoff:   cfg.Results.CleanupInitialBackoff,
			BatchesPerSecond: cfg.Results.CleanupBatchesPerSecond,
		},
	}, log, tracer)

	if cfg.Retention.Enabled {
		if err := svc.Retention.Start(ctx, cfg.Retention.Schedule); err != nil {
			return fmt.Errorf("starting retention: %w", err)
		}
		defer svc.Retention.Stop(context.WithoutCancel(ctx))
	}

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Server.DebugAddr)

		if err := http.ListenAndServe(cfg.Server.DebugAddr, debug.Mux(promHandler)); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Server.DebugAddr, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	cfgMux := mux.Config{
		Build:   build,
		Log:     log,
		Tracer:  tracer,
		Engine:  svc.Engine,
		Ready:   st.ready,
		Metrics: apiMetrics,
	}

	webAPI := mux.WebAPI(cfgMux, routes.Routes(), mux.WithCORS([]string{"*"}))

	api := http.Server{
		Addr:              cfg.Server.APIAddr,
		Handler:           webAPI,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests first so no upload opens a process after
		// the engine starts closing them.
		apiErr := api.Shutdown(ctx)
		if apiErr != nil {
			_ = api.Close()
		}
		engineErr := svc.Engine.Shutdown(ctx)
		if err := errors.Join(apiErr, engineErr); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// connectEventBus returns the audit publisher. Without Kafka the events go
// to an in-process broker.
func connectEventBus(
	ctx context.Context,
	cfg config.KafkaConfig,
	log *logger.Logger,
	m kafka.EventBusMetrics,
	tracer trace.Tracer,
) (events.DomainEventPublisher, func(), error) {
	if !cfg.Enabled {
		broker := memory.NewBroker()
		return broker, func() { _ = broker.Close() }, nil
	}

	log.Info(ctx, "startup", "status", "initializing event bus", "brokers", cfg.Brokers, "topic", cfg.AuditTopic)
	bus, err := kafka.ConnectEventBus(&kafka.Config{
		Brokers:    cfg.Brokers,
		AuditTopic: cfg.AuditTopic,
		GroupID:    cfg.GroupID,
		ClientID:   cfg.ClientID,
	}, cfg.ConnectTimeout, log, m, tracer)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting event bus: %w", err)
	}
	return bus, func() {
		if err := bus.Close(); err != nil {
			log.Error(ctx, "shutdown", "status", "event bus close failed", "err", err)
		}
	}, nil
}

func newProcessFactory(cfg config.ProcessConfig, store results.Store, log *logger.Logger) (process.Factory, error) {
	if cfg.Simulated {
		return simulated.NewFactory(simulated.Config{
			SnapshotEveryBuckets: cfg.SnapshotEveryBuckets,
		}, store, timeutil.Default(), log), nil
	}

	factory, err := autodetect.NewFactory(autodetect.Config{
		BinaryPath: cfg.BinaryPath,
		Args:       cfg.Args,
		WorkDir:    cfg.WorkDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating analysis process factory: %w", err)
	}
	return factory, nil
}
