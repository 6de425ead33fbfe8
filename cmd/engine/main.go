// Command engine runs the anomaly detection job engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/anomaly-armada/internal/config"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "anomaly-engine"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "engine",
		Short:         "Anomaly detection job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")

	rootCmd.AddCommand(
		serveCmd(&cfgPath),
		migrateCmd(&cfgPath),
		configCmd(&cfgPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.NewViperLoader(path).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the service logger. Error records are mirrored to stderr
// as a JSON event so they stand out in aggregated output.
func newLogger(cfg *config.Config) *logger.Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := cfg.Telemetry.ServiceName
	if svcName == "" {
		svcName = serviceType
	}
	metadata := map[string]string{
		"service":     svcName,
		"hostname":    hostname,
		"environment": cfg.Telemetry.Environment,
		"app":         serviceType,
	}

	return logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, traceIDFn, logEvents, metadata)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "engine %s\n", build)
		},
	}
}
