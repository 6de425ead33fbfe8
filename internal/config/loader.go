package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ARMADA_DATABASE_DSN.
const EnvPrefix = "ARMADA"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader layers an optional YAML file and ARMADA_ environment variables
// over Default.
type ViperLoader struct {
	path string
}

var _ Loader = (*ViperLoader)(nil)

// NewViperLoader creates a loader. An empty path searches for armada.yaml in
// the working directory and /etc/armada, and a missing file is not an error.
func NewViperLoader(path string) *ViperLoader { return &ViperLoader{path: path} }

func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
	} else {
		v.SetConfigName("armada")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/armada")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults registers every key so environment overrides are seen even
// when the file does not mention them.
func applyDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.api_addr", d.Server.APIAddr)
	v.SetDefault("server.debug_addr", d.Server.DebugAddr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.migrations", d.Database.Migrations)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("process.simulated", d.Process.Simulated)
	v.SetDefault("process.binary_path", d.Process.BinaryPath)
	v.SetDefault("process.args", d.Process.Args)
	v.SetDefault("process.work_dir", d.Process.WorkDir)
	v.SetDefault("process.flush_timeout", d.Process.FlushTimeout)
	v.SetDefault("process.close_timeout", d.Process.CloseTimeout)
	v.SetDefault("process.snapshot_every_buckets", d.Process.SnapshotEveryBuckets)

	v.SetDefault("results.cleanup_batch_size", d.Results.CleanupBatchSize)
	v.SetDefault("results.cleanup_batches_per_second", d.Results.CleanupBatchesPerSecond)
	v.SetDefault("results.cleanup_max_retries", d.Results.CleanupMaxRetries)
	v.SetDefault("results.cleanup_initial_backoff", d.Results.CleanupInitialBackoff)

	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.schedule", d.Retention.Schedule)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.audit_topic", d.Kafka.AuditTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)
	v.SetDefault("kafka.connect_timeout", d.Kafka.ConnectTimeout)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.sampling_ratio", d.Telemetry.SamplingRatio)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
}

// Marshal renders cfg as YAML, the same shape Load reads.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
