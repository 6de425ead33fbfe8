// Package config holds the engine's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrUnknownDriver      = errors.New("config: unknown database driver")
	ErrMissingDSN         = errors.New("config: database dsn is required")
	ErrMissingBinary      = errors.New("config: process binary path is required when simulation is off")
	ErrInvalidTimeout     = errors.New("config: timeouts must be positive")
	ErrInvalidSchedule    = errors.New("config: invalid retention schedule")
	ErrMissingBrokers     = errors.New("config: kafka brokers are required when kafka is enabled")
	ErrMissingAuditTopic  = errors.New("config: kafka audit topic is required when kafka is enabled")
	ErrInvalidSampleRatio = errors.New("config: telemetry sampling ratio must be within [0, 1]")
	ErrInvalidBatchSize   = errors.New("config: cleanup batch size must be positive")
)

// Config represents the top-level configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Process   ProcessConfig   `mapstructure:"process" yaml:"process"`
	Results   ResultsConfig   `mapstructure:"results" yaml:"results"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	APIAddr   string `mapstructure:"api_addr" yaml:"api_addr"`
	DebugAddr string `mapstructure:"debug_addr" yaml:"debug_addr"`
	// WriteTimeout is zero by default because data uploads stream for as
	// long as the client keeps sending.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DatabaseConfig selects and sizes the metadata and result stores.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	// Migrations is a golang-migrate source URL.
	Migrations  string `mapstructure:"migrations" yaml:"migrations"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// ProcessConfig configures the analysis processes.
type ProcessConfig struct {
	// Simulated runs the in-process engine instead of the native binary.
	Simulated            bool          `mapstructure:"simulated" yaml:"simulated"`
	BinaryPath           string        `mapstructure:"binary_path" yaml:"binary_path"`
	Args                 []string      `mapstructure:"args" yaml:"args"`
	WorkDir              string        `mapstructure:"work_dir" yaml:"work_dir"`
	FlushTimeout         time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
	CloseTimeout         time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	SnapshotEveryBuckets int           `mapstructure:"snapshot_every_buckets" yaml:"snapshot_every_buckets"`
}

// ResultsConfig tunes bulk result deletion.
type ResultsConfig struct {
	CleanupBatchSize        int           `mapstructure:"cleanup_batch_size" yaml:"cleanup_batch_size"`
	CleanupBatchesPerSecond float64       `mapstructure:"cleanup_batches_per_second" yaml:"cleanup_batches_per_second"`
	CleanupMaxRetries       uint64        `mapstructure:"cleanup_max_retries" yaml:"cleanup_max_retries"`
	CleanupInitialBackoff   time.Duration `mapstructure:"cleanup_initial_backoff" yaml:"cleanup_initial_backoff"`
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Schedule is a five field cron expression.
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// KafkaConfig configures the audit event bus. When disabled events stay in
// process.
type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	AuditTopic     string        `mapstructure:"audit_topic" yaml:"audit_topic"`
	GroupID        string        `mapstructure:"group_id" yaml:"group_id"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio"`
	Insecure      bool    `mapstructure:"insecure" yaml:"insecure"`
	Environment   string  `mapstructure:"environment" yaml:"environment"`
}

// Default returns the configuration used for any key left unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			APIAddr:           ":8080",
			DebugAddr:         ":4000",
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   20 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:     DriverMemory,
			MinConns:   2,
			MaxConns:   20,
			Migrations: "file://db/migrations",
		},
		Process: ProcessConfig{
			Simulated:    true,
			FlushTimeout: 30 * time.Second,
			CloseTimeout: 30 * time.Second,
		},
		Results: ResultsConfig{
			CleanupBatchSize:      1000,
			CleanupMaxRetries:     5,
			CleanupInitialBackoff: 100 * time.Millisecond,
		},
		Retention: RetentionConfig{Enabled: true, Schedule: "30 0 * * *"},
		Kafka: KafkaConfig{
			AuditTopic:     "anomaly-audit",
			ClientID:       "anomaly-armada",
			ConnectTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "anomaly-armada",
			SamplingRatio: 1,
			Environment:   "development",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains([]string{DriverMemory, DriverPostgres, DriverSQLite}, c.Database.Driver) {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Database.Driver)
	}
	if c.Database.Driver != DriverMemory && c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if !c.Process.Simulated && c.Process.BinaryPath == "" {
		return ErrMissingBinary
	}
	if c.Process.FlushTimeout <= 0 || c.Process.CloseTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Results.CleanupBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return ErrMissingBrokers
		}
		if c.Kafka.AuditTopic == "" {
			return ErrMissingAuditTopic
		}
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return ErrInvalidSampleRatio
	}
	return nil
}
