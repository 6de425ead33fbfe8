package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "armada.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestViperLoader_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := NewViperLoader(writeConfig(t, "")).Load(context.Background())
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Database.Driver, cfg.Database.Driver)
	assert.Equal(t, want.Process.FlushTimeout, cfg.Process.FlushTimeout)
	assert.Equal(t, want.Results.CleanupBatchSize, cfg.Results.CleanupBatchSize)
	assert.Equal(t, want.Retention.Schedule, cfg.Retention.Schedule)
	assert.True(t, cfg.Process.Simulated)
}

func TestViperLoader_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://armada@localhost/armada
process:
  flush_timeout: 5s
kafka:
  enabled: true
  brokers: [localhost:9092]
`)
	t.Setenv("ARMADA_PROCESS_CLOSE_TIMEOUT", "45s")
	t.Setenv("ARMADA_RESULTS_CLEANUP_BATCH_SIZE", "250")

	cfg, err := NewViperLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://armada@localhost/armada", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Process.FlushTimeout)
	assert.Equal(t, 45*time.Second, cfg.Process.CloseTimeout)
	assert.Equal(t, 250, cfg.Results.CleanupBatchSize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "anomaly-audit", cfg.Kafka.AuditTopic)
}

func TestViperLoader_InvalidConfig(t *testing.T) {
	_, err := NewViperLoader(writeConfig(t, "database:\n  driver: oracle\n")).Load(context.Background())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = NewViperLoader(writeConfig(t, "database: [")).Load(context.Background())
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "sqlite without dsn",
			mutate:  func(c *Config) { c.Database.Driver = DriverSQLite },
			wantErr: ErrMissingDSN,
		},
		{
			name:    "native process without binary",
			mutate:  func(c *Config) { c.Process.Simulated = false },
			wantErr: ErrMissingBinary,
		},
		{
			name:    "zero flush timeout",
			mutate:  func(c *Config) { c.Process.FlushTimeout = 0 },
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Retention.Schedule = "every day" },
			wantErr: ErrInvalidSchedule,
		},
		{
			name:   "bad cron ignored when retention is off",
			mutate: func(c *Config) { c.Retention = RetentionConfig{Schedule: "every day"} },
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Kafka.Enabled = true },
			wantErr: ErrMissingBrokers,
		},
		{
			name: "kafka without topic",
			mutate: func(c *Config) {
				c.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}}
			},
			wantErr: ErrMissingAuditTopic,
		},
		{
			name:    "sampling ratio above one",
			mutate:  func(c *Config) { c.Telemetry.SamplingRatio = 1.5 },
			wantErr: ErrInvalidSampleRatio,
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Results.CleanupBatchSize = 0 },
			wantErr: ErrInvalidBatchSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), "config:")
		})
	}
}

func TestMarshal(t *testing.T) {
	cfg := Default()
	out, err := Marshal(&cfg)
	require.NoError(t, err)

	var back map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "memory", back["database"]["driver"])
	assert.Equal(t, "30 0 * * *", back["retention"]["schedule"])
}
