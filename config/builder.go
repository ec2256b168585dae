package config

import (
	"time"

	"github.com/maxpert/mswitch/storage"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *Config) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Storage Configuration

// WithMemoryStorage keeps the operation log in memory; nothing survives a restart
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = storage.BackendMemory
	b.config.Storage.Path = ""
	return b
}

// WithFileStorage configures the segmented WAL under path
func (b *ConfigBuilder) WithFileStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = storage.BackendFile
	b.config.Storage.Path = path
	return b
}

// WithPebbleStorage configures the Pebble backend under path
func (b *ConfigBuilder) WithPebbleStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = storage.BackendPebble
	b.config.Storage.Path = path
	return b
}

// WithSQLiteStorage configures the SQLite backend under path
func (b *ConfigBuilder) WithSQLiteStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = storage.BackendSQLite
	b.config.Storage.Path = path
	return b
}

// WithPostgresStorage configures the Postgres backend
func (b *ConfigBuilder) WithPostgresStorage(dsn string) *ConfigBuilder {
	b.config.Storage.Backend = storage.BackendPostgres
	b.config.Storage.DSN = dsn
	return b
}

// WithFsync sets the sync policy; interval only matters for FsyncInterval
func (b *ConfigBuilder) WithFsync(mode storage.FsyncMode, interval time.Duration) *ConfigBuilder {
	b.config.Storage.Fsync = string(mode)
	b.config.Storage.FsyncInterval = interval
	return b
}

// WithSegmentSize sets the WAL segment size
func (b *ConfigBuilder) WithSegmentSize(size int64) *ConfigBuilder {
	b.config.Storage.SegmentSize = size
	return b
}

// Server Configuration

// WithServerName sets the name reported in logs and traces
func (b *ConfigBuilder) WithServerName(name string) *ConfigBuilder {
	b.config.Server.Name = name
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Server.LogLevel = level
	b.config.Server.LogFile = logFile
	return b
}

// WithPidFile sets where the process id is written
func (b *ConfigBuilder) WithPidFile(pidFile string) *ConfigBuilder {
	b.config.Server.PidFile = pidFile
	return b
}

// WithShutdownTimeout bounds graceful shutdown
func (b *ConfigBuilder) WithShutdownTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Server.ShutdownTimeout = timeout
	return b
}

// Telemetry Configuration

// WithMetrics enables the telemetry endpoint on address
func (b *ConfigBuilder) WithMetrics(address string) *ConfigBuilder {
	b.config.Metrics.Enabled = true
	b.config.Metrics.Address = address
	return b
}

// WithoutMetrics disables the telemetry endpoint
func (b *ConfigBuilder) WithoutMetrics() *ConfigBuilder {
	b.config.Metrics.Enabled = false
	return b
}

// WithTracing exports spans to an OTLP/HTTP endpoint
func (b *ConfigBuilder) WithTracing(endpoint string, insecure bool) *ConfigBuilder {
	b.config.Tracing.Enabled = true
	b.config.Tracing.Endpoint = endpoint
	b.config.Tracing.Insecure = insecure
	return b
}

// Build returns the configured Config
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured Config without validation
func (b *ConfigBuilder) BuildUnsafe() *Config {
	return b.config
}
