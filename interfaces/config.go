package interfaces

import (
	"time"
)

// StorageConfig holds operation log configuration
type StorageConfig struct {
	// Backend type ("file", "pebble", "sqlite", "postgres", "memory")
	Backend string `koanf:"backend" yaml:"backend"`

	// Data directory for file, pebble and sqlite backends
	Path string `koanf:"path" yaml:"path"`

	// Connection string for the postgres backend
	DSN string `koanf:"dsn" yaml:"dsn,omitempty"`

	// Fsync policy: "always" syncs every batch, "interval" syncs on a timer,
	// "never" leaves it to the OS
	Fsync         string        `koanf:"fsync" yaml:"fsync"`
	FsyncInterval time.Duration `koanf:"fsync_interval" yaml:"fsync_interval"`

	// Segment size for the file backend
	SegmentSize int64 `koanf:"segment_size" yaml:"segment_size"`

	// Group commit ring capacity for the file backend (power of two)
	RingSize int64 `koanf:"ring_size" yaml:"ring_size"`
}

// ServerConfig holds server information configuration
type ServerConfig struct {
	Name     string `koanf:"name" yaml:"name"`
	Version  string `koanf:"version" yaml:"version,omitempty"`
	LogLevel string `koanf:"log_level" yaml:"log_level"`
	LogFile  string `koanf:"log_file" yaml:"log_file,omitempty"`
	PidFile  string `koanf:"pid_file" yaml:"pid_file,omitempty"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig holds the telemetry HTTP endpoint settings
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	Address   string `koanf:"address" yaml:"address"`
	Namespace string `koanf:"namespace" yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled" yaml:"enabled"`
	Endpoint    string  `koanf:"endpoint" yaml:"endpoint,omitempty"`
	Insecure    bool    `koanf:"insecure" yaml:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" yaml:"sample_ratio"`
}
