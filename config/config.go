package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/storage"
)

// EnvPrefix is stripped from environment overrides:
// MSWITCH_STORAGE_BACKEND sets storage.backend.
const EnvPrefix = "MSWITCH_"

// Config is the complete process configuration
type Config struct {
	Server  interfaces.ServerConfig  `koanf:"server" yaml:"server"`
	Storage interfaces.StorageConfig `koanf:"storage" yaml:"storage"`
	Metrics interfaces.MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Tracing interfaces.TracingConfig `koanf:"tracing" yaml:"tracing"`
}

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: interfaces.ServerConfig{
			Name:            "mswitch",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: interfaces.StorageConfig{
			Backend:       storage.BackendFile,
			Path:          "./data",
			Fsync:         string(storage.FsyncAlways),
			FsyncInterval: storage.DefaultFsyncInterval,
			SegmentSize:   storage.DefaultSegmentSize,
			RingSize:      storage.DefaultRingSize,
		},
		Metrics: interfaces.MetricsConfig{
			Enabled:   true,
			Address:   ":9419",
			Namespace: "mswitch",
		},
		Tracing: interfaces.TracingConfig{
			Enabled:     false,
			Endpoint:    "http://localhost:4318",
			Insecure:    true,
			SampleRatio: 1.0,
		},
	}
}

// Load builds a configuration from defaults, then the YAML file at path
// (skipped when path is empty), then MSWITCH_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.NewConfigError("failed to read configuration file", "", "", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, errors.NewConfigError("failed to read environment", "", "", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.NewConfigError("failed to decode configuration", "", "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps MSWITCH_SECTION_SOME_KEY to section.some_key. Variables that
// do not name a section and key are ignored.
func envKey(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok || section == "" || rest == "" {
		return "", nil
	}
	return section + "." + rest, v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Server
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		return errors.NewConfigValidationError("server", "log_level", err.Error())
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.NewConfigValidationError("server", "shutdown_timeout", "must not be negative")
	}

	// Storage
	if !storage.IsBackend(c.Storage.Backend) {
		return errors.NewConfigValidationError("storage", "backend",
			fmt.Sprintf("unsupported backend %q (want one of %s)", c.Storage.Backend, strings.Join(storage.Backends(), ", ")))
	}
	switch c.Storage.Backend {
	case storage.BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.NewConfigValidationError("storage", "dsn", "required for the postgres backend")
		}
	case storage.BackendMemory:
	default:
		if c.Storage.Path == "" {
			return errors.NewConfigValidationError("storage", "path",
				fmt.Sprintf("required for backend %s", c.Storage.Backend))
		}
	}
	switch storage.FsyncMode(c.Storage.Fsync) {
	case storage.FsyncAlways, storage.FsyncNever:
	case storage.FsyncInterval:
		if c.Storage.FsyncInterval <= 0 {
			return errors.NewConfigValidationError("storage", "fsync_interval", "must be positive when fsync is interval")
		}
	default:
		return errors.NewConfigValidationError("storage", "fsync",
			fmt.Sprintf("unknown mode %q (want always, interval or never)", c.Storage.Fsync))
	}
	if c.Storage.SegmentSize <= 0 {
		return errors.NewConfigValidationError("storage", "segment_size", "must be positive")
	}
	if c.Storage.RingSize <= 0 || c.Storage.RingSize&(c.Storage.RingSize-1) != 0 {
		return errors.NewConfigValidationError("storage", "ring_size", "must be a positive power of two")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.NewConfigValidationError("metrics", "address", "required when metrics are enabled")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.NewConfigValidationError("tracing", "endpoint", "required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.NewConfigValidationError("tracing", "sample_ratio", "must be between 0 and 1")
	}

	return nil
}

// Save writes the configuration as YAML
func (c *Config) Save(destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}
