package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/storage"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "mswitch", config.Server.Name)
	assert.Equal(t, "info", config.Server.LogLevel)
	assert.Equal(t, storage.BackendFile, config.Storage.Backend)
	assert.Equal(t, "./data", config.Storage.Path)
	assert.Equal(t, string(storage.FsyncAlways), config.Storage.Fsync)
	assert.True(t, config.Metrics.Enabled)
	assert.False(t, config.Tracing.Enabled)

	assert.NoError(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantKey string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Server.LogLevel = "chatty" },
			wantKey: "log_level",
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "bbolt" },
			wantKey: "backend",
		},
		{
			name:    "file backend without path",
			modify:  func(c *Config) { c.Storage.Path = "" },
			wantKey: "path",
		},
		{
			name: "memory backend without path",
			modify: func(c *Config) {
				c.Storage.Backend = storage.BackendMemory
				c.Storage.Path = ""
			},
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Storage.Backend = storage.BackendPostgres },
			wantKey: "dsn",
		},
		{
			name:    "unknown fsync mode",
			modify:  func(c *Config) { c.Storage.Fsync = "sometimes" },
			wantKey: "fsync",
		},
		{
			name: "interval fsync without interval",
			modify: func(c *Config) {
				c.Storage.Fsync = string(storage.FsyncInterval)
				c.Storage.FsyncInterval = 0
			},
			wantKey: "fsync_interval",
		},
		{
			name:    "ring size not a power of two",
			modify:  func(c *Config) { c.Storage.RingSize = 1000 },
			wantKey: "ring_size",
		},
		{
			name:    "segment size zero",
			modify:  func(c *Config) { c.Storage.SegmentSize = 0 },
			wantKey: "segment_size",
		},
		{
			name:    "metrics without address",
			modify:  func(c *Config) { c.Metrics.Address = "" },
			wantKey: "address",
		},
		{
			name: "tracing without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Endpoint = ""
			},
			wantKey: "endpoint",
		},
		{
			name:    "sample ratio out of range",
			modify:  func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			wantKey: "sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch.yaml")
	writeFile(t, path, `
server:
  name: edge-1
  log_level: debug
storage:
  backend: pebble
  path: /var/lib/mswitch
  fsync: interval
  fsync_interval: 10ms
metrics:
  enabled: false
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-1", config.Server.Name)
	assert.Equal(t, "debug", config.Server.LogLevel)
	assert.Equal(t, storage.BackendPebble, config.Storage.Backend)
	assert.Equal(t, "/var/lib/mswitch", config.Storage.Path)
	assert.Equal(t, 10*time.Millisecond, config.Storage.FsyncInterval)
	assert.False(t, config.Metrics.Enabled)

	// untouched keys keep their defaults
	assert.Equal(t, int64(storage.DefaultSegmentSize), config.Storage.SegmentSize)
	assert.Equal(t, "mswitch", config.Metrics.Namespace)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch.yaml")
	writeFile(t, path, "storage:\n  backend: sqlite\n  path: /from/file\n")

	t.Setenv("MSWITCH_STORAGE_PATH", "/from/env")
	t.Setenv("MSWITCH_SERVER_LOG_LEVEL", "warn")
	t.Setenv("MSWITCH_METRICS_ENABLED", "false")
	t.Setenv("MSWITCH_STORAGE_FSYNC_INTERVAL", "250ms")

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, storage.BackendSQLite, config.Storage.Backend)
	assert.Equal(t, "/from/env", config.Storage.Path)
	assert.Equal(t, "warn", config.Server.LogLevel)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, 250*time.Millisecond, config.Storage.FsyncInterval)
}

func TestLoadWithoutFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage, config.Storage)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "storage:\n  backend: floppy\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mswitch.yaml")

	original, err := NewConfigBuilder().
		WithServerName("saved").
		WithSQLiteStorage("/srv/mswitch").
		WithFsync(storage.FsyncInterval, 75*time.Millisecond).
		Build()
	require.NoError(t, err)
	require.NoError(t, original.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestConfigBuilder(t *testing.T) {
	config, err := NewConfigBuilder().
		WithPostgresStorage("postgres://localhost/mswitch").
		WithLogging("error", "/var/log/mswitch.log").
		WithPidFile("/run/mswitch.pid").
		WithShutdownTimeout(time.Second).
		WithMetrics("127.0.0.1:9999").
		WithTracing("http://collector:4318", false).
		Build()
	require.NoError(t, err)

	assert.Equal(t, storage.BackendPostgres, config.Storage.Backend)
	assert.Equal(t, "postgres://localhost/mswitch", config.Storage.DSN)
	assert.Equal(t, "/var/log/mswitch.log", config.Server.LogFile)
	assert.Equal(t, "/run/mswitch.pid", config.Server.PidFile)
	assert.Equal(t, "127.0.0.1:9999", config.Metrics.Address)
	assert.True(t, config.Tracing.Enabled)
	assert.False(t, config.Tracing.Insecure)

	_, err = NewConfigBuilder().WithSegmentSize(-1).Build()
	assert.Error(t, err)

	unsafe := NewConfigBuilder().WithMemoryStorage().WithoutMetrics().BuildUnsafe()
	assert.Equal(t, storage.BackendMemory, unsafe.Storage.Backend)
	assert.False(t, unsafe.Metrics.Enabled)

	copied := FromConfig(config).WithFileStorage("/tmp/x").BuildUnsafe()
	assert.Equal(t, storage.BackendFile, copied.Storage.Backend)
	assert.Equal(t, storage.BackendPostgres, config.Storage.Backend)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for input, want := range tests {
		got, err := ParseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch.yaml")
	writeFile(t, path, "server:\n  log_level: info\n")

	changes := make(chan *Config, 1)
	w := NewWatcher(path, nil, func(c *Config) {
		select {
		case changes <- c:
		default:
		}
	})
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)

	// an invalid file is ignored
	writeFile(t, path, "server:\n  log_level: shouty\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "server:\n  log_level: debug\n")

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.Server.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
