package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
)

// Supported operation log backends
const (
	BackendFile     = "file"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Backends lists every backend name accepted by the factory
func Backends() []string {
	return []string{BackendFile, BackendPebble, BackendSQLite, BackendPostgres, BackendMemory}
}

// IsBackend reports whether name is a supported backend
func IsBackend(name string) bool {
	for _, b := range Backends() {
		if b == name {
			return true
		}
	}
	return false
}

// LogFactory creates operation logs based on configuration
type LogFactory struct {
	config  interfaces.StorageConfig
	metrics interfaces.AppendMetrics
	logger  *zap.Logger
}

// NewLogFactory creates a new log factory
func NewLogFactory(config interfaces.StorageConfig, metrics interfaces.AppendMetrics, logger *zap.Logger) *LogFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogFactory{
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// Open opens the configured backend at the configured path
func (f *LogFactory) Open() (interfaces.OperationLog, error) {
	return f.OpenAt(f.config.Backend, f.config.Path)
}

// OpenAt opens backend rooted at path, using the rest of the configuration.
// The compact command uses it to write a fresh log next to the live one.
func (f *LogFactory) OpenAt(backend, path string) (interfaces.OperationLog, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = BackendFile
	}
	if path == "" {
		path = "./data"
	}
	path = filepath.Clean(path)

	f.logger.Info("Opening operation log",
		zap.String("backend", backend),
		zap.String("path", path))

	switch backend {
	case BackendMemory:
		return NewMemoryLog(), nil

	case BackendFile:
		return logOrNil(OpenFileLog(FileLogOptions{
			Dir:           path,
			SegmentSize:   f.config.SegmentSize,
			RingSize:      f.config.RingSize,
			Fsync:         FsyncMode(f.config.Fsync),
			FsyncInterval: f.config.FsyncInterval,
			Metrics:       f.metrics,
			Logger:        f.logger,
		}))

	case BackendPebble:
		return logOrNil(OpenPebbleLog(PebbleLogOptions{
			Dir:           path,
			Fsync:         FsyncMode(f.config.Fsync),
			FsyncInterval: f.config.FsyncInterval,
			Metrics:       f.metrics,
			Logger:        f.logger,
		}))

	case BackendSQLite:
		return logOrNil(OpenSQLiteLog(SQLLogOptions{
			Dir:     path,
			Metrics: f.metrics,
			Logger:  f.logger,
		}))

	case BackendPostgres:
		return logOrNil(OpenPostgresLog(SQLLogOptions{
			DSN:     f.config.DSN,
			Metrics: f.metrics,
			Logger:  f.logger,
		}))

	default:
		return nil, errors.NewConfigValidationError("storage", "backend",
			fmt.Sprintf("unsupported backend %q (want one of %s)", backend, strings.Join(Backends(), ", ")))
	}
}

// logOrNil keeps a failed open from returning a non-nil interface holding a nil pointer
func logOrNil(log interfaces.OperationLog, err error) (interfaces.OperationLog, error) {
	if err != nil {
		return nil, err
	}
	return log, nil
}
