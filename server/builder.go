package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/mswitch/config"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/metrics"
	"github.com/maxpert/mswitch/storage"
)

// ServerBuilder provides a fluent API for building switch servers
type ServerBuilder struct {
	config   *config.Config
	logger   *zap.Logger
	level    zap.AtomicLevel
	opLog    interfaces.OperationLog
	registry *prometheus.Registry
	clock    func() time.Time
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{config: config.DefaultConfig()}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.Config) *ServerBuilder {
	return &ServerBuilder{config: cfg}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(cfg *config.Config) *ServerBuilder {
	b.config = cfg
	return b
}

// WithLogger sets a custom logger. Its level cannot be changed by a
// config reload.
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger using zap with the specified level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	b.config.Server.LogLevel = level
	logger, atom, err := createZapLogger(level, b.config.Server.LogFile)
	if err != nil {
		// Fallback to a basic logger if configuration fails
		logger, _ = zap.NewProduction()
		atom = zap.NewAtomicLevel()
	}
	b.logger = logger
	b.level = atom
	return b
}

// WithOperationLog injects an already open log. The server will not close it.
func (b *ServerBuilder) WithOperationLog(log interfaces.OperationLog) *ServerBuilder {
	b.opLog = log
	return b
}

// WithMemoryStorage uses the in-memory log (non-persistent)
func (b *ServerBuilder) WithMemoryStorage() *ServerBuilder {
	b.config.Storage.Backend = storage.BackendMemory
	return b
}

// WithDataDir sets the directory of the file, pebble or sqlite backend
func (b *ServerBuilder) WithDataDir(path string) *ServerBuilder {
	b.config.Storage.Path = path
	return b
}

// WithRegistry registers metrics on reg instead of a private registry
func (b *ServerBuilder) WithRegistry(reg *prometheus.Registry) *ServerBuilder {
	b.registry = reg
	return b
}

// WithClock sets the clock used to stamp new entries
func (b *ServerBuilder) WithClock(clock func() time.Time) *ServerBuilder {
	b.clock = clock
	return b
}

// Build constructs the server with all configured components
func (b *ServerBuilder) Build() (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return b.build()
}

// BuildUnsafe constructs the server without validation
func (b *ServerBuilder) BuildUnsafe() *Server {
	server, err := b.build()
	if err != nil {
		// Only logger creation can fail here
		b.logger = zap.NewNop()
		server, _ = b.build()
	}
	return server
}

func (b *ServerBuilder) build() (*Server, error) {
	logger, level := b.logger, b.level
	if logger == nil {
		var err error
		logger, level, err = createZapLogger(b.config.Server.LogLevel, b.config.Server.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	} else if level == (zap.AtomicLevel{}) {
		level = zap.NewAtomicLevelAt(logger.Level())
	}

	registry := b.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	server := &Server{
		Config:   b.config,
		Log:      logger,
		Level:    level,
		Registry: registry,
		Metrics:  metrics.NewCollector(b.config.Metrics.Namespace, registry),
		opLog:    b.opLog,
		clock:    b.clock,
	}
	registry.MustRegister(metrics.NewQueueLengthCollector(b.config.Metrics.Namespace, server))

	server.Lifecycle = NewLifecycleManager(b.config.Server.ShutdownTimeout)
	server.registerHooks()

	return server, nil
}

// ZapLoggerAdapter adapts zap.Logger to interfaces.Logger
type ZapLoggerAdapter struct {
	logger *zap.Logger
}

// NewZapLoggerAdapter wraps logger
func NewZapLoggerAdapter(logger *zap.Logger) *ZapLoggerAdapter {
	return &ZapLoggerAdapter{logger: logger}
}

func (z *ZapLoggerAdapter) Debug(msg string, fields ...interfaces.LogField) {
	z.logger.Debug(msg, z.convertFields(fields)...)
}

func (z *ZapLoggerAdapter) Info(msg string, fields ...interfaces.LogField) {
	z.logger.Info(msg, z.convertFields(fields)...)
}

func (z *ZapLoggerAdapter) Warn(msg string, fields ...interfaces.LogField) {
	z.logger.Warn(msg, z.convertFields(fields)...)
}

func (z *ZapLoggerAdapter) Error(msg string, fields ...interfaces.LogField) {
	z.logger.Error(msg, z.convertFields(fields)...)
}

func (z *ZapLoggerAdapter) Fatal(msg string, fields ...interfaces.LogField) {
	z.logger.Fatal(msg, z.convertFields(fields)...)
}

func (z *ZapLoggerAdapter) With(fields ...interfaces.LogField) interfaces.Logger {
	return &ZapLoggerAdapter{logger: z.logger.With(z.convertFields(fields)...)}
}

func (z *ZapLoggerAdapter) Sync() error {
	return z.logger.Sync()
}

func (z *ZapLoggerAdapter) convertFields(fields []interfaces.LogField) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = zap.Any(field.Key, field.Value)
	}
	return zapFields
}

// createZapLogger builds a logger whose level can be changed at runtime
// through the returned AtomicLevel.
func createZapLogger(level, logFile string) (*zap.Logger, zap.AtomicLevel, error) {
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if parsed == zapcore.DebugLevel {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)

	if logFile != "" {
		zapConfig.OutputPaths = []string{logFile}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zapConfig.Level, nil
}
