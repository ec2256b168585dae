package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/maxpert/mswitch/broker"
	"github.com/maxpert/mswitch/config"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/metrics"
	"github.com/maxpert/mswitch/storage"
)

const (
	ServerProduct = "mswitch"
	ServerVersion = "0.3.0"
)

// Hook priorities; stop runs in reverse
const (
	priorityPidFile      = 0
	priorityTracing      = 10
	priorityOperationLog = 20
	priorityRecovery     = 30
	priorityTelemetry    = 40
)

const uptimeInterval = 15 * time.Second

// Server hosts the queueing engine: it opens the operation log, recovers
// state from it and exposes telemetry until stopped.
type Server struct {
	Config    *config.Config
	Log       *zap.Logger
	Level     zap.AtomicLevel
	Lifecycle *LifecycleManager
	Metrics   *metrics.Collector
	Registry  *prometheus.Registry

	mutex     sync.RWMutex
	engine    *broker.Engine
	opLog     interfaces.OperationLog
	ownsLog   bool
	recovery  *RecoveryStats
	telemetry *metrics.Server
	clock     func() time.Time
}

// Start brings the server up through the lifecycle hooks
func (s *Server) Start(ctx context.Context) error {
	return s.Lifecycle.Start(ctx)
}

// Stop shuts the server down through the lifecycle hooks
func (s *Server) Stop(ctx context.Context) error {
	return s.Lifecycle.Stop(ctx)
}

// Health returns the server health status
func (s *Server) Health() interfaces.HealthStatus {
	return s.Lifecycle.Health()
}

// Engine returns the running engine, or nil before Start
func (s *Server) Engine() *broker.Engine {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.engine
}

// Recovery returns the stats of the last startup recovery
func (s *Server) Recovery() *RecoveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.recovery
}

// Logger exposes the server logger through the generic interface
func (s *Server) Logger() interfaces.Logger {
	return NewZapLoggerAdapter(s.Log)
}

// GetStats returns server statistics
func (s *Server) GetStats() *interfaces.ServerStats {
	stats := &interfaces.ServerStats{
		Uptime: s.Lifecycle.GetUptime(),
	}

	s.mutex.RLock()
	engine, opLog := s.engine, s.opLog
	s.mutex.RUnlock()

	if engine != nil {
		es := engine.Stats()
		stats.Queues = es.Queues
		stats.MessagesSent = int64(es.Sent)
		stats.MessagesAcked = int64(es.Acked)
		stats.MessagesDropped = int64(es.Dropped)
		stats.ReplayedRecords = int64(es.Replayed)
	}
	if sp, ok := opLog.(interfaces.StatsProvider); ok {
		ls := sp.Stats()
		stats.LogBackend = ls.Backend
		stats.LogLastPosition = ls.LastPos
	}
	return stats
}

// QueueLengths samples the live engine; empty before Start
func (s *Server) QueueLengths() []metrics.QueueSample {
	engine := s.Engine()
	if engine == nil {
		return nil
	}
	return engine.QueueLengths()
}

// ApplyConfig applies the settings that can change without a restart.
// Only the log level is live; everything else is logged and ignored.
func (s *Server) ApplyConfig(cfg *config.Config) {
	level, err := config.ParseLogLevel(cfg.Server.LogLevel)
	if err != nil {
		s.Log.Warn("Ignoring invalid log level", zap.String("level", cfg.Server.LogLevel))
		return
	}
	if level != s.Level.Level() {
		s.Level.SetLevel(level)
		s.Log.Info("Log level changed", zap.Stringer("level", level))
	}
	if cfg.Storage != s.Config.Storage {
		s.Log.Warn("Storage configuration changed; restart required to apply it")
	}
}

// Run starts the server, serves telemetry and watches configPath (when
// set) until ctx is done, then stops gracefully.
func (s *Server) Run(ctx context.Context, configPath string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	s.mutex.RLock()
	telemetry := s.telemetry
	s.mutex.RUnlock()
	if telemetry != nil {
		g.Go(func() error {
			s.Log.Info("Telemetry listening", zap.String("addr", telemetry.Addr()))
			if err := telemetry.Start(); err != nil {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.NewWatcher(configPath, s.Log, s.ApplyConfig).Run(gctx)
		})
	}

	g.Go(func() error {
		s.reportUptime(gctx)
		return nil
	})

	<-gctx.Done()
	s.Log.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
	defer cancel()
	stopErr := s.Stop(stopCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return stopErr
}

func (s *Server) reportUptime(ctx context.Context) {
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()
	for {
		s.Metrics.UpdateServerUptime(s.Lifecycle.GetUptime().Seconds())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// registerHooks wires the start sequence: pid file, tracing, operation
// log, recovery, telemetry.
func (s *Server) registerHooks() {
	var releasePid func()
	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "pid-file",
		Priority: priorityPidFile,
		OnStart: func(ctx context.Context) error {
			release, err := claimPidFile(s.Config.Server.PidFile)
			if err != nil {
				return err
			}
			releasePid = release
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if releasePid != nil {
				releasePid()
			}
			return nil
		},
	})

	var shutdownTracing func(context.Context) error
	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "tracing",
		Priority: priorityTracing,
		OnStart: func(ctx context.Context) error {
			if !s.Config.Tracing.Enabled {
				return nil
			}
			shutdown, err := initTracing(ctx, s.Config.Tracing, s.Config.Server.Name, ServerProduct+"/"+ServerVersion, s.Log)
			if err != nil {
				return err
			}
			shutdownTracing = shutdown
			s.Log.Info("Tracing enabled", zap.String("endpoint", s.Config.Tracing.Endpoint))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdownTracing == nil {
				return nil
			}
			err := shutdownTracing(ctx)
			shutdownTracing = nil
			return err
		},
	})

	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "operation-log",
		Priority: priorityOperationLog,
		OnStart:  s.openOperationLog,
		OnStop:   s.closeOperationLog,
		OnError: func(err error) {
			s.Log.Error("Lifecycle error", zap.Error(err))
		},
	})

	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "recovery",
		Priority: priorityRecovery,
		OnStart: func(ctx context.Context) error {
			s.mutex.RLock()
			engine, opLog := s.engine, s.opLog
			s.mutex.RUnlock()

			stats, err := NewRecoveryManager(opLog, engine, s.Log).PerformRecovery(ctx)
			if err != nil {
				return err
			}
			s.mutex.Lock()
			s.recovery = stats
			s.mutex.Unlock()
			return nil
		},
	})

	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "telemetry",
		Priority: priorityTelemetry,
		OnStart: func(ctx context.Context) error {
			if !s.Config.Metrics.Enabled {
				return nil
			}
			telemetry := metrics.NewServer(metrics.ServerOptions{
				Address:  s.Config.Metrics.Address,
				Gatherer: s.Registry,
				Queues:   s,
				Health:   s.healthError,
				Traced:   s.Config.Tracing.Enabled,
			})
			s.mutex.Lock()
			s.telemetry = telemetry
			s.mutex.Unlock()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.mutex.Lock()
			telemetry := s.telemetry
			s.telemetry = nil
			s.mutex.Unlock()
			if telemetry == nil {
				return nil
			}
			return telemetry.Stop(ctx)
		},
	})
}

// openOperationLog opens the configured log unless one was injected, and
// builds a fresh engine over it.
func (s *Server) openOperationLog(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.opLog == nil {
		factory := storage.NewLogFactory(s.Config.Storage, s.Metrics, s.Log)
		opLog, err := factory.Open()
		if err != nil {
			return err
		}
		s.opLog = opLog
		s.ownsLog = true
	}

	s.engine = broker.NewEngine(broker.EngineOptions{
		Log:     s.opLog,
		Logger:  s.Log.Named("engine"),
		Metrics: s.Metrics,
		Clock:   s.clock,
	})
	return nil
}

func (s *Server) closeOperationLog(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.engine = nil
	if !s.ownsLog || s.opLog == nil {
		return nil
	}
	err := s.opLog.Close()
	s.opLog = nil
	s.ownsLog = false
	return err
}

func (s *Server) healthError() error {
	if state := s.Lifecycle.GetState(); state != StateRunning {
		return fmt.Errorf("server is %s", state)
	}
	return nil
}

// claimPidFile writes the process id to path and returns a release func
// that removes the file if it still holds our pid. A file naming another
// live process is left alone and reported as an error; stale files are
// overwritten.
func claimPidFile(path string) (func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		other, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && other != os.Getpid() && processAlive(other) {
			return nil, fmt.Errorf("pid file %s is held by running process %d", path, other)
		}
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return nil, err
	}
	return func() {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if strings.TrimSpace(string(data)) == pid {
			_ = os.Remove(path)
		}
	}, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
