package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/mswitch/interfaces"
)

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultShutdownTimeout is used when the configuration does not set one
const DefaultShutdownTimeout = 30 * time.Second

// LifecycleManager runs the ordered start and stop hooks that bring the
// switch up (operation log, recovery, telemetry) and tracks its state.
type LifecycleManager struct {
	state           LifecycleState
	stateMutex      sync.RWMutex
	startTime       time.Time
	stopTime        time.Time
	lastError       error
	hooks           []LifecycleHook
	started         []LifecycleHook
	shutdownTimeout time.Duration
}

// LifecycleHook defines a hook that can be called during lifecycle events
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int // Lower numbers execute first
}

// NewLifecycleManager creates a lifecycle manager. A non-positive timeout
// uses DefaultShutdownTimeout.
func NewLifecycleManager(shutdownTimeout time.Duration) *LifecycleManager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &LifecycleManager{
		state:           StateStopped,
		hooks:           make([]LifecycleHook, 0),
		shutdownTimeout: shutdownTimeout,
	}
}

// RegisterHook registers a lifecycle hook
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()

	if lm.state == StateRunning {
		return time.Since(lm.startTime)
	}
	if !lm.stopTime.IsZero() {
		return lm.stopTime.Sub(lm.startTime)
	}
	return 0
}

// GetLastError returns the last error that occurred during lifecycle operations
func (lm *LifecycleManager) GetLastError() error {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.lastError
}

// Start runs the start hooks in priority order. If one fails, the hooks
// that already started are stopped in reverse order and the manager is
// left in StateError.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if !lm.canTransitionTo(StateStarting) {
		return fmt.Errorf("cannot start server in state: %s", lm.GetState())
	}

	lm.stateMutex.Lock()
	lm.state = StateStarting
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	lm.started = lm.started[:0]
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnStart != nil {
			if err := hook.OnStart(ctx); err != nil {
				startErr := fmt.Errorf("start hook '%s' failed: %w", hook.Name, err)
				lm.unwind(ctx)
				lm.setError(startErr)
				return startErr
			}
		}
		lm.stateMutex.Lock()
		lm.started = append(lm.started, hook)
		lm.stateMutex.Unlock()
	}

	lm.setState(StateRunning)
	return nil
}

// Stop runs the stop hooks in reverse order, bounded by the shutdown timeout
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	currentState := lm.GetState()

	if currentState == StateStopped {
		return nil // Already stopped
	}

	if !lm.canTransitionTo(StateStopping) {
		return fmt.Errorf("cannot stop server in state: %s", currentState)
	}

	lm.stateMutex.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	lm.stateMutex.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, lm.shutdownTimeout)
	defer shutdownCancel()

	err := lm.unwind(shutdownCtx)
	lm.setState(StateStopped)
	return err
}

// unwind stops every started hook in reverse order and returns the first error
func (lm *LifecycleManager) unwind(ctx context.Context) error {
	lm.stateMutex.Lock()
	started := lm.started
	lm.started = nil
	lm.stateMutex.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		hook := started[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(ctx); err != nil {
			err = fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err)
			if hook.OnError != nil {
				hook.OnError(err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Health returns the server health status
func (lm *LifecycleManager) Health() interfaces.HealthStatus {
	state := lm.GetState()

	status := interfaces.HealthStatus{
		Uptime:    lm.GetUptime(),
		Timestamp: time.Now(),
	}

	switch state {
	case StateRunning:
		status.Status = "healthy"
	case StateError:
		status.Status = "unhealthy"
		if lastError := lm.GetLastError(); lastError != nil {
			status.Errors = []string{lastError.Error()}
		}
	default:
		status.Status = state.String()
	}

	return status
}

// canTransitionTo checks if we can transition to the given state
func (lm *LifecycleManager) canTransitionTo(target LifecycleState) bool {
	current := lm.GetState()

	switch target {
	case StateStarting:
		return current == StateStopped || current == StateError
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true // Can always transition to error state
	default:
		return false
	}
}

// setError sets the error state and stores the error
func (lm *LifecycleManager) setError(err error) {
	lm.stateMutex.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}
