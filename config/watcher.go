package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the bursts of events editors and atomic renames produce
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// every valid result to OnChange. Invalid files are logged and ignored.
type Watcher struct {
	Path     string
	Logger   *zap.Logger
	OnChange func(*Config)
	Debounce time.Duration
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		Path:     path,
		Logger:   logger,
		OnChange: onChange,
		Debounce: DefaultDebounce,
	}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so replacing the file by rename is noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	base := filepath.Base(w.Path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.Logger.Info("Watching configuration", zap.String("path", w.Path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.Debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.Debounce)
		}
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("Configuration watch error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.Path)
	if err != nil {
		w.Logger.Error("Configuration reload failed", zap.String("path", w.Path), zap.Error(err))
		return
	}
	w.Logger.Info("Configuration reloaded", zap.String("path", w.Path))
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}
