package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/modcore/eventbus"
)

// Config watcher event types.
const (
	EventConfigChanged      = "config.changed"
	EventConfigReloadFailed = "config.reload_failed"
)

// ChangePayload is the payload of EventConfigChanged.
type ChangePayload struct {
	Path   string        `json:"path"`
	Config *ServerConfig `json:"config"`
	Diff   Diff          `json:"diff"`
}

// ReloadFailedPayload is the payload of EventConfigReloadFailed.
type ReloadFailedPayload struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Publisher is where the watcher sends its events.
type Publisher interface {
	Publish(event eventbus.Event) error
}

// Logger is the structured logger used by the watcher.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// Watcher re-reads the config file when it changes on disk and publishes
// the new snapshot. Bursts of file events are collapsed by the debounce
// interval. The server's own snapshot is left untouched; reacting to the
// change is up to subscribers.
type Watcher struct {
	path      string
	debounce  time.Duration
	publisher Publisher
	logger    Logger
	loadOpts  []LoadOption

	mu      sync.Mutex
	current *ServerConfig
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for path. current is the snapshot the first
// change is compared against.
func NewWatcher(path string, current *ServerConfig, publisher Publisher, logger Logger, opts ...LoadOption) *Watcher {
	debounce := DefaultWatchDebounce
	if current != nil && current.Watch.Debounce > 0 {
		debounce = current.Watch.Debounce.Std()
	}
	if current == nil {
		current = Default()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Watcher{
		path:      path,
		debounce:  debounce,
		publisher: publisher,
		logger:    logger,
		loadOpts:  opts,
		current:   current,
	}
}

// Start begins watching. The containing directory is watched so editors
// that save by rename are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrWatcherRunning
	}

	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", w.path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx, fsw, target, w.done)

	w.logger.Info("Watching config file", "path", target, "debounce", w.debounce)
	return nil
}

// Stop stops watching and cancels any pending reload.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	err := w.fsw.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	done := w.done
	w.fsw = nil
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("closing file watcher: %w", err)
	}
	return nil
}

// Current returns the most recently loaded snapshot.
func (w *Watcher) Current() *ServerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "path", target, "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Reload()
	})
}

// Reload re-reads the file now. A config that fails to load or validate is
// reported as config.reload_failed and the previous snapshot is kept.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path, w.loadOpts...)
	if err != nil {
		w.logger.Error("Config reload failed", "path", w.path, "error", err)
		w.publish(EventConfigReloadFailed, ReloadFailedPayload{Path: w.path, Error: err.Error()}, eventbus.PriorityHigh)
		return err
	}

	w.mu.Lock()
	previous := w.current
	w.current = cfg
	w.mu.Unlock()

	diff := Compare(previous, cfg)
	if diff.Empty() {
		w.logger.Debug("Config file touched without changes", "path", w.path)
		return nil
	}
	w.logger.Info("Config changed",
		"path", w.path,
		"added", diff.Added,
		"removed", diff.Removed,
		"modified", diff.Modified)
	w.publish(EventConfigChanged, ChangePayload{Path: w.path, Config: cfg, Diff: diff}, eventbus.PriorityNormal)
	return nil
}

func (w *Watcher) publish(eventType string, payload any, priority eventbus.Priority) {
	if err := w.publisher.Publish(eventbus.NewEvent(eventType, eventbus.SourceCore, payload, priority)); err != nil {
		w.logger.Warn("Failed to publish config event", "event", eventType, "error", err)
	}
}
