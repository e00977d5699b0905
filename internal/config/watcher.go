package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent represents a configuration file change.
type ChangeEvent struct {
	File      string
	Values    map[string]interface{}
	Timestamp time.Time
}

// ChangeHandler is called when a watched file changes. Returning an error
// logs the failure; it does not undo the change.
type ChangeHandler func(event ChangeEvent) error

// Watcher hot-reloads yaml tuning files from a directory, so runtime knobs
// (scaler thresholds, dedup window) can change without a restart.
type Watcher struct {
	dir      string
	values   map[string]map[string]interface{}
	handlers map[string][]ChangeHandler
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	started  bool
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewWatcher creates a watcher over the given directory, creating it if needed.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		values:   make(map[string]map[string]interface{}),
		handlers: make(map[string][]ChangeHandler),
		watcher:  fw,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start loads existing files and begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read config directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		if err := w.loadFile(filepath.Join(w.dir, e.Name())); err != nil {
			w.logger.Warn("Skipping unreadable config file",
				zap.String("file", e.Name()), zap.Error(err))
		}
	}

	go w.watchLoop()
	w.logger.Info("Config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	close(w.stopCh)
	w.started = false
	return w.watcher.Close()
}

// OnChange registers a handler for a specific file name (e.g. "tuning.yaml").
func (w *Watcher) OnChange(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
}

// Get returns the last loaded values for a file, or nil.
func (w *Watcher) Get(filename string) map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.values[filename]
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.loadFile(ev.Name); err != nil {
				w.logger.Warn("Failed to reload config file",
					zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			w.notify(filepath.Base(ev.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var vals map[string]interface{}
	if err := yaml.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	w.mu.Lock()
	w.values[filepath.Base(path)] = vals
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify(filename string) {
	w.mu.RLock()
	handlers := w.handlers[filename]
	vals := w.values[filename]
	w.mu.RUnlock()

	ev := ChangeEvent{File: filename, Values: vals, Timestamp: time.Now()}
	for _, h := range handlers {
		if err := h(ev); err != nil {
			w.logger.Warn("Config change handler failed",
				zap.String("file", filename), zap.Error(err))
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
