package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches a configuration file and reloads it on change. The
// directory is watched rather than the file so editors that replace the
// file are still seen.
type Watcher struct {
	configFile string
	loader     *Loader
	logger     *slog.Logger
	debounce   time.Duration

	config   *Config
	configMu sync.RWMutex

	fsWatcher *fsnotify.Watcher

	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher loads configFile and prepares a watcher for it.
func NewWatcher(configFile string, loader *Loader, logger *slog.Logger) (*Watcher, error) {
	if _, err := FormatOf(configFile); err != nil {
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", configFile)
	}

	config, err := loader.LoadFromFile(abs)
	if err != nil {
		return nil, errors.Wrap(err, "load initial config")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(ErrConfigWatchError, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configFile: abs,
		loader:     loader,
		logger:     logger.With("component", "config_watcher", "file", abs),
		debounce:   DefaultDebounce,
		config:     config,
		fsWatcher:  fsWatcher,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetDebounce changes the reload delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Start starts watching the configuration file
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return errors.Wrap(ErrConfigWatchError, err.Error())
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					w.logger.Warn("config file removed or renamed")
				}
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if w.ctx.Err() != nil {
					return
				}
				if err := w.reloadConfig(); err != nil {
					w.logger.Error("config reload failed", "err", err)
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

// reloadConfig keeps the current configuration when the new file does
// not load or validate.
func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return errors.Wrap(err, "reload config")
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.logger.Info("configuration reloaded")
	w.notifyCallbacks(oldConfig, newConfig)
	return nil
}

// notifyCallbacks runs callbacks in registration order on the caller's
// goroutine. A panicking callback is logged and skipped.
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", "panic", r)
				}
			}()
			cb(oldConfig, newConfig)
		}()
	}
}
