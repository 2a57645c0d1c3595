// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 100 * time.Millisecond

// Changes lists what differs between two configurations. Quota, Actions and
// LogLevel are applied to a running server; Restart names the sections
// whose changes only take effect after a restart.
type Changes struct {
	Quota    bool
	Actions  bool
	LogLevel bool
	Restart  []string
}

// Reloadable reports whether a running server has anything to apply.
func (c Changes) Reloadable() bool {
	return c.Quota || c.Actions || c.LogLevel
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return !c.Reloadable() && len(c.Restart) == 0
}

// Diff compares two configurations section by section.
func Diff(old, new *Config) Changes {
	c := Changes{
		Quota:    old.Quota.Settings != new.Quota.Settings,
		Actions:  !reflect.DeepEqual(old.Actions, new.Actions),
		LogLevel: old.Logging.Level != new.Logging.Level,
	}

	sections := []struct {
		name    string
		changed bool
	}{
		{"server", !reflect.DeepEqual(old.Server, new.Server)},
		{"quota.timezone", old.Quota.Timezone != new.Quota.Timezone},
		{"quota.retention", old.Quota.Retention != new.Quota.Retention},
		{"storage", !reflect.DeepEqual(old.Storage, new.Storage)},
		{"auth", !reflect.DeepEqual(old.Auth, new.Auth)},
		{"demo_api", !reflect.DeepEqual(old.DemoAPI, new.DemoAPI)},
		{"logging.format", old.Logging.Format != new.Logging.Format},
		{"metrics", !reflect.DeepEqual(old.Metrics, new.Metrics)},
	}
	for _, s := range sections {
		if s.changed {
			c.Restart = append(c.Restart, s.name)
		}
	}
	return c
}

// Holder keeps the current configuration and reloads it from disk when the
// file changes or the process receives SIGHUP. Listeners run after a reload
// that changed a reloadable section.
type Holder struct {
	mu        sync.RWMutex
	config    *Config
	path      string
	logger    zerolog.Logger
	listeners []func(*Config)
	debounce  time.Duration

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithDebounce sets how long file events are coalesced before a reload.
func WithDebounce(d time.Duration) HolderOption {
	return func(h *Holder) {
		h.debounce = d
	}
}

// NewHolder loads the configuration at path.
func NewHolder(path string, logger zerolog.Logger, opts ...HolderOption) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	h := &Holder{
		config:   cfg,
		path:     absPath,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Path returns the absolute path of the watched file.
func (h *Holder) Path() string {
	return h.path
}

// OnChange registers fn to run after each reload with reloadable changes.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload reads the file again. An invalid file keeps the current
// configuration and returns the error.
func (h *Holder) Reload() (Changes, error) {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping current config")
		return Changes{}, fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	changes := Diff(h.config, next)
	h.config = next
	listeners := append([]func(*Config){}, h.listeners...)
	h.mu.Unlock()

	if changes.Empty() {
		h.logger.Debug().Str("path", h.path).Msg("config unchanged")
		return changes, nil
	}
	if len(changes.Restart) > 0 {
		h.logger.Warn().Strs("sections", changes.Restart).Msg("config changes need a restart to take effect")
	}
	if !changes.Reloadable() {
		return changes, nil
	}

	h.logger.Info().
		Bool("quota", changes.Quota).
		Bool("actions", changes.Actions).
		Bool("log_level", changes.LogLevel).
		Msg("applying config changes")
	for _, fn := range listeners {
		fn(next)
	}
	return changes, nil
}

// WatchFile reloads after the file is written. The directory is watched so
// editors that save by renaming a temp file are seen too.
func (h *Holder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	go h.watchLoop()
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

func (h *Holder) watchLoop() {
	name := filepath.Base(h.path)
	timer := time.NewTimer(h.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == name && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				timer.Reset(h.debounce)
			}
		case <-timer.C:
			h.Reload()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		case <-h.stopCh:
			return
		}
	}
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP")
				h.Reload()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. Safe to call twice.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}
