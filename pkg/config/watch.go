package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LoadBalancerWatcher applies the load_balancer section of a driver file
// whenever the file changes on disk.
type LoadBalancerWatcher struct {
	path    string
	mu      sync.Mutex
	current bundler.Settings
	apply   func(bundler.Settings) error
	logger  zerolog.Logger
}

// NewLoadBalancerWatcher creates a watcher for path. current holds the
// settings already in effect; apply receives every different, valid value.
func NewLoadBalancerWatcher(path string, current bundler.Settings, apply func(bundler.Settings) error) *LoadBalancerWatcher {
	return &LoadBalancerWatcher{
		path:    filepath.Clean(path),
		current: current,
		apply:   apply,
		logger:  log.WithComponent("config"),
	}
}

// Run watches the file until ctx ends. The parent directory is watched so
// that editors replacing the file by rename are still seen.
func (w *LoadBalancerWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info().Str("path", w.path).Msg("Watching load balancer settings")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher reported an error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			w.reload()
		}
	}
}

// Current returns the settings applied last
func (w *LoadBalancerWatcher) Current() bundler.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *LoadBalancerWatcher) reload() {
	cfg, err := LoadDriver(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring changed config file, keeping load balancer settings")
		return
	}
	if reflect.DeepEqual(cfg.LoadBalancer, w.Current()) {
		w.logger.Debug().Msg("Config file changed, load balancer settings unchanged")
		return
	}
	if err := w.apply(cfg.LoadBalancer); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to apply load balancer settings")
		return
	}
	w.mu.Lock()
	w.current = cfg.LoadBalancer
	w.mu.Unlock()
}
