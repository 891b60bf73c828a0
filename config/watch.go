package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"imbalance-trader-go/infrastructure/logger"
)

// Watcher hot reloads the config file and pushes the result to a
// callback. A cooldown absorbs editor write bursts. Only the callback
// decides which fields are safe to apply at runtime; the watcher just
// reloads and validates.
type Watcher struct {
	path     string
	cooldown time.Duration
	watcher  *fsnotify.Watcher
	logger   *logger.Logger

	mu         sync.Mutex
	lastReload time.Time
}

func NewWatcher(path string, cooldown time.Duration, lg *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Watcher{path: path, cooldown: cooldown, watcher: fw, logger: lg}, nil
}

// Start watches until ctx is cancelled. onUpdate receives each freshly
// validated config.
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	go w.run(ctx, onUpdate)
	return nil
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context, onUpdate func(AppConfig)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(onUpdate)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.LogError(err, map[string]interface{}{"action": "config_watch"})
		}
	}
}

func (w *Watcher) reload(onUpdate func(AppConfig)) {
	w.mu.Lock()
	if time.Since(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.logger.LogError(err, map[string]interface{}{"action": "config_reload"})
		return
	}
	w.logger.Info("config reloaded")
	if onUpdate != nil {
		onUpdate(cfg)
	}
}
