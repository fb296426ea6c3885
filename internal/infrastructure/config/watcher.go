package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file and pushes the parsed result to an
// apply callback. Only runtime-tunable settings (per-model limits, the
// allow-list) are expected to take effect; the callback decides what to
// apply. Structural settings (listen address, backend URL) need a restart.
type Watcher struct {
	path    string
	apply   func(*Config)
	logger  *zap.Logger
	stopCh  chan struct{}
	watcher *fsnotify.Watcher
}

// NewWatcher watches path for writes. apply runs on the watcher goroutine
// after each successful reload; reload errors keep the previous config.
func NewWatcher(path string, apply func(*Config), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and configmap mounts replace the file,
	// which drops a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		apply:   apply,
		logger:  logger.With(zap.String("component", "config-watcher")),
		stopCh:  make(chan struct{}),
		watcher: fw,
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	// Debounce: editors fire several events per save.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		case <-pending:
			pending = nil
			cfg, err := LoadFrom(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous config",
					zap.String("path", w.path),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("Config reloaded", zap.String("path", w.path))
			w.apply(cfg)
		}
	}
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
