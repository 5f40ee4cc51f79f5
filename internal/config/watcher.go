package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Config from disk whenever its source file changes,
// debouncing rapid-fire writes (editors commonly emit several events per
// save) before calling back. Only non-structural settings are meant to
// be hot-reloaded in practice — rotation thresholds, health intervals —
// but the watcher itself reloads the whole file; callers that need to
// reject structural changes (tier sizes, storage paths) should compare
// against the previous Config inside onReload and decide what to apply.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher builds a Watcher for path. debounce of 0 defaults to 200ms.
func NewWatcher(path string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Watcher{path: path, debounce: debounce, log: log, fsw: fsw, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Watch blocks, reloading and invoking onReload on every debounced
// change to the watched file, until Stop is called. Reload (parse or
// validation) errors are logged and absorbed, and onReload is not called
// for that change — a bad edit must not kill the watcher, since the
// operator will likely fix it and save again.
func (w *Watcher) Watch(onReload func(*Config)) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("config: watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.done)

	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous config", zap.Error(err))
				return
			}
			w.log.Info("config reloaded", zap.String("path", w.path))
			onReload(cfg)
		})
	}

	for {
		select {
		case <-w.stop:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			trigger()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop halts the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return w.fsw.Close()
	}
	close(w.stop)
	<-w.done
	return w.fsw.Close()
}
