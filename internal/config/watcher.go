package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a single configuration file and reloads it into a
// fresh Snapshot on change, debouncing bursts of filesystem events the
// way mercator-hq-jupiter's policy file watcher does. It never mutates
// a Snapshot in place; Current always returns a value that in-flight
// readers can keep holding safely after a reload.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *Snapshot

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads path once and wires up a debounced fsnotify watch on
// it. Callers that don't care about reload can simply never call Start.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		current: snap,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Current returns the most recently loaded Snapshot. The returned
// pointer is immutable and safe to retain across a later reload.
func (w *Watcher) Current() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start runs the debounced reload loop until Stop is called. It is
// meant to be run in its own goroutine.
func (w *Watcher) Start() {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		snap, err := Load(w.path)
		if err != nil {
			w.logger.Error("config reload failed, keeping previous snapshot", zap.String("path", w.path), zap.Error(err))
			return
		}
		w.mu.Lock()
		w.current = snap
		w.mu.Unlock()
		w.logger.Info("config reloaded", zap.String("path", w.path), zap.Int("sites", len(snap.Sites)))
	}

	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop halts the reload loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fsw.Close()
}
