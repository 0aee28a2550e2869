// Package watcher reports changes to individual files, such as the status
// file the daemon rewrites after every cycle.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// Watcher watches files for changes. Files are replaced by rename, so the
// parent directory is watched and events are filtered by name.
type Watcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]int
	mu      sync.RWMutex
	closed  bool
}

// New creates a new Watcher.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher: fsw,
		files:   make(map[string]bool),
		dirs:    make(map[string]int),
	}, nil
}

// Watch starts watching path. The file does not have to exist yet, but its
// directory does.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "watch", Path: dir, Err: os.ErrInvalid}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.files[abs] {
		return nil
	}

	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			logging.Get("watcher").Warn("failed to add watch", "path", dir, "error", err)
			return err
		}
	}
	w.dirs[dir]++
	w.files[abs] = true
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || !w.files[abs] {
		return
	}
	delete(w.files, abs)

	dir := filepath.Dir(abs)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		_ = w.watcher.Remove(dir)
		delete(w.dirs, dir)
	}
}

// Watching reports whether path is watched.
func (w *Watcher) Watching(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.files[abs]
}

// Run starts the event loop. It blocks until the context is cancelled or the
// watcher is closed. onChange is called for every event on a watched file.
func (w *Watcher) Run(ctx context.Context, onChange func(path string, op fsnotify.Op)) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get("watcher").Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, onChange func(path string, op fsnotify.Op)) {
	// Temp files written next to the target and chmod noise are not changes.
	if event.Op == fsnotify.Chmod {
		return
	}

	name, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.RLock()
	watched := w.files[name]
	w.mu.RUnlock()

	if watched && onChange != nil {
		onChange(name, event.Op)
	}
}

// Close closes the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	w.files = make(map[string]bool)
	w.dirs = make(map[string]int)
	return w.watcher.Close()
}
