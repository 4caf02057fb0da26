// Package watcher follows the source files of the timeline on disk and
// flags clips whose media disappears or comes back.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FSWatcher watches directories and reports debounced per-path events.
type FSWatcher struct {
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	dirs     map[string]bool
	callback func(path string, event EventType)
}

func NewFSWatcher(logger *slog.Logger) (*FSWatcher, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FSWatcher{
		fs:       fw,
		logger:   logging.WithComponent(logger, "watcher"),
		debounce: defaultDebounce,
		dirs:     make(map[string]bool),
	}, nil
}

// Watch adds a directory. Watching the same directory twice is a no-op.
func (w *FSWatcher) Watch(ctx context.Context, dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	w.logger.Debug("watching directory", "dir", logging.SanitizePath(dir))
	return nil
}

func (w *FSWatcher) Unwatch(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		return nil
	}
	delete(w.dirs, dir)
	return w.fs.Remove(dir)
}

// Dirs returns the watched directories.
func (w *FSWatcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	return out
}

func (w *FSWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

func (w *FSWatcher) Stop() error {
	return w.fs.Close()
}

// Run delivers events until ctx ends or the watcher is stopped. Bursts on
// one path collapse into its latest event.
func (w *FSWatcher) Run(ctx context.Context) {
	pending := make(map[string]EventType)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(pending)
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if t, ok := classify(ev.Op); ok {
				pending[filepath.Clean(ev.Name)] = t
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = make(map[string]EventType)
			}
		}
	}
}

func (w *FSWatcher) flush(pending map[string]EventType) {
	w.mu.Lock()
	cb := w.callback
	w.mu.Unlock()
	if cb == nil {
		return
	}
	for path, t := range pending {
		cb(path, t)
	}
}

func classify(op fsnotify.Op) (EventType, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventDelete, true
	case op.Has(fsnotify.Create):
		return EventCreate, true
	case op.Has(fsnotify.Write):
		return EventModify, true
	}
	return 0, false
}
