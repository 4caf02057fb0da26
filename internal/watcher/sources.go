package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// ProbeCache holds probe results keyed by source path.
type ProbeCache interface {
	Forget(ctx context.Context, path string) error
}

// SourceMonitor keeps clip Missing flags in line with the files on disk.
// It watches the parent directory of every timeline source and re-checks
// sources after each edit. Probes of sources that disappear are dropped
// from probes, which may be nil.
type SourceMonitor struct {
	session *timeline.Session
	watcher *FSWatcher
	probes  ProbeCache
	logger  *slog.Logger
	kick    chan struct{}
	changed chan string
}

func NewSourceMonitor(session *timeline.Session, w *FSWatcher, probes ProbeCache, logger *slog.Logger) *SourceMonitor {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &SourceMonitor{
		session: session,
		watcher: w,
		probes:  probes,
		logger:  logging.WithComponent(logger, "source-monitor"),
		kick:    make(chan struct{}, 1),
		changed: make(chan string, 256),
	}
	session.OnChange(func(uint64) { m.trigger() })
	w.OnChange(func(path string, ev EventType) {
		m.logger.Debug("source event", "path", logging.SanitizePath(path), "event", ev.String())
		select {
		case m.changed <- path:
		default:
			m.trigger()
		}
	})
	return m
}

func (m *SourceMonitor) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run syncs once and then follows edits and file events until ctx ends.
// Edits are applied from this goroutine only, never from inside a session
// listener.
func (m *SourceMonitor) Run(ctx context.Context) {
	go m.watcher.Run(ctx)
	m.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.Sync(ctx)
		case path := <-m.changed:
			m.check(ctx, path)
		}
	}
}

// Sync adjusts the watched directories to the current sources and
// re-checks every source.
func (m *SourceMonitor) Sync(ctx context.Context) {
	tl, _ := m.session.Snapshot()
	sources := tl.Sources()

	want := make(map[string]bool)
	for _, p := range sources {
		want[filepath.Dir(p)] = true
	}
	for _, d := range m.watcher.Dirs() {
		if !want[d] {
			if err := m.watcher.Unwatch(d); err != nil {
				m.logger.Debug("unwatch failed", "dir", logging.SanitizePath(d), "error", err)
			}
		}
	}
	for d := range want {
		if err := m.watcher.Watch(ctx, d); err != nil {
			// the directory itself may be gone; the clips are flagged below
			m.logger.Debug("watch failed", "dir", logging.SanitizePath(d), "error", err)
		}
	}

	m.apply(ctx, tl, sources)
}

// check re-examines the sources at path or under it.
func (m *SourceMonitor) check(ctx context.Context, path string) {
	tl, _ := m.session.Snapshot()
	var affected []string
	for _, p := range tl.Sources() {
		if p == path || filepath.Dir(p) == path {
			affected = append(affected, p)
		}
	}
	if len(affected) > 0 {
		m.apply(ctx, tl, affected)
	}
}

// apply flags or clears clips whose source availability changed.
func (m *SourceMonitor) apply(ctx context.Context, tl *timeline.Timeline, paths []string) {
	current := make(map[string]bool)
	for _, c := range tl.MissingClips() {
		current[c.Media.Path] = true
	}

	var flip []string
	for _, p := range paths {
		if present(p) == current[p] {
			flip = append(flip, p)
		}
	}
	if len(flip) == 0 {
		return
	}

	err := m.session.Edit("mark_missing", func(work *timeline.Timeline) error {
		for _, p := range flip {
			missing := !present(p)
			if n := work.MarkMissing(p, missing); n > 0 {
				m.logger.Info("source availability changed",
					"path", logging.SanitizePath(p), "missing", missing, "clips", n)
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("failed to update missing sources", "error", err)
		return
	}

	if m.probes == nil {
		return
	}
	for _, p := range flip {
		if present(p) {
			continue
		}
		if err := m.probes.Forget(ctx, p); err != nil {
			m.logger.Warn("failed to forget probe", "path", logging.SanitizePath(p), "error", err)
		}
	}
}

func present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
