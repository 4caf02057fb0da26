package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want EventType
		ok   bool
	}{
		{fsnotify.Create, EventCreate, true},
		{fsnotify.Write, EventModify, true},
		{fsnotify.Remove, EventDelete, true},
		{fsnotify.Rename, EventDelete, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tc := range cases {
		got, ok := classify(tc.op)
		assert.Equal(t, tc.ok, ok, tc.op.String())
		if ok {
			assert.Equal(t, tc.want, got, tc.op.String())
		}
	}
}

type recordingCache struct {
	mu        sync.Mutex
	forgotten []string
}

func (c *recordingCache) Forget(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, path)
	return nil
}

func (c *recordingCache) paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forgotten...)
}

type monitorFixture struct {
	session *timeline.Session
	monitor *SourceMonitor
	watcher *FSWatcher
	cache   *recordingCache
	dir     string
	path    string
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))

	tl := timeline.New()
	tr := tl.AddTrack("V1")
	media := timeline.Media{Path: path, Duration: 10, Width: 640, Height: 360, FrameRate: 25, Codec: "h264"}
	_, err := tl.InsertClip(tr.ID, media, 0, 5, 0)
	require.NoError(t, err)
	_, err = tl.InsertClip(tr.ID, media, 5, 10, 6)
	require.NoError(t, err)

	session := timeline.NewSession(tl, logging.Discard())
	w, err := NewFSWatcher(logging.Discard())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	t.Cleanup(func() { w.Stop() })

	cache := &recordingCache{}
	return &monitorFixture{
		session: session,
		monitor: NewSourceMonitor(session, w, cache, logging.Discard()),
		watcher: w,
		cache:   cache,
		dir:     dir,
		path:    path,
	}
}

func (f *monitorFixture) missing() int {
	tl, _ := f.session.Snapshot()
	return len(tl.MissingClips())
}

func TestSourceMonitor_SyncFlagsAndClears(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.monitor.Sync(ctx)
	assert.Equal(t, 0, f.missing())
	assert.Equal(t, []string{f.dir}, f.watcher.Dirs())

	require.NoError(t, os.Remove(f.path))
	f.monitor.Sync(ctx)
	assert.Equal(t, 2, f.missing())

	require.NoError(t, os.WriteFile(f.path, []byte("video"), 0644))
	f.monitor.Sync(ctx)
	assert.Equal(t, 0, f.missing())
}

func TestSourceMonitor_ForgetsVanishedSourceMetadata(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.monitor.Sync(ctx)
	assert.Empty(t, f.cache.paths(), "present sources stay cached")

	require.NoError(t, os.Remove(f.path))
	f.monitor.Sync(ctx)
	assert.Equal(t, []string{f.path}, f.cache.paths())

	// reappearing clears the flag without another forget
	require.NoError(t, os.WriteFile(f.path, []byte("other video"), 0644))
	f.monitor.Sync(ctx)
	assert.Equal(t, 0, f.missing())
	assert.Len(t, f.cache.paths(), 1)
}

func TestSourceMonitor_UnchangedSourcesDoNotEdit(t *testing.T) {
	f := newMonitorFixture(t)

	v := f.session.Version()
	f.monitor.Sync(context.Background())
	f.monitor.check(context.Background(), f.path)
	assert.Equal(t, v, f.session.Version())
}

func TestSourceMonitor_DropsWatchesForRemovedSources(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.monitor.Sync(ctx)

	require.NoError(t, f.session.Replace(timeline.New()))
	f.monitor.Sync(ctx)
	assert.Empty(t, f.watcher.Dirs())
}

func TestSourceMonitor_FollowsFileEvents(t *testing.T) {
	f := newMonitorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.monitor.Run(ctx)

	require.Eventually(t, func() bool { return len(f.watcher.Dirs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	moved := filepath.Join(t.TempDir(), "elsewhere.mp4")
	require.NoError(t, os.Rename(f.path, moved))
	require.Eventually(t, func() bool { return f.missing() == 2 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Rename(moved, f.path))
	require.Eventually(t, func() bool { return f.missing() == 0 }, 3*time.Second, 20*time.Millisecond)
}
