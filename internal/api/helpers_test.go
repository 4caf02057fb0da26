package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/render"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const testToken = "test-token"

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]export.Job
}

func (r *fakeRepo) GetMedia(ctx context.Context, path string) (*catalog.MediaRecord, error) {
	return nil, nil
}
func (r *fakeRepo) UpsertMedia(ctx context.Context, rec *catalog.MediaRecord) error { return nil }
func (r *fakeRepo) DeleteMedia(ctx context.Context, path string) error              { return nil }
func (r *fakeRepo) ListMediaPaths(ctx context.Context) ([]string, error)            { return nil, nil }
func (r *fakeRepo) CountMedia(ctx context.Context) (int, error)                     { return 0, nil }

func (r *fakeRepo) SaveJob(ctx context.Context, job export.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = make(map[string]export.Job)
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) GetJob(ctx context.Context, id string) (*export.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (r *fakeRepo) ListJobs(ctx context.Context, limit int) ([]export.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []export.Job
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *fakeRepo) PruneJobs(ctx context.Context, keep int) (int64, error) { return 0, nil }

func (r *fakeRepo) GetConfig(ctx context.Context, key string) (string, error) {
	if key == catalog.ConfigKeyAuthToken {
		return testToken, nil
	}
	return "", nil
}

func (r *fakeRepo) SetConfig(ctx context.Context, key, value string) error { return nil }

// fakeCatalog probes only the paths it was given.
type fakeCatalog struct {
	media map[string]timeline.Media
}

func (c *fakeCatalog) Probe(ctx context.Context, path string) (timeline.Media, error) {
	m, ok := c.media[path]
	if !ok {
		return timeline.Media{}, apperr.Validationf("probe", "file not found: %s", path)
	}
	return m, nil
}

func (c *fakeCatalog) Ingest(ctx context.Context, paths []string) []catalog.IngestResult {
	out := make([]catalog.IngestResult, len(paths))
	for i, p := range paths {
		m, err := c.Probe(ctx, p)
		if err != nil {
			out[i] = catalog.IngestResult{Path: p, Error: apperr.DetailOf(err), Kind: apperr.KindOf(err)}
			continue
		}
		out[i] = catalog.IngestResult{Path: p, Media: &m}
	}
	return out
}

func (c *fakeCatalog) Forget(ctx context.Context, path string) error { return nil }
func (c *fakeCatalog) CountMedia(ctx context.Context) (int, error)   { return len(c.media), nil }

// fakeEncoder writes every op's target. When block is set, ops wait for
// cancellation instead.
type fakeEncoder struct {
	block   bool
	started chan struct{}
}

func (f *fakeEncoder) run(ctx context.Context, op render.Op) (string, error) {
	if err := os.WriteFile(op.Output(), []byte("rendered"), 0644); err != nil {
		return "", err
	}
	if f.block {
		f.started <- struct{}{}
		<-ctx.Done()
		return "", apperr.Wrap(apperr.KindCancelled, string(op.Kind()), ctx.Err())
	}
	return op.Output(), nil
}

func (f *fakeEncoder) Probe(ctx context.Context, path string) (timeline.Media, error) {
	return timeline.Media{}, nil
}

func (f *fakeEncoder) Trim(ctx context.Context, op render.Trim, cfg render.ExportConfig, p encoder.ProgressFunc) (string, error) {
	return f.run(ctx, op)
}

func (f *fakeEncoder) Concat(ctx context.Context, op render.Concatenate, cfg render.ExportConfig, p encoder.ProgressFunc) (string, error) {
	return f.run(ctx, op)
}

func (f *fakeEncoder) Overlay(ctx context.Context, op render.Overlay, cfg render.ExportConfig, p encoder.ProgressFunc) (string, error) {
	return f.run(ctx, op)
}

func (f *fakeEncoder) Mux(ctx context.Context, op render.Mux, cfg render.ExportConfig, p encoder.ProgressFunc) (string, error) {
	return f.run(ctx, op)
}

type testEnv struct {
	cfg     ServerConfig
	router  http.Handler
	repo    *fakeRepo
	enc     *fakeEncoder
	srcDir  string
	outDir  string
	sources map[string]string // name -> absolute path
}

// newTestEnv wires real session, playback and export components around
// fakes for the database, prober and encoder. Sources a.mp4 and b.mp4 are
// 10s long and exist on disk.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()
	srcDir := t.TempDir()

	cat := &fakeCatalog{media: map[string]timeline.Media{}}
	sources := map[string]string{}
	for _, name := range []string{"a.mp4", "b.mp4"} {
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef"), 0644))
		cat.media[path] = timeline.Media{Path: path, Duration: 10, Width: 1280, Height: 720, FrameRate: 30, Codec: "h264", HasAudio: true}
		sources[name] = path
	}

	repo := &fakeRepo{}
	enc := &fakeEncoder{started: make(chan struct{}, 8)}
	session := timeline.NewSession(timeline.New(), logger)
	hub := playback.NewHub(nil, logger)
	ctrl := playback.NewController(session, hub.Factory(), logger)
	hub.SetPost(ctrl.Post)
	session.OnChange(func(uint64) { ctrl.Refresh() })

	exports := export.NewController(enc, export.Config{WorkRoot: t.TempDir(), Store: repo, Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exports.Shutdown(ctx)
		ctrl.Close()
	})

	cfg := ServerConfig{
		Session:        session,
		CatalogService: cat,
		Repository:     repo,
		Playback:       ctrl,
		Hub:            hub,
		Streamer:       playback.NewStreamer(logger),
		Exports:        exports,
		ExportDefaults: render.DefaultExportConfig(),
		Logger:         logger,
		StartTime:      time.Now(),
		Version:        "test",
	}
	return &testEnv{
		cfg:     cfg,
		router:  NewRouter(cfg),
		repo:    repo,
		enc:     enc,
		srcDir:  srcDir,
		outDir:  t.TempDir(),
		sources: sources,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// addTrack creates a track through the API and returns its id.
func (e *testEnv) addTrack(t *testing.T, name string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/timeline/tracks", AddTrackRequest{Name: name})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var track timeline.Track
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &track))
	return track.ID
}

func (e *testEnv) insertClip(t *testing.T, trackID, source string, in, out, start float64) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/timeline/tracks/"+trackID+"/clips", InsertClipRequest{
		Path: e.sources[source], TrimIn: in, TrimOut: &out, StartTime: start,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var clip timeline.Clip
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &clip))
	return clip.ID
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rr.Body.String())
	}
	return body
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeJSONBody(t, rr)["code"].(string)
	return code
}
