package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/export"
)

func (e *testEnv) buildTimeline(t *testing.T) {
	t.Helper()
	v1 := e.addTrack(t, "V1")
	v2 := e.addTrack(t, "V2")
	e.insertClip(t, v1, "a.mp4", 0, 4, 0)
	e.insertClip(t, v1, "b.mp4", 0, 2, 6)
	e.insertClip(t, v2, "b.mp4", 2, 6, 1)
}

func (e *testEnv) startExport(t *testing.T, name string) export.Job {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/exports", ExportRequest{OutputPath: filepath.Join(e.outDir, name)})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp ExportResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, resp.JobID, resp.Job.ID)
	return resp.Job
}

func waitJob(t *testing.T, env *testEnv, id string) export.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := env.cfg.Exports.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestExport_Completes(t *testing.T) {
	env := newTestEnv(t)
	env.buildTimeline(t)

	job := env.startExport(t, "cut.mp4")
	assert.Equal(t, 8.0, job.Duration)
	assert.Equal(t, filepath.Join(env.outDir, "cut.mp4"), job.OutputPath)

	done := waitJob(t, env, job.ID)
	assert.Equal(t, export.StateCompleted, done.State)

	rr := env.do(t, http.MethodGet, "/exports/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, "completed", body["state"])
	assert.EqualValues(t, 100, body["percent"])

	_, err := os.Stat(filepath.Join(env.outDir, "cut.mp4"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(env.outDir, "cut.mp4.partial"))
	assert.True(t, os.IsNotExist(err))

	rr = env.do(t, http.MethodGet, "/exports", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list JobsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	// cancelling a finished job is a no-op
	rr = env.do(t, http.MethodDelete, "/exports/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "completed", decodeJSONBody(t, rr)["state"])
}

func TestExport_Rejections(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/exports", ExportRequest{OutputPath: filepath.Join(env.outDir, "x.mp4")})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "empty timeline")
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rr))

	env.buildTimeline(t)
	for name, req := range map[string]ExportRequest{
		"missing output":  {},
		"relative output": {OutputPath: "out/x.mp4"},
		"bad container":   {OutputPath: filepath.Join(env.outDir, "x.gif")},
		"missing dir":     {OutputPath: filepath.Join(env.outDir, "nope", "x.mp4")},
	} {
		rr := env.do(t, http.MethodPost, "/exports", req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}

	rr = env.do(t, http.MethodGet, "/exports/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(t, http.MethodDelete, "/exports/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(t, http.MethodGet, "/exports?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExport_BusyAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.buildTimeline(t)
	env.enc.block = true

	job := env.startExport(t, "cut.mp4")
	<-env.enc.started

	rr := env.do(t, http.MethodPost, "/exports", ExportRequest{OutputPath: filepath.Join(env.outDir, "other.mp4")})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "BUSY", errorCode(t, rr))

	rr = env.do(t, http.MethodGet, "/status", nil)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, "exporting", body["state"])
	require.NotNil(t, body["active_export"])

	rr = env.do(t, http.MethodDelete, "/exports/"+job.ID, nil)
	assert.Contains(t, []int{http.StatusAccepted, http.StatusOK}, rr.Code)

	done := waitJob(t, env, job.ID)
	assert.Equal(t, export.StateCancelled, done.State)
	assert.Equal(t, apperr.KindCancelled, done.ErrorKind)

	entries, err := os.ReadDir(env.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled export leaves nothing behind")
}

func TestExport_StoredJobFallback(t *testing.T) {
	env := newTestEnv(t)
	old := export.Job{
		ID:          "old-job",
		State:       export.StateFailed,
		ErrorKind:   apperr.KindInternal,
		ErrorDetail: "interrupted by restart",
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, env.repo.SaveJob(context.Background(), old))

	rr := env.do(t, http.MethodGet, "/exports/old-job", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "failed", decodeJSONBody(t, rr)["state"])

	rr = env.do(t, http.MethodGet, "/status", nil)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, "error", body["state"])
	assert.Equal(t, "interrupted by restart", body["last_error"])
}

func TestExportEvents_StreamEndsWithTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	env.buildTimeline(t)
	env.enc.block = true

	job := env.startExport(t, "cut.mp4")
	<-env.enc.started

	server := httptest.NewServer(env.router)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/exports/" + job.ID + "/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first export.Progress
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, job.ID, first.JobID)
	assert.Equal(t, export.StateRunning, first.State)

	require.NoError(t, env.cfg.Exports.Cancel(job.ID))

	var last export.Progress
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var p export.Progress
		if err := conn.ReadJSON(&p); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = p
	}
	assert.Equal(t, export.StateCancelled, last.State)
}

func TestExportEvents_FinishedJob(t *testing.T) {
	env := newTestEnv(t)
	env.buildTimeline(t)
	job := env.startExport(t, "cut.mp4")
	waitJob(t, env, job.ID)

	server := httptest.NewServer(env.router)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/exports/" + job.ID + "/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var p export.Progress
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, export.StateCompleted, p.State)
	assert.EqualValues(t, 100, p.Percent)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
