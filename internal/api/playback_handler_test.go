package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) playback.State {
	t.Helper()
	var st playback.State
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st), rr.Body.String())
	return st
}

func TestPlayback_Transport(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.addTrack(t, "V1")
	env.insertClip(t, v1, "a.mp4", 0, 8, 0)

	st := decodeState(t, env.do(t, http.MethodGet, "/playback/state", nil))
	assert.False(t, st.IsPlaying)
	assert.Equal(t, 8.0, st.Duration)
	assert.Equal(t, 1.0, st.Volume)

	st = decodeState(t, env.do(t, http.MethodPost, "/playback/seek", map[string]float64{"time": 3}))
	assert.Equal(t, 3.0, st.CurrentTime)

	// seeks past the end clamp to the duration
	st = decodeState(t, env.do(t, http.MethodPost, "/playback/seek", map[string]float64{"time": 50}))
	assert.Equal(t, 8.0, st.CurrentTime)

	st = decodeState(t, env.do(t, http.MethodPost, "/playback/play", nil))
	assert.True(t, st.IsPlaying)
	assert.Equal(t, 0.0, st.CurrentTime, "play from the end restarts")

	st = decodeState(t, env.do(t, http.MethodPost, "/playback/pause", nil))
	assert.False(t, st.IsPlaying)

	st = decodeState(t, env.do(t, http.MethodPost, "/playback/volume", map[string]float64{"volume": 0.25}))
	assert.Equal(t, 0.25, st.Volume)
}

func TestPlayback_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/playback/seek", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/playback/volume", map[string]float64{"volume": 1.5})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/playback/volume", map[string]float64{"volume": -0.1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPlayback_EmptyTimelineDoesNotPlay(t *testing.T) {
	env := newTestEnv(t)

	st := decodeState(t, env.do(t, http.MethodPost, "/playback/play", nil))
	assert.False(t, st.IsPlaying)
	assert.Equal(t, 0.0, st.Duration)
}

func TestPlaybackFile_Range(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.addTrack(t, "V1")
	clipID := env.insertClip(t, v1, "a.mp4", 0, 5, 0)

	req := httptest.NewRequest(http.MethodGet, "/playback/file?clip_id="+clipID+"&token="+testToken, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Range", "bytes=4-7")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "bytes 4-7/16", rr.Header().Get("Content-Range"))
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "4567", rr.Body.String())
}

func TestPlaybackFile_HEADHasNoBody(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.addTrack(t, "V1")
	clipID := env.insertClip(t, v1, "a.mp4", 0, 5, 0)

	server := httptest.NewServer(env.router)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodHead, server.URL+"/playback/file?clip_id="+clipID, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "16", resp.Header.Get("Content-Length"))
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestPlaybackFile_OnlyTimelineClips(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.addTrack(t, "V1")
	clipID := env.insertClip(t, v1, "a.mp4", 0, 5, 0)

	rr := env.do(t, http.MethodGet, "/playback/file", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/playback/file?clip_id=../../etc/passwd", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, env.cfg.Session.Edit("mark_missing", func(tl *timeline.Timeline) error {
		tl.MarkMissing(env.sources["a.mp4"], true)
		return nil
	}))
	rr = env.do(t, http.MethodGet, "/playback/file?clip_id="+clipID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SOURCE_MISSING", errorCode(t, rr))
}
