package resolve

import (
	"testing"

	"github.com/heimdex/heimdex-editor/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func media(path string) timeline.Media {
	return timeline.Media{Path: path, Duration: 30, Width: 1280, Height: 720, FrameRate: 25, Codec: "h264", HasAudio: true}
}

// two tracks: v1 has A[0,5) B[5,10); v2 has C[2,4) with trim 3..5 and D[12,14)
func fixture(t *testing.T) (*timeline.Timeline, map[string]*timeline.Clip) {
	t.Helper()
	tl := timeline.New()
	v1 := tl.AddTrack("v1")
	v2 := tl.AddTrack("v2")
	clips := map[string]*timeline.Clip{}
	add := func(name, track string, in, out, start float64) {
		c, err := tl.InsertClip(track, media("/"+name+".mp4"), in, out, start)
		require.NoError(t, err)
		clips[name] = c
	}
	add("A", v1.ID, 0, 5, 0)
	add("B", v1.ID, 10, 15, 5)
	add("C", v2.ID, 3, 5, 2)
	add("D", v2.ID, 0, 2, 12)
	return tl, clips
}

func TestAt_HardCutPrefersExactContainment(t *testing.T) {
	tl, clips := fixture(t)

	tests := []struct {
		name      string
		t         float64
		wantClip  string
		wantLocal float64
	}{
		{"start of A", 0, "A", 0},
		{"inside A", 2.5, "A", 2.5},
		{"just before cut", 4.99, "A", 4.99},
		{"exactly at cut", 5, "B", 0},
		{"inside B", 7, "B", 2},
		{"within epsilon after end of B", 10.03, "B", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := At(tl, tt.t)
			a, ok := got[tl.Tracks[0].ID]
			require.True(t, ok)
			assert.Equal(t, clips[tt.wantClip].ID, a.Clip.ID)
			assert.InDelta(t, tt.wantLocal, a.LocalTime, 1e-9)
		})
	}
}

func TestAt_EpsilonBeforeStart(t *testing.T) {
	tl, clips := fixture(t)

	got := At(tl, 1.97)
	a, ok := got[tl.Tracks[1].ID]
	require.True(t, ok)
	assert.Equal(t, clips["C"].ID, a.Clip.ID)
	assert.Zero(t, a.LocalTime, "local time is clamped at 0")
	assert.InDelta(t, 3.0, a.SourceTime(), 1e-9)
}

func TestAt_GapAndOutOfRange(t *testing.T) {
	tl, _ := fixture(t)

	got := At(tl, 11)
	assert.Empty(t, got)

	assert.Empty(t, At(tl, 100))
	assert.Empty(t, At(tl, -1))
}

func TestAt_AtMostOneClipPerTrackWithLocalTimeInRange(t *testing.T) {
	tl, _ := fixture(t)

	for ts := -0.1; ts < 15; ts += 0.01 {
		got := At(tl, ts)
		assert.LessOrEqual(t, len(got), len(tl.Tracks))
		for _, a := range got {
			assert.GreaterOrEqual(t, a.LocalTime, 0.0)
			assert.LessOrEqual(t, a.LocalTime, a.Clip.Duration())
		}
	}
}

func TestAt_SourceTimeIncludesTrimIn(t *testing.T) {
	tl, _ := fixture(t)

	a := At(tl, 6)[tl.Tracks[0].ID]
	assert.InDelta(t, 11.0, a.SourceTime(), 1e-9)
}

func TestStack_SkipsHiddenAndOrdersTopFirst(t *testing.T) {
	tl, clips := fixture(t)

	stack := Stack(tl, 3)
	require.Len(t, stack, 2)
	assert.Equal(t, clips["A"].ID, stack[0].Clip.ID)
	assert.Equal(t, clips["C"].ID, stack[1].Clip.ID)

	tl.Tracks[0].Hidden = true
	stack = Stack(tl, 3)
	require.Len(t, stack, 1)
	assert.Equal(t, clips["C"].ID, stack[0].Clip.ID)
}

func TestFindNext(t *testing.T) {
	tl, clips := fixture(t)

	n, ok := FindNext(tl, 10)
	require.True(t, ok)
	assert.Equal(t, clips["D"].ID, n.Clip.ID)

	n, ok = FindNext(tl, 0)
	require.True(t, ok)
	assert.Equal(t, clips["C"].ID, n.Clip.ID)

	_, ok = FindNext(tl, 12)
	assert.False(t, ok)
}

func TestFindNext_TieGoesToLowerTrackIndex(t *testing.T) {
	tl := timeline.New()
	v1 := tl.AddTrack("v1")
	v2 := tl.AddTrack("v2")
	_, _ = tl.InsertClip(v2.ID, media("/x.mp4"), 0, 1, 4)
	top, _ := tl.InsertClip(v1.ID, media("/y.mp4"), 0, 1, 4)

	n, ok := FindNext(tl, 1)
	require.True(t, ok)
	assert.Equal(t, top.ID, n.Clip.ID)
	assert.Equal(t, 0, n.TrackIndex)
}
