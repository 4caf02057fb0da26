// Package resolve answers "what is on screen at time t" for a timeline
// snapshot. Every function is pure in (snapshot, t).
package resolve

import (
	"math"

	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// Epsilon is the boundary tolerance in seconds. Float drift in reported
// element positions must not make a clip flicker out at its edges.
const Epsilon = 0.05

// Active is one clip resolved at a timeline instant.
type Active struct {
	TrackID    string
	TrackIndex int
	Clip       *timeline.Clip
	// LocalTime is the offset into the clip, clamped to [0, clip duration].
	LocalTime float64
}

// SourceTime is the position inside the source media file.
func (a Active) SourceTime() float64 {
	return a.Clip.TrimIn + a.LocalTime
}

// At resolves, per track, the clip whose [start-Epsilon, end+Epsilon)
// window contains t. Exact containment wins; otherwise the nearest match
// wins. Tracks with nothing at t are absent from the result.
func At(tl *timeline.Timeline, t float64) map[string]Active {
	out := make(map[string]Active, len(tl.Tracks))
	for i, track := range tl.Tracks {
		if a, ok := onTrack(track, i, t); ok {
			out[track.ID] = a
		}
	}
	return out
}

// Stack returns the active clips of visible tracks in compositing order:
// index 0 (top) first.
func Stack(tl *timeline.Timeline, t float64) []Active {
	var out []Active
	for i, track := range tl.Tracks {
		if track.Hidden {
			continue
		}
		if a, ok := onTrack(track, i, t); ok {
			out = append(out, a)
		}
	}
	return out
}

// Next is the result of FindNext.
type Next struct {
	TrackID    string
	TrackIndex int
	Clip       *timeline.Clip
}

// FindNext returns the earliest clip starting strictly after t. Ties go to
// the lower track index.
func FindNext(tl *timeline.Timeline, t float64) (Next, bool) {
	var best Next
	found := false
	for i, track := range tl.Tracks {
		for _, c := range track.Clips {
			if c.StartTime <= t {
				continue
			}
			if !found || c.StartTime < best.Clip.StartTime {
				best = Next{TrackID: track.ID, TrackIndex: i, Clip: c}
				found = true
			}
			// clips are sorted, the first hit is this track's earliest
			break
		}
	}
	return best, found
}

func onTrack(track *timeline.Track, index int, t float64) (Active, bool) {
	var (
		best     *timeline.Clip
		bestDist = math.Inf(1)
	)
	for _, c := range track.Clips {
		start, end := c.StartTime, c.EndTime()
		if t >= start && t < end {
			best = c
			break
		}
		if t >= start-Epsilon && t < end+Epsilon {
			d := math.Min(math.Abs(t-start), math.Abs(t-end))
			if d < bestDist {
				best, bestDist = c, d
			}
		}
	}
	if best == nil {
		return Active{}, false
	}
	local := math.Max(0, math.Min(t-best.StartTime, best.Duration()))
	return Active{TrackID: track.ID, TrackIndex: index, Clip: best, LocalTime: local}, true
}
