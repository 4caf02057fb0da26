package render

import (
	"fmt"
	"path/filepath"

	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// artifact is the rendered video/audio of one track.
type artifact struct {
	track  int
	layer  Layer
	muted  bool
	hidden bool
}

// Compile turns a timeline snapshot into a plan. It never fails: an empty
// timeline yields an empty plan and config problems surface when the plan
// is executed.
//
// Tracks that are both hidden and muted emit nothing.
//
// Order: trims per track, one concatenate per multi-clip track, overlays
// from the bottom-most visible track up to index 0, and a final mux.
func Compile(tl *timeline.Timeline, cfg ExportConfig) *Plan {
	plan := &Plan{Config: cfg, Duration: tl.Duration()}
	if tl.Empty() {
		return plan
	}

	var arts []artifact
	for ti, track := range tl.Tracks {
		// nothing would consume its video or audio
		if len(track.Clips) == 0 || (track.Hidden && track.Muted) {
			continue
		}
		segments := make([]Segment, 0, len(track.Clips))
		cursor := track.Clips[0].StartTime
		for ci, c := range track.Clips {
			trim := Trim{
				Track:    ti,
				Clip:     ci,
				ClipID:   c.ID,
				Source:   c.Media.Path,
				In:       c.TrimIn,
				Out:      c.TrimOut,
				HasAudio: c.Media.HasAudio,
				Target:   filepath.Join(cfg.WorkDir, fmt.Sprintf("t%d-c%d.mp4", ti, ci)),
			}
			plan.Ops = append(plan.Ops, trim)
			segments = append(segments, Segment{
				Path:      trim.Target,
				Length:    trim.Duration(),
				GapBefore: nonNegative(c.StartTime - cursor),
			})
			cursor = c.EndTime()
		}

		layer := Layer{
			Path:   segments[0].Path,
			Offset: track.Clips[0].StartTime,
			Length: segments[0].Length,
			Layout: Layout(track.Layout),
		}
		if len(segments) > 1 {
			concat := Concatenate{
				Track:  ti,
				Inputs: segments,
				Target: filepath.Join(cfg.WorkDir, fmt.Sprintf("track%d.mp4", ti)),
			}
			plan.Ops = append(plan.Ops, concat)
			layer.Path = concat.Target
			layer.Length = concat.Duration()
		}
		arts = append(arts, artifact{track: ti, layer: layer, muted: track.Muted, hidden: track.Hidden})
	}

	// bottom-most visible first, index 0 composited last
	var visible []artifact
	for i := len(arts) - 1; i >= 0; i-- {
		if !arts[i].hidden {
			visible = append(visible, arts[i])
		}
	}

	mux := Mux{Length: plan.Duration, Target: cfg.OutputPath}
	if len(visible) > 0 {
		base := visible[0].layer
		for k, top := range visible[1:] {
			ov := Overlay{
				Base:   base,
				Top:    top.layer,
				Length: plan.Duration,
				Target: filepath.Join(cfg.WorkDir, fmt.Sprintf("comp%d.mp4", k)),
			}
			plan.Ops = append(plan.Ops, ov)
			base = Layer{Path: ov.Target, Length: plan.Duration}
		}
		mux.Video = &base
	}
	for _, a := range arts {
		if a.muted {
			continue
		}
		mux.Audio = append(mux.Audio, AudioInput{Track: a.track, Path: a.layer.Path, Offset: a.layer.Offset})
	}
	plan.Ops = append(plan.Ops, mux)
	return plan
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
