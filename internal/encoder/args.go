package encoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-editor/internal/render"
)

const (
	audioRate   = 48000
	audioLayout = "stereo"
)

func secs(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func fps(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func millis(v float64) string {
	return strconv.FormatInt(int64(v*1000+0.5), 10)
}

// videoCodecArgs are the encode settings shared by every op.
func videoCodecArgs(cfg render.ExportConfig) []string {
	args := []string{"-c:v", cfg.Codec}
	if cfg.Preset != "" {
		args = append(args, "-preset", cfg.Preset)
	}
	args = append(args, "-crf", strconv.Itoa(cfg.CRF), "-pix_fmt", "yuv420p", "-r", fps(cfg.FrameRate))
	return args
}

func audioCodecArgs(cfg render.ExportConfig) []string {
	return []string{"-c:a", cfg.AudioCodec, "-ar", strconv.Itoa(audioRate), "-ac", "2"}
}

// normalize scales into the export frame, letterboxing to keep aspect.
func normalize(cfg render.ExportConfig) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%s",
		cfg.Width, cfg.Height, cfg.Width, cfg.Height, fps(cfg.FrameRate))
}

func silence() string {
	return fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", audioLayout, audioRate)
}

func canvas(cfg render.ExportConfig, length float64) string {
	return fmt.Sprintf("color=c=black:s=%dx%d:r=%s:d=%s", cfg.Width, cfg.Height, fps(cfg.FrameRate), secs(length))
}

// trimArgs cuts [In, Out) from the source and normalizes it to the export
// format with a guaranteed stereo audio stream.
func trimArgs(op render.Trim, cfg render.ExportConfig) []string {
	d := op.Duration()
	args := []string{"-ss", secs(op.In), "-t", secs(d), "-i", op.Source}
	audioMap := "0:a:0"
	if !op.HasAudio {
		args = append(args, "-f", "lavfi", "-t", secs(d), "-i", silence())
		audioMap = "1:a:0"
	}
	args = append(args, "-vf", normalize(cfg), "-map", "0:v:0", "-map", audioMap)
	args = append(args, videoCodecArgs(cfg)...)
	args = append(args, audioCodecArgs(cfg)...)
	return append(args, "-t", secs(d), op.Target)
}

// concatArgs joins segments, padding each gap with black frames and
// silence.
func concatArgs(op render.Concatenate, cfg render.ExportConfig) []string {
	var args []string
	var graph []string
	var pads strings.Builder
	for i, s := range op.Inputs {
		args = append(args, "-i", s.Path)
		v := fmt.Sprintf("[%d:v]setpts=PTS-STARTPTS", i)
		a := fmt.Sprintf("[%d:a]asetpts=PTS-STARTPTS", i)
		if s.GapBefore > 0 {
			v += ",tpad=start_duration=" + secs(s.GapBefore) + ":color=black"
			a += ",adelay=delays=" + millis(s.GapBefore) + ":all=1"
		}
		graph = append(graph, fmt.Sprintf("%s[v%d]", v, i), fmt.Sprintf("%s[a%d]", a, i))
		fmt.Fprintf(&pads, "[v%d][a%d]", i, i)
	}
	graph = append(graph, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[v][a]", pads.String(), len(op.Inputs)))

	args = append(args, "-filter_complex", strings.Join(graph, ";"), "-map", "[v]", "-map", "[a]")
	args = append(args, videoCodecArgs(cfg)...)
	args = append(args, audioCodecArgs(cfg)...)
	return append(args, "-t", secs(op.Duration()), op.Target)
}

// layerFilter places input idx on the canvas label in, producing out.
func layerFilter(idx int, l render.Layer, cfg render.ExportConfig, in, out string) []string {
	w, h, x, y := cfg.Width, cfg.Height, 0, 0
	if !l.Layout.FullFrame() {
		w, h, x, y = l.Layout.Width, l.Layout.Height, l.Layout.X, l.Layout.Y
	}
	src := fmt.Sprintf("[%d:v]scale=%d:%d,setsar=1,setpts=PTS-STARTPTS+%s/TB[l%d]", idx, even(w), even(h), secs(l.Offset), idx)
	enable := ""
	if l.Length > 0 {
		enable = fmt.Sprintf(":enable='between(t,%s,%s)'", secs(l.Offset), secs(l.Offset+l.Length))
	}
	return []string{
		src,
		fmt.Sprintf("[%s][l%d]overlay=x=%d:y=%d:eof_action=pass%s[%s]", in, idx, x, y, enable, out),
	}
}

// overlayArgs composites Top over Base on a black canvas. The output is
// video only; audio is mixed at mux time.
func overlayArgs(op render.Overlay, cfg render.ExportConfig) []string {
	args := []string{"-f", "lavfi", "-i", canvas(cfg, op.Length), "-i", op.Base.Path, "-i", op.Top.Path}
	graph := append(layerFilter(1, op.Base, cfg, "0:v", "b"), layerFilter(2, op.Top, cfg, "b", "v")...)
	args = append(args, "-filter_complex", strings.Join(graph, ";"), "-map", "[v]", "-an")
	args = append(args, videoCodecArgs(cfg)...)
	return append(args, "-t", secs(op.Length), op.Target)
}

// muxArgs writes the final file: video (or black) plus every unmuted
// track's audio delayed to its offset and mixed.
func muxArgs(op render.Mux, cfg render.ExportConfig) []string {
	var args, graph []string
	next := 0
	input := func(a ...string) int {
		args = append(args, a...)
		next++
		return next - 1
	}

	videoMap := ""
	switch {
	case op.Video == nil:
		idx := input("-f", "lavfi", "-i", canvas(cfg, op.Length))
		videoMap = fmt.Sprintf("%d:v", idx)
	case op.Video.Offset == 0 && op.Video.Layout.FullFrame():
		idx := input("-i", op.Video.Path)
		graph = append(graph, fmt.Sprintf("[%d:v]tpad=stop_mode=add:stop_duration=%s:color=black[v]", idx, secs(op.Length)))
		videoMap = "[v]"
	default:
		bg := input("-f", "lavfi", "-i", canvas(cfg, op.Length))
		idx := input("-i", op.Video.Path)
		graph = append(graph, layerFilter(idx, *op.Video, cfg, fmt.Sprintf("%d:v", bg), "v")...)
		videoMap = "[v]"
	}

	audioMap := ""
	switch len(op.Audio) {
	case 0:
		idx := input("-f", "lavfi", "-t", secs(op.Length), "-i", silence())
		audioMap = fmt.Sprintf("%d:a", idx)
	default:
		var mix strings.Builder
		for i, a := range op.Audio {
			idx := input("-i", a.Path)
			f := fmt.Sprintf("[%d:a]asetpts=PTS-STARTPTS", idx)
			if a.Offset > 0 {
				f += ",adelay=delays=" + millis(a.Offset) + ":all=1"
			}
			graph = append(graph, fmt.Sprintf("%s[a%d]", f, i))
			fmt.Fprintf(&mix, "[a%d]", i)
		}
		graph = append(graph, fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=0[a]", mix.String(), len(op.Audio)))
		audioMap = "[a]"
	}

	if len(graph) > 0 {
		args = append(args, "-filter_complex", strings.Join(graph, ";"))
	}
	args = append(args, "-map", videoMap, "-map", audioMap)
	args = append(args, videoCodecArgs(cfg)...)
	args = append(args, audioCodecArgs(cfg)...)
	muxer := muxerFor(cfg.OutputPath)
	if muxer == "mp4" || muxer == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	if muxer != "" {
		// the target may carry a temporary suffix, so name the container
		args = append(args, "-f", muxer)
	}
	return append(args, "-t", secs(op.Length), op.Target)
}

func muxerFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "mp4"
	case ".mov":
		return "mov"
	case ".mkv":
		return "matroska"
	default:
		return ""
	}
}

func even(v int) int {
	if v%2 != 0 {
		return v + 1
	}
	return v
}
