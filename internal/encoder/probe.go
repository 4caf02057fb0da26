package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// probeResult matches ffprobe JSON output structure
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// Probe reads container and stream metadata. The result is complete or
// the call fails with a probe error.
func (f *FFmpeg) Probe(ctx context.Context, path string) (timeline.Media, error) {
	info, err := os.Stat(path)
	if err != nil {
		return timeline.Media{}, apperr.Wrap(apperr.KindProbe, "probe", err)
	}
	if !info.Mode().IsRegular() {
		return timeline.Media{}, apperr.New(apperr.KindProbe, "probe", "not a regular file")
	}

	if f.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		f.logger.Warn("ffprobe failed", "path", f.safePath(path), "exit_code", exitCode, "stderr_tail", truncate(diag, 512))
		return timeline.Media{}, &apperr.Error{
			Kind:   apperr.KindProbe,
			Op:     "probe",
			Detail: truncate(diag, 512),
			Err:    &Failure{Op: "probe", ExitCode: exitCode, Diagnostic: diag},
		}
	}

	media, err := parseProbe(path, output)
	if err != nil {
		return timeline.Media{}, err
	}
	if media.SizeBytes == 0 {
		media.SizeBytes = info.Size()
	}
	return media, nil
}

// parseProbe converts ffprobe JSON into Media, rejecting anything
// incomplete.
func parseProbe(path string, data []byte) (timeline.Media, error) {
	var probe probeResult
	if err := json.Unmarshal(data, &probe); err != nil {
		return timeline.Media{}, apperr.Wrap(apperr.KindProbe, "probe", fmt.Errorf("cannot parse ffprobe output: %w", err))
	}

	m := timeline.Media{Path: path}
	if v, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		m.Duration = v
	}
	if v, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
		m.SizeBytes = v
	}

	videoFound := false
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if videoFound {
				continue
			}
			videoFound = true
			m.Width = s.Width
			m.Height = s.Height
			m.Codec = s.CodecName
			m.FrameRate = parseFrameRate(s.AvgFrameRate)
			if m.FrameRate == 0 {
				m.FrameRate = parseFrameRate(s.RFrameRate)
			}
			if m.Duration == 0 {
				if v, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					m.Duration = v
				}
			}
		case "audio":
			m.HasAudio = true
		}
	}

	if !videoFound {
		return timeline.Media{}, apperr.New(apperr.KindProbe, "probe", "no video stream")
	}
	var missing []string
	if m.Duration <= 0 {
		missing = append(missing, "duration")
	}
	if m.Width <= 0 || m.Height <= 0 {
		missing = append(missing, "dimensions")
	}
	if m.FrameRate <= 0 {
		missing = append(missing, "frame_rate")
	}
	if m.Codec == "" {
		missing = append(missing, "codec")
	}
	if len(missing) > 0 {
		return timeline.Media{}, apperr.New(apperr.KindProbe, "probe", "incomplete metadata: missing "+strings.Join(missing, ", "))
	}
	return m, nil
}

// parseFrameRate parses "30000/1001" or "25" style rates.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
