package api

import (
	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/render"
	"github.com/heimdex/heimdex-editor/internal/resolve"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State        string                `json:"state"`
	LastError    string                `json:"last_error,omitempty"`
	MediaCount   int                   `json:"media_count"`
	Tracks       int                   `json:"tracks"`
	Duration     float64               `json:"duration"`
	Version      uint64                `json:"timeline_version"`
	ActiveExport *export.Job           `json:"active_export,omitempty"`
	Playback     *playback.State       `json:"playback,omitempty"`
	Encoder      *encoder.Capabilities `json:"encoder,omitempty"`
	Clients      int                   `json:"playback_clients"`
}

type ProbeRequest struct {
	Paths []string `json:"paths"`
}

type ProbeResponse struct {
	Results []catalog.IngestResult `json:"results"`
}

type TimelineResponse struct {
	Version  uint64            `json:"version"`
	Duration float64           `json:"duration"`
	Tracks   []*timeline.Track `json:"tracks"`
	Missing  int               `json:"missing_clips"`
}

type AddTrackRequest struct {
	Name string `json:"name,omitempty"`
}

// UpdateTrackRequest changes only the fields that are present.
type UpdateTrackRequest struct {
	Muted  *bool            `json:"muted,omitempty"`
	Hidden *bool            `json:"hidden,omitempty"`
	Layout *timeline.Layout `json:"layout,omitempty"`
	Index  *int             `json:"index,omitempty"`
}

type InsertClipRequest struct {
	Path      string   `json:"path"`
	TrimIn    float64  `json:"trim_in"`
	TrimOut   *float64 `json:"trim_out,omitempty"`
	StartTime float64  `json:"start_time"`
}

// UpdateClipRequest moves and/or trims a clip. Moving with only TrackID
// keeps the current start.
type UpdateClipRequest struct {
	TrackID   string   `json:"track_id,omitempty"`
	StartTime *float64 `json:"start_time,omitempty"`
	TrimIn    *float64 `json:"trim_in,omitempty"`
	TrimOut   *float64 `json:"trim_out,omitempty"`
}

type ResolvedClip struct {
	TrackID    string  `json:"track_id"`
	TrackIndex int     `json:"track_index"`
	ClipID     string  `json:"clip_id"`
	Path       string  `json:"path"`
	LocalTime  float64 `json:"local_time"`
	SourceTime float64 `json:"source_time"`
	Hidden     bool    `json:"hidden,omitempty"`
	Muted      bool    `json:"muted,omitempty"`
}

type NextClip struct {
	TrackID   string  `json:"track_id"`
	ClipID    string  `json:"clip_id"`
	StartTime float64 `json:"start_time"`
}

type ResolveResponse struct {
	Time   float64        `json:"time"`
	Active []ResolvedClip `json:"active"`
	Next   *NextClip      `json:"next,omitempty"`
}

type SeekRequest struct {
	Time *float64 `json:"time"`
}

type VolumeRequest struct {
	Volume *float64 `json:"volume"`
}

// ExportRequest carries output settings. Zero fields fall back to the
// configured defaults.
type ExportRequest struct {
	OutputPath string  `json:"output_path"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  float64 `json:"frame_rate,omitempty"`
	Codec      string  `json:"codec,omitempty"`
	Preset     string  `json:"preset,omitempty"`
	CRF        int     `json:"crf,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
}

type ExportResponse struct {
	JobID string     `json:"job_id"`
	Job   export.Job `json:"job"`
}

type JobsResponse struct {
	Jobs []export.Job `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func TimelineToResponse(tl *timeline.Timeline, version uint64) TimelineResponse {
	tracks := tl.Tracks
	if tracks == nil {
		tracks = []*timeline.Track{}
	}
	return TimelineResponse{
		Version:  version,
		Duration: tl.Duration(),
		Tracks:   tracks,
		Missing:  len(tl.MissingClips()),
	}
}

func ResolveToResponse(tl *timeline.Timeline, t float64) ResolveResponse {
	resp := ResolveResponse{Time: t, Active: []ResolvedClip{}}
	byID := resolve.At(tl, t)
	for i, track := range tl.Tracks {
		a, ok := byID[track.ID]
		if !ok {
			continue
		}
		resp.Active = append(resp.Active, ResolvedClip{
			TrackID:    a.TrackID,
			TrackIndex: i,
			ClipID:     a.Clip.ID,
			Path:       a.Clip.Media.Path,
			LocalTime:  a.LocalTime,
			SourceTime: a.SourceTime(),
			Hidden:     track.Hidden,
			Muted:      track.Muted,
		})
	}
	if n, ok := resolve.FindNext(tl, t); ok {
		resp.Next = &NextClip{TrackID: n.TrackID, ClipID: n.Clip.ID, StartTime: n.Clip.StartTime}
	}
	return resp
}

// apply overlays the request onto the defaults.
func (r ExportRequest) apply(defaults render.ExportConfig) render.ExportConfig {
	cfg := defaults
	cfg.OutputPath = r.OutputPath
	if r.Width != 0 {
		cfg.Width = r.Width
	}
	if r.Height != 0 {
		cfg.Height = r.Height
	}
	if r.FrameRate != 0 {
		cfg.FrameRate = r.FrameRate
	}
	if r.Codec != "" {
		cfg.Codec = r.Codec
	}
	if r.Preset != "" {
		cfg.Preset = r.Preset
	}
	if r.CRF != 0 {
		cfg.CRF = r.CRF
	}
	if r.AudioCodec != "" {
		cfg.AudioCodec = r.AudioCodec
	}
	return cfg
}
