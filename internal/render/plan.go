// Package render compiles a timeline snapshot into an ordered list of
// encoder operations. Compilation is pure: the same snapshot and config
// always produce the same plan.
package render

import (
	"encoding/json"
	"path/filepath"

	"github.com/heimdex/heimdex-editor/internal/apperr"
)

// OpKind names an encoder operation.
type OpKind string

const (
	OpTrim        OpKind = "trim"
	OpConcatenate OpKind = "concatenate"
	OpOverlay     OpKind = "overlay"
	OpMux         OpKind = "mux"
)

// Op is one step of a plan.
type Op interface {
	Kind() OpKind
	// Output is the absolute path the step writes.
	Output() string
	// Duration is the length of the step's output in seconds.
	Duration() float64
}

// Layout mirrors timeline.Layout so plans stay self-contained.
type Layout struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FullFrame reports whether the layer covers the whole canvas.
func (l Layout) FullFrame() bool {
	return l == Layout{}
}

// Layer is a rendered artifact positioned in time and space.
type Layer struct {
	Path   string  `json:"path"`
	Offset float64 `json:"offset"`
	Length float64 `json:"length"`
	Layout Layout  `json:"layout"`
}

// Trim cuts [In, Out) out of a source and normalizes it to the export
// format, adding a silent track when the source has no audio.
type Trim struct {
	Track    int     `json:"track"`
	Clip     int     `json:"clip"`
	ClipID   string  `json:"clip_id"`
	Source   string  `json:"source"`
	In       float64 `json:"in"`
	Out      float64 `json:"out"`
	HasAudio bool    `json:"has_audio"`
	Target   string  `json:"output"`
}

func (t Trim) Kind() OpKind      { return OpTrim }
func (t Trim) Output() string    { return t.Target }
func (t Trim) Duration() float64 { return t.Out - t.In }

// Segment is one input of a Concatenate. GapBefore seconds of black and
// silence precede it.
type Segment struct {
	Path      string  `json:"path"`
	Length    float64 `json:"length"`
	GapBefore float64 `json:"gap_before"`
}

// Concatenate joins a track's trimmed clips in start order.
type Concatenate struct {
	Track  int       `json:"track"`
	Inputs []Segment `json:"inputs"`
	Target string    `json:"output"`
}

func (c Concatenate) Kind() OpKind   { return OpConcatenate }
func (c Concatenate) Output() string { return c.Target }
func (c Concatenate) Duration() float64 {
	d := 0.0
	for _, s := range c.Inputs {
		d += s.GapBefore + s.Length
	}
	return d
}

// Overlay composites Top over Base on a black canvas of the export size.
type Overlay struct {
	Base   Layer   `json:"base"`
	Top    Layer   `json:"top"`
	Length float64 `json:"length"`
	Target string  `json:"output"`
}

func (o Overlay) Kind() OpKind      { return OpOverlay }
func (o Overlay) Output() string    { return o.Target }
func (o Overlay) Duration() float64 { return o.Length }

// AudioInput is the audio of one unmuted track.
type AudioInput struct {
	Track  int     `json:"track"`
	Path   string  `json:"path"`
	Offset float64 `json:"offset"`
}

// Mux combines the final video with every unmuted track's audio into the
// output file. A nil Video renders a black canvas.
type Mux struct {
	Video  *Layer       `json:"video,omitempty"`
	Audio  []AudioInput `json:"audio"`
	Length float64      `json:"length"`
	Target string       `json:"output"`
}

func (m Mux) Kind() OpKind      { return OpMux }
func (m Mux) Output() string    { return m.Target }
func (m Mux) Duration() float64 { return m.Length }

// ExportConfig is the value snapshot of output settings taken when an
// export starts.
type ExportConfig struct {
	OutputPath string  `json:"output_path" yaml:"output_path"`
	Width      int     `json:"width" yaml:"width"`
	Height     int     `json:"height" yaml:"height"`
	FrameRate  float64 `json:"frame_rate" yaml:"frame_rate"`
	Codec      string  `json:"codec" yaml:"codec"`
	Preset     string  `json:"preset" yaml:"preset"`
	CRF        int     `json:"crf" yaml:"crf"`
	AudioCodec string  `json:"audio_codec" yaml:"audio_codec"`
	// WorkDir holds intermediates. It is owned by the export job.
	WorkDir string `json:"work_dir,omitempty" yaml:"-"`
}

// DefaultExportConfig returns 1080p30 H.264 settings.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Width:      1920,
		Height:     1080,
		FrameRate:  30,
		Codec:      "libx264",
		Preset:     "medium",
		CRF:        23,
		AudioCodec: "aac",
	}
}

// WithDefaults fills unset fields from DefaultExportConfig.
func (c ExportConfig) WithDefaults() ExportConfig {
	d := DefaultExportConfig()
	if c.Width == 0 {
		c.Width = d.Width
	}
	if c.Height == 0 {
		c.Height = d.Height
	}
	if c.FrameRate == 0 {
		c.FrameRate = d.FrameRate
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.Preset == "" {
		c.Preset = d.Preset
	}
	if c.CRF == 0 {
		c.CRF = d.CRF
	}
	if c.AudioCodec == "" {
		c.AudioCodec = d.AudioCodec
	}
	return c
}

// Validate checks the settings an encoder needs.
func (c ExportConfig) Validate() error {
	const op = "export_config"
	switch {
	case c.OutputPath == "" || !filepath.IsAbs(c.OutputPath):
		return apperr.Validationf(op, "output path must be absolute")
	case c.WorkDir == "" || !filepath.IsAbs(c.WorkDir):
		return apperr.Validationf(op, "work dir must be absolute")
	case c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0:
		return apperr.Validationf(op, "resolution %dx%d must be positive and even", c.Width, c.Height)
	case c.FrameRate <= 0 || c.FrameRate > 240:
		return apperr.Validationf(op, "frame rate %.3f out of range", c.FrameRate)
	case c.Codec == "":
		return apperr.Validationf(op, "codec is required")
	case c.CRF < 0 || c.CRF > 51:
		return apperr.Validationf(op, "crf %d out of range [0, 51]", c.CRF)
	}
	return nil
}

// Plan is an immutable, ordered list of operations.
type Plan struct {
	Ops      []Op
	Config   ExportConfig
	Duration float64
}

// Empty reports whether there is nothing to render.
func (p *Plan) Empty() bool {
	return len(p.Ops) == 0
}

// Output is the final file the plan produces.
func (p *Plan) Output() string {
	return p.Config.OutputPath
}

// Temporaries lists every intermediate file, i.e. all outputs except the
// final one.
func (p *Plan) Temporaries() []string {
	var out []string
	for _, op := range p.Ops {
		if op.Output() != p.Config.OutputPath {
			out = append(out, op.Output())
		}
	}
	return out
}

// TotalFrames estimates the frames the encoder writes over all ops.
func (p *Plan) TotalFrames() int64 {
	var n int64
	for _, op := range p.Ops {
		n += FramesFor(op.Duration(), p.Config.FrameRate)
	}
	return n
}

// FramesFor converts a duration into whole frames.
func FramesFor(seconds, fps float64) int64 {
	if seconds <= 0 || fps <= 0 {
		return 0
	}
	return int64(seconds*fps + 0.5)
}

type planStep struct {
	Kind OpKind `json:"kind"`
	Op   Op     `json:"op"`
}

// MarshalJSON renders the plan for the plan command and the API.
func (p *Plan) MarshalJSON() ([]byte, error) {
	steps := make([]planStep, len(p.Ops))
	for i, op := range p.Ops {
		steps[i] = planStep{Kind: op.Kind(), Op: op}
	}
	return json.Marshal(struct {
		Ops      []planStep   `json:"ops"`
		Config   ExportConfig `json:"config"`
		Duration float64      `json:"duration"`
	}{steps, p.Config, p.Duration})
}
