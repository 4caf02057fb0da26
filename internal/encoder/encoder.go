// Package encoder is the boundary to the external encoding engine. The
// production implementation drives ffmpeg and ffprobe as subprocesses.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-editor/internal/render"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const (
	maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics
)

// Encoder executes plan operations. Each operation returns the path it
// wrote, or a *Failure when the engine exits non-zero. Cancelling ctx
// stops the engine gracefully and returns an apperr cancelled error.
type Encoder interface {
	Probe(ctx context.Context, path string) (timeline.Media, error)
	Trim(ctx context.Context, op render.Trim, cfg render.ExportConfig, progress ProgressFunc) (string, error)
	Concat(ctx context.Context, op render.Concatenate, cfg render.ExportConfig, progress ProgressFunc) (string, error)
	Overlay(ctx context.Context, op render.Overlay, cfg render.ExportConfig, progress ProgressFunc) (string, error)
	Mux(ctx context.Context, op render.Mux, cfg render.ExportConfig, progress ProgressFunc) (string, error)
}

// Progress is one block of the engine's -progress output.
type Progress struct {
	Frame   int64
	FPS     float64
	OutTime float64 // seconds of output written
	Done    bool
}

// ProgressFunc receives progress updates. It may be nil.
type ProgressFunc func(Progress)

// Failure is a non-zero exit of the engine.
type Failure struct {
	Op         string
	ExitCode   int
	Diagnostic string // stderr tail
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: ffmpeg exited %d: %s", f.Op, f.ExitCode, truncate(f.Diagnostic, 512))
}

// Config holds the encoder's configuration.
type Config struct {
	FFmpegPath    string        // empty = look up "ffmpeg" on PATH
	FFprobePath   string        // empty = look up "ffprobe" on PATH
	Threads       int           // 0 = let ffmpeg decide
	CancelTimeout time.Duration // grace period after SIGINT before kill
	ProbeTimeout  time.Duration
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		CancelTimeout: 5 * time.Second,
		ProbeTimeout:  30 * time.Second,
		Logger:        logger,
	}
}

// Dispatch runs one plan operation against enc.
func Dispatch(ctx context.Context, enc Encoder, op render.Op, cfg render.ExportConfig, progress ProgressFunc) (string, error) {
	switch o := op.(type) {
	case render.Trim:
		return enc.Trim(ctx, o, cfg, progress)
	case render.Concatenate:
		return enc.Concat(ctx, o, cfg, progress)
	case render.Overlay:
		return enc.Overlay(ctx, o, cfg, progress)
	case render.Mux:
		return enc.Mux(ctx, o, cfg, progress)
	default:
		return "", fmt.Errorf("unsupported op %T", op)
	}
}
