package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/render"
)

// FFmpeg is the production Encoder.
type FFmpeg struct {
	cfg     Config
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// New resolves the ffmpeg and ffprobe binaries.
func New(cfg Config) (*FFmpeg, error) {
	ffmpeg, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "encoder")

	logger.Info("encoder initialised", "ffmpeg", ffmpeg, "ffprobe", ffprobe, "threads", cfg.Threads)
	return &FFmpeg{cfg: cfg, ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logger}, nil
}

// Binaries returns the resolved ffmpeg and ffprobe paths.
func (f *FFmpeg) Binaries() (string, string) {
	return f.ffmpeg, f.ffprobe
}

func (f *FFmpeg) Trim(ctx context.Context, op render.Trim, cfg render.ExportConfig, progress ProgressFunc) (string, error) {
	return op.Target, f.run(ctx, "trim", op.Target, trimArgs(op, cfg), progress)
}

func (f *FFmpeg) Concat(ctx context.Context, op render.Concatenate, cfg render.ExportConfig, progress ProgressFunc) (string, error) {
	return op.Target, f.run(ctx, "concatenate", op.Target, concatArgs(op, cfg), progress)
}

func (f *FFmpeg) Overlay(ctx context.Context, op render.Overlay, cfg render.ExportConfig, progress ProgressFunc) (string, error) {
	return op.Target, f.run(ctx, "overlay", op.Target, overlayArgs(op, cfg), progress)
}

func (f *FFmpeg) Mux(ctx context.Context, op render.Mux, cfg render.ExportConfig, progress ProgressFunc) (string, error) {
	return op.Target, f.run(ctx, "mux", op.Target, muxArgs(op, cfg), progress)
}

// run is the core subprocess execution helper. Cancelling ctx sends SIGINT
// so ffmpeg can finalize and exit; after CancelTimeout the process is
// killed.
func (f *FFmpeg) run(ctx context.Context, op, outPath string, args []string, progress ProgressFunc) error {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("cannot create output dir: %w", err)
	}

	base := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}
	if f.cfg.Threads > 0 {
		base = append(base, "-threads", strconv.Itoa(f.cfg.Threads))
	}
	base = append(base, "-progress", "pipe:1", "-nostats")
	cmdArgs := append(base, args...)

	cmd := exec.CommandContext(ctx, f.ffmpeg, cmdArgs...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = f.cfg.CancelTimeout

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot create stdout pipe: %w", err)
	}

	f.logger.Debug("executing ffmpeg", "op", op, "args", f.safeArgs(cmdArgs))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start ffmpeg: %w", err)
	}
	parseProgress(stdout, progress)
	err = cmd.Wait()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		f.logger.Info("ffmpeg cancelled", "op", op, "duration_ms", elapsed.Milliseconds())
		return apperr.Wrap(apperr.KindCancelled, op, ctx.Err())
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		diag := strings.TrimSpace(stderrBuf.String())
		if diag == "" {
			diag = err.Error()
		}
		f.logger.Warn("ffmpeg failed",
			"op", op,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(diag, 512),
		)
		return &Failure{Op: op, ExitCode: exitCode, Diagnostic: diag}
	}

	f.logger.Info("ffmpeg succeeded",
		"op", op,
		"duration_ms", elapsed.Milliseconds(),
		"output", f.safePath(outPath),
	)
	return nil
}

func (f *FFmpeg) safePath(path string) string {
	if f.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

func (f *FFmpeg) safeArgs(args []string) []string {
	if f.cfg.DebugPaths {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		if filepath.IsAbs(a) {
			a = logging.SanitizePath(a)
		}
		out[i] = a
	}
	return out
}

// resolveBinary finds an executable, preferring the configured path.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return p, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
