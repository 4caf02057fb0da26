package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Capabilities describes the installed engine.
type Capabilities struct {
	FFmpegVersion string          `json:"ffmpeg_version"`
	FFprobe       bool            `json:"ffprobe"`
	Encoders      map[string]bool `json:"encoders"`
	ProbedAt      time.Time       `json:"probed_at"`
}

// HasEncoder reports whether ffmpeg was built with the named encoder.
func (c *Capabilities) HasEncoder(name string) bool {
	return c != nil && c.Encoders[name]
}

// Doctor probes engine capabilities.
type Doctor interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// RunDoctor runs `ffmpeg -version` and `ffmpeg -encoders`.
func (f *FFmpeg) RunDoctor(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.ffmpeg, "-hide_banner", "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -version: %w", err)
	}
	caps := &Capabilities{FFmpegVersion: parseVersion(out)}

	out, err = exec.CommandContext(ctx, f.ffmpeg, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	caps.Encoders = parseEncoders(out)

	caps.FFprobe = exec.CommandContext(ctx, f.ffprobe, "-hide_banner", "-version").Run() == nil
	caps.ProbedAt = time.Now()

	f.logger.Info("doctor probe complete",
		"ffmpeg_version", caps.FFmpegVersion,
		"ffprobe", caps.FFprobe,
		"encoders", len(caps.Encoders),
	)
	return caps, nil
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out []byte) string {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	fields := strings.Fields(string(line))
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// parseEncoders reads the table printed by `ffmpeg -encoders`:
//
//	V..... libx264              libx264 H.264 / AVC ...
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	started := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !started {
			started = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && len(fields[0]) == 6 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// CachedDoctor caches doctor probe results with a configurable TTL so the
// status endpoint does not spawn ffmpeg on every request.
type CachedDoctor struct {
	doctor Doctor
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(doctor Doctor, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{
		doctor: doctor,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the cached capabilities without probing.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new doctor probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.doctor.RunDoctor(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		// Return stale cache if available
		if d.cached != nil {
			d.logger.Info("returning stale capabilities cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}
