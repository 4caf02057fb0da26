// Package config provides configuration management for the Heimdex editor.
// Values come from defaults, then an optional YAML file, then environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heimdex/heimdex-editor/internal/render"
)

const (
	// Default values
	DefaultPort          = 8787
	DefaultLogLevel      = "info"
	DefaultDataDir       = ".heimdex-editor"
	DefaultCancelTimeout = 5 * time.Second
	DefaultProbeWorkers  = 4

	// Environment variable names
	EnvConfigFile    = "HEIMDEX_EDITOR_CONFIG"
	EnvPort          = "HEIMDEX_EDITOR_PORT"
	EnvLogLevel      = "HEIMDEX_EDITOR_LOG_LEVEL"
	EnvDataDir       = "HEIMDEX_EDITOR_DATA_DIR"
	EnvFFmpeg        = "HEIMDEX_EDITOR_FFMPEG"
	EnvFFprobe       = "HEIMDEX_EDITOR_FFPROBE"
	EnvCancelTimeout = "HEIMDEX_EDITOR_CANCEL_TIMEOUT"
	EnvHeadless      = "HEIMDEX_EDITOR_HEADLESS"
	EnvThreads       = "HEIMDEX_EDITOR_THREADS"
	EnvDebugPaths    = "HEIMDEX_EDITOR_DEBUG_PATHS"

	// Database filename
	DBFilename = "editor.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkDir() string
	FFmpegPath() string
	FFprobePath() string
	Threads() int
	CancelTimeout() time.Duration
	ProbeWorkers() int
	Headless() bool
	DebugPaths() bool
	ExportDefaults() render.ExportConfig
}

// fileConfig is the YAML file layout. Zero values leave defaults alone.
type fileConfig struct {
	Port          int                 `yaml:"port"`
	LogLevel      string              `yaml:"log_level"`
	DataDir       string              `yaml:"data_dir"`
	FFmpeg        string              `yaml:"ffmpeg"`
	FFprobe       string              `yaml:"ffprobe"`
	Threads       int                 `yaml:"threads"`
	CancelTimeout string              `yaml:"cancel_timeout"`
	ProbeWorkers  int                 `yaml:"probe_workers"`
	Headless      *bool               `yaml:"headless"`
	DebugPaths    bool                `yaml:"debug_paths"`
	Export        render.ExportConfig `yaml:"export"`
}

// EnvConfig reads configuration from a file and environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	ffmpegPath    string
	ffprobePath   string
	threads       int
	cancelTimeout time.Duration
	probeWorkers  int
	headless      bool
	debugPaths    bool
	export        render.ExportConfig
}

// New creates a new EnvConfig with defaults, file values and environment
// variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		cancelTimeout: DefaultCancelTimeout,
		probeWorkers:  DefaultProbeWorkers,
		export:        render.DefaultExportConfig(),
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.DataDir != "" {
		c.dataDir = fc.DataDir
	}
	c.ffmpegPath = fc.FFmpeg
	c.ffprobePath = fc.FFprobe
	if fc.Threads != 0 {
		c.threads = fc.Threads
	}
	if fc.CancelTimeout != "" {
		d, err := time.ParseDuration(fc.CancelTimeout)
		if err != nil {
			return fmt.Errorf("invalid cancel_timeout: %w", err)
		}
		c.cancelTimeout = d
	}
	if fc.ProbeWorkers != 0 {
		c.probeWorkers = fc.ProbeWorkers
	}
	if fc.Headless != nil {
		c.headless = *fc.Headless
	}
	c.debugPaths = fc.DebugPaths
	c.export = mergeExport(c.export, fc.Export)
	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.dataDir = dd
	}
	if v := os.Getenv(EnvFFmpeg); v != "" {
		c.ffmpegPath = v
	}
	if v := os.Getenv(EnvFFprobe); v != "" {
		c.ffprobePath = v
	}
	if v := os.Getenv(EnvThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvThreads, err)
		}
		c.threads = n
	}
	if v := os.Getenv(EnvCancelTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvCancelTimeout, err)
		}
		c.cancelTimeout = d
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = b
	}
	if v := os.Getenv(EnvDebugPaths); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebugPaths, err)
		}
		c.debugPaths = b
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	if c.threads < 0 {
		return fmt.Errorf("invalid threads %d", c.threads)
	}
	if c.cancelTimeout <= 0 {
		return fmt.Errorf("invalid cancel timeout %s", c.cancelTimeout)
	}
	if c.probeWorkers < 1 {
		return fmt.Errorf("invalid probe workers %d", c.probeWorkers)
	}
	return nil
}

func mergeExport(base, over render.ExportConfig) render.ExportConfig {
	if over.Width != 0 {
		base.Width = over.Width
	}
	if over.Height != 0 {
		base.Height = over.Height
	}
	if over.FrameRate != 0 {
		base.FrameRate = over.FrameRate
	}
	if over.Codec != "" {
		base.Codec = over.Codec
	}
	if over.Preset != "" {
		base.Preset = over.Preset
	}
	if over.CRF != 0 {
		base.CRF = over.CRF
	}
	if over.AudioCodec != "" {
		base.AudioCodec = over.AudioCodec
	}
	return base
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir is the parent of per-export work directories
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) Threads() int {
	return c.threads
}

func (c *EnvConfig) CancelTimeout() time.Duration {
	return c.cancelTimeout
}

func (c *EnvConfig) ProbeWorkers() int {
	return c.probeWorkers
}

// Headless disables the system tray
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) DebugPaths() bool {
	return c.debugPaths
}

// ExportDefaults returns output settings used when a request leaves them
// unset. OutputPath is never set here.
func (c *EnvConfig) ExportDefaults() render.ExportConfig {
	return c.export
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
