package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfigFile, EnvPort, EnvLogLevel, EnvDataDir, EnvFFmpeg, EnvFFprobe,
		EnvCancelTimeout, EnvHeadless, EnvThreads, EnvDebugPaths} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "editor.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.CancelTimeout() != DefaultCancelTimeout {
		t.Errorf("CancelTimeout() = %s", cfg.CancelTimeout())
	}
	exp := cfg.ExportDefaults()
	if exp.Width != 1920 || exp.Height != 1080 || exp.FrameRate != 30 || exp.Codec != "libx264" || exp.CRF != 23 {
		t.Errorf("ExportDefaults() = %+v", exp)
	}
	if filepath.Base(cfg.DBPath()) != DBFilename {
		t.Errorf("DBPath() = %s", cfg.DBPath())
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvDataDir, "/srv/editor")
	t.Setenv(EnvFFmpeg, "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv(EnvCancelTimeout, "2s")
	t.Setenv(EnvHeadless, "true")
	t.Setenv(EnvThreads, "8")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9000 {
		t.Errorf("Port() = %d, want 9000", cfg.Port())
	}
	if cfg.WorkDir() != "/srv/editor/work" {
		t.Errorf("WorkDir() = %s", cfg.WorkDir())
	}
	if cfg.FFmpegPath() != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("FFmpegPath() = %s", cfg.FFmpegPath())
	}
	if cfg.CancelTimeout() != 2*time.Second {
		t.Errorf("CancelTimeout() = %s", cfg.CancelTimeout())
	}
	if !cfg.Headless() || cfg.Threads() != 8 {
		t.Errorf("Headless() = %v, Threads() = %d", cfg.Headless(), cfg.Threads())
	}
}

func TestNew_FileThenEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, writeConfig(t, `
port: 9100
log_level: debug
cancel_timeout: 10s
export:
  width: 1280
  height: 720
  crf: 18
`))
	t.Setenv(EnvPort, "9200")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9200 {
		t.Errorf("env should win over file, Port() = %d", cfg.Port())
	}
	if cfg.LogLevel() != "debug" || cfg.CancelTimeout() != 10*time.Second {
		t.Errorf("LogLevel() = %s, CancelTimeout() = %s", cfg.LogLevel(), cfg.CancelTimeout())
	}
	exp := cfg.ExportDefaults()
	if exp.Width != 1280 || exp.Height != 720 || exp.CRF != 18 || exp.Codec != "libx264" {
		t.Errorf("ExportDefaults() = %+v", exp)
	}
}

func TestNew_EmptyFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, writeConfig(t, ""))

	if _, err := New(); err != nil {
		t.Fatalf("empty config file should be accepted: %v", err)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "port not a number", env: map[string]string{EnvPort: "abc"}},
		{name: "port out of range", env: map[string]string{EnvPort: "70000"}},
		{name: "bad timeout", env: map[string]string{EnvCancelTimeout: "soon"}},
		{name: "bad headless", env: map[string]string{EnvHeadless: "maybe"}},
		{name: "unknown file key", file: "colour: blue\n"},
		{name: "missing file", env: map[string]string{EnvConfigFile: "/nonexistent/editor.yaml"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			if tc.file != "" {
				t.Setenv(EnvConfigFile, writeConfig(t, tc.file))
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := New(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
