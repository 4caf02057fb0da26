package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// MediaRecord is a cached probe result. It is reused only while the file's
// size, mtime and fingerprint all still match.
type MediaRecord struct {
	Media       timeline.Media `json:"media"`
	Size        int64          `json:"size"`
	Mtime       time.Time      `json:"mtime"`
	Fingerprint string         `json:"fingerprint"`
	ProbedAt    time.Time      `json:"probed_at"`
}

// Matches reports whether the record still describes the file.
func (r *MediaRecord) Matches(size int64, mtime time.Time, fingerprint string) bool {
	return r.Size == size && r.Mtime.Equal(mtime) && r.Fingerprint == fingerprint
}

// IngestResult is the outcome for one path of an ingestion batch. Exactly
// one of Media and Error is set.
type IngestResult struct {
	Path   string          `json:"path"`
	Media  *timeline.Media `json:"media,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   apperr.Kind     `json:"kind,omitempty"`
	Cached bool            `json:"cached,omitempty"`
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Config keys stored in the database.
const (
	ConfigKeyAuthToken = "auth_token"
)

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".m4v":  true,
	".webm": true,
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
