package api

import (
	"math"
	"net/http"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/logging"
)

func playbackStateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Playback.State())
	}
}

func playHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Playback.Play()
		WriteJSON(w, http.StatusOK, cfg.Playback.State())
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Playback.Pause()
		WriteJSON(w, http.StatusOK, cfg.Playback.State())
	}
}

func seekHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SeekRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}
		if req.Time == nil || math.IsNaN(*req.Time) || math.IsInf(*req.Time, 0) {
			WriteAppError(w, apperr.Validationf("seek", "time is required"))
			return
		}
		// out-of-range targets are clamped by the controller
		cfg.Playback.Seek(*req.Time)
		WriteJSON(w, http.StatusOK, cfg.Playback.State())
	}
}

func volumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VolumeRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}
		if req.Volume == nil || *req.Volume < 0 || *req.Volume > 1 {
			WriteAppError(w, apperr.Validationf("set_volume", "volume must be between 0 and 1"))
			return
		}
		cfg.Playback.SetVolume(*req.Volume)
		WriteJSON(w, http.StatusOK, cfg.Playback.State())
	}
}

func playbackWSHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Hub.ServeWS(w, r)
	}
}

// playbackFileHandler streams the source of a clip on the current
// timeline. Arbitrary paths are never served.
func playbackFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clipID := r.URL.Query().Get("clip_id")
		if clipID == "" {
			WriteError(w, http.StatusBadRequest, "clip_id is required", "BAD_REQUEST")
			return
		}

		tl, _ := cfg.Session.Snapshot()
		clip, _ := tl.FindClip(clipID)
		if clip == nil {
			WriteError(w, http.StatusNotFound, "clip not found", "NOT_FOUND")
			return
		}
		if clip.Missing {
			WriteError(w, http.StatusNotFound, "source file is missing", "SOURCE_MISSING")
			return
		}

		if err := cfg.Streamer.ServeFile(w, r, clip.Media.Path); err != nil {
			cfg.Logger.Error("playback error", "error", err, "clip_id", clipID,
				"path", logging.SanitizePath(clip.Media.Path))
			WriteError(w, http.StatusInternalServerError, "cannot read source", "INTERNAL_ERROR")
		}
	}
}
