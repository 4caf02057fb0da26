package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/export"
)

const maxProbeBatch = 256

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()
	if cfg.Hub != nil {
		cfg.Hub.SetCheckOrigin(checkOrigin)
	}

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(LoopbackGuard())
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/media/probe", probeHandler(cfg))

		r.Route("/timeline", func(r chi.Router) {
			r.Get("/", getTimelineHandler(cfg))
			r.Put("/", loadTimelineHandler(cfg))
			r.Get("/document", timelineDocumentHandler(cfg))
			r.Get("/resolve", resolveHandler(cfg))
			r.Get("/edl", edlHandler(cfg))
			r.Post("/tracks", addTrackHandler(cfg))
			r.Patch("/tracks/{id}", updateTrackHandler(cfg))
			r.Delete("/tracks/{id}", removeTrackHandler(cfg))
			r.Post("/tracks/{id}/clips", insertClipHandler(cfg))
			r.Patch("/clips/{id}", updateClipHandler(cfg))
			r.Delete("/clips/{id}", removeClipHandler(cfg))
		})

		r.Route("/playback", func(r chi.Router) {
			r.Get("/state", playbackStateHandler(cfg))
			r.Post("/play", playHandler(cfg))
			r.Post("/pause", pauseHandler(cfg))
			r.Post("/seek", seekHandler(cfg))
			r.Post("/volume", volumeHandler(cfg))
			r.Get("/ws", playbackWSHandler(cfg))
			r.Get("/file", playbackFileHandler(cfg))
			r.Head("/file", playbackFileHandler(cfg))
		})

		r.Route("/exports", func(r chi.Router) {
			r.Post("/", startExportHandler(cfg))
			r.Get("/", listExportsHandler(cfg))
			r.Get("/{id}", getExportHandler(cfg))
			r.Delete("/{id}", cancelExportHandler(cfg))
			r.Get("/{id}/events", exportEventsHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tl, version := cfg.Session.Snapshot()
		resp := StatusResponse{
			State:    "idle",
			Tracks:   len(tl.Tracks),
			Duration: tl.Duration(),
			Version:  version,
		}
		if cfg.CatalogService != nil {
			resp.MediaCount, _ = cfg.CatalogService.CountMedia(ctx)
		}

		if cfg.Playback != nil {
			st := cfg.Playback.State()
			resp.Playback = &st
			if st.IsPlaying {
				resp.State = "playing"
			}
		}
		if cfg.Hub != nil {
			resp.Clients = cfg.Hub.Clients()
		}

		if cfg.Exports != nil {
			if job, ok := cfg.Exports.Active(); ok {
				resp.State = "exporting"
				resp.ActiveExport = &job
			}
		}

		if resp.State == "idle" && cfg.Repository != nil {
			jobs, _ := cfg.Repository.ListJobs(ctx, 1)
			if len(jobs) > 0 && jobs[0].State == export.StateFailed {
				resp.State = "error"
				resp.LastError = jobs[0].ErrorDetail
			}
		}

		if cfg.Doctor != nil {
			// the doctor runs at startup; never block a status poll on it
			resp.Encoder = cfg.Doctor.Peek()
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func probeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProbeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.Paths) == 0 {
			WriteAppError(w, apperr.Validationf("probe", "paths must not be empty"))
			return
		}
		if len(req.Paths) > maxProbeBatch {
			WriteAppError(w, apperr.Validationf("probe", "at most %d paths per batch", maxProbeBatch))
			return
		}

		results := cfg.CatalogService.Ingest(r.Context(), req.Paths)
		WriteJSON(w, http.StatusOK, ProbeResponse{Results: results})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("decode", "invalid request body: %v", err)
	}
	return nil
}
