package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/export"
)

const (
	eventsWriteWait = 10 * time.Second
	maxJobsListed   = 500
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits non-browser clients and allowlisted pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || isAllowedOrigin(origin)
}

// startExportHandler snapshots the timeline and starts rendering it. The
// job runs on; later edits do not affect it.
func startExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}
		if req.OutputPath == "" {
			WriteAppError(w, apperr.Validationf("export", "output_path is required"))
			return
		}

		tl, version := cfg.Session.Snapshot()
		job, err := cfg.Exports.Export(tl, req.apply(cfg.ExportDefaults))
		if err != nil {
			WriteAppError(w, err)
			return
		}
		cfg.Logger.Info("export started", "job_id", job.ID, "timeline_version", version, "ops", job.OpCount)
		WriteJSON(w, http.StatusAccepted, ExportResponse{JobID: job.ID, Job: job})
	}
}

// listExportsHandler returns the persisted history, with live values for
// jobs this process is still tracking.
func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxJobsListed {
				WriteAppError(w, apperr.Validationf("list_exports", "limit must be between 1 and %d", maxJobsListed))
				return
			}
			limit = n
		}

		jobs, err := cfg.Repository.ListJobs(r.Context(), limit)
		if err != nil {
			cfg.Logger.Error("failed to list exports", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}
		if jobs == nil {
			jobs = []export.Job{}
		}
		for i := range jobs {
			if live, err := cfg.Exports.Get(jobs[i].ID); err == nil {
				jobs[i] = live
			}
		}
		WriteJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := lookupJob(cfg, r, chi.URLParam(r, "id"))
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}

// cancelExportHandler requests cancellation. Cancelling a finished job
// returns it unchanged.
func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Exports.Cancel(id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			WriteAppError(w, err)
			return
		}
		job, err := lookupJob(cfg, r, id)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		status := http.StatusOK
		if !job.State.Terminal() {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, job)
	}
}

// exportEventsHandler streams progress over a websocket. The stream ends
// with the job's terminal event followed by a normal close.
func exportEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		events, stop, err := cfg.Exports.Subscribe(id)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		defer stop()

		conn, err := eventsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Warn("export events upgrade failed", "error", err, "job_id", id)
			return
		}
		defer conn.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case p, ok := <-events:
				conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
					return
				}
				if err := conn.WriteJSON(p); err != nil {
					return
				}
			}
		}
	}
}

// lookupJob prefers the live job and falls back to the stored record.
func lookupJob(cfg ServerConfig, r *http.Request, id string) (export.Job, error) {
	if job, err := cfg.Exports.Get(id); err == nil {
		return job, nil
	}
	stored, err := cfg.Repository.GetJob(r.Context(), id)
	if err != nil {
		return export.Job{}, apperr.Wrap(apperr.KindInternal, "get_export", err)
	}
	if stored == nil {
		return export.Job{}, apperr.NotFoundf("get_export", "export %s not found", id)
	}
	return *stored, nil
}
