package api

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const (
	maxDocumentBytes = 4 << 20
	defaultEDLRate   = 30.0
)

func getTimelineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tl, version := cfg.Session.Snapshot()
		WriteJSON(w, http.StatusOK, TimelineToResponse(tl, version))
	}
}

// loadTimelineHandler replaces the whole timeline with a YAML or JSON
// document. Every source is probed before anything changes.
func loadTimelineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes+1))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(data) > maxDocumentBytes {
			WriteError(w, http.StatusRequestEntityTooLarge, "document too large", "BAD_REQUEST")
			return
		}
		doc, err := timeline.ParseDocument(data)
		if err != nil {
			WriteAppError(w, apperr.Wrap(apperr.KindValidation, "load_timeline", err))
			return
		}
		tl, err := doc.Build(r.Context(), cfg.CatalogService.Probe)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		if err := cfg.Session.Replace(tl); err != nil {
			WriteAppError(w, err)
			return
		}
		snap, version := cfg.Session.Snapshot()
		WriteJSON(w, http.StatusOK, TimelineToResponse(snap, version))
	}
}

func timelineDocumentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tl, _ := cfg.Session.Snapshot()
		data, err := timeline.ToDocument(tl).Marshal()
		if err != nil {
			WriteAppError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func resolveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := parseTime(r.URL.Query().Get("t"))
		if err != nil {
			WriteAppError(w, err)
			return
		}
		tl, _ := cfg.Session.Snapshot()
		WriteJSON(w, http.StatusOK, ResolveToResponse(tl, t))
	}
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		trackID := q.Get("track")
		if trackID == "" {
			WriteAppError(w, apperr.Validationf("edl", "track is required"))
			return
		}
		rate := defaultEDLRate
		if v := q.Get("frame_rate"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 || math.IsInf(f, 0) {
				WriteAppError(w, apperr.Validationf("edl", "invalid frame_rate %q", v))
				return
			}
			rate = f
		}

		tl, _ := cfg.Session.Snapshot()
		track, _ := tl.Track(trackID)
		if track == nil {
			WriteAppError(w, apperr.NotFoundf("edl", "track %s not found", trackID))
			return
		}
		title := export.SanitizeName(q.Get("title"), 120)
		if title == "" {
			title = export.SanitizeName(track.Name, 120)
		}
		if title == "" {
			title = "heimdex_timeline"
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", title+".edl"))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, export.GenerateEDL(track, title, rate))
	}
}

func addTrackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddTrackRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				WriteAppError(w, err)
				return
			}
		}
		var track timeline.Track
		err := cfg.Session.Edit("add_track", func(tl *timeline.Timeline) error {
			track = *tl.AddTrack(req.Name)
			return nil
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, track)
	}
}

func updateTrackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req UpdateTrackRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}

		var track timeline.Track
		err := cfg.Session.Edit("update_track", func(tl *timeline.Timeline) error {
			if req.Muted != nil {
				if err := tl.SetMuted(id, *req.Muted); err != nil {
					return err
				}
			}
			if req.Hidden != nil {
				if err := tl.SetHidden(id, *req.Hidden); err != nil {
					return err
				}
			}
			if req.Layout != nil {
				if err := tl.SetLayout(id, *req.Layout); err != nil {
					return err
				}
			}
			if req.Index != nil {
				if err := tl.MoveTrack(id, *req.Index); err != nil {
					return err
				}
			}
			t, _ := tl.Track(id)
			if t == nil {
				return apperr.NotFoundf("update_track", "track %s not found", id)
			}
			track = *t
			return nil
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, track)
	}
}

func removeTrackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := cfg.Session.Edit("remove_track", func(tl *timeline.Timeline) error {
			return tl.RemoveTrack(id)
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// insertClipHandler probes the source before taking the edit lock; the
// probe may run ffprobe.
func insertClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackID := chi.URLParam(r, "id")
		var req InsertClipRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}
		if req.Path == "" {
			WriteAppError(w, apperr.Validationf("insert_clip", "path is required"))
			return
		}

		media, err := cfg.CatalogService.Probe(r.Context(), req.Path)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		trimOut := media.Duration
		if req.TrimOut != nil {
			trimOut = *req.TrimOut
		}

		var clip timeline.Clip
		err = cfg.Session.Edit("insert_clip", func(tl *timeline.Timeline) error {
			c, err := tl.InsertClip(trackID, media, req.TrimIn, trimOut, req.StartTime)
			if err != nil {
				return err
			}
			clip = *c
			return nil
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, clip)
	}
}

// updateClipHandler applies a move and a trim as one edit, so either both
// land or neither does.
func updateClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req UpdateClipRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteAppError(w, err)
			return
		}

		var clip timeline.Clip
		err := cfg.Session.Edit("update_clip", func(tl *timeline.Timeline) error {
			c, _ := tl.FindClip(id)
			if c == nil {
				return apperr.NotFoundf("update_clip", "clip %s not found", id)
			}
			if req.TrimIn != nil || req.TrimOut != nil {
				in, out := c.TrimIn, c.TrimOut
				if req.TrimIn != nil {
					in = *req.TrimIn
				}
				if req.TrimOut != nil {
					out = *req.TrimOut
				}
				if err := tl.TrimClip(id, in, out); err != nil {
					return err
				}
			}
			if req.TrackID != "" || req.StartTime != nil {
				start := c.StartTime
				if req.StartTime != nil {
					start = *req.StartTime
				}
				if err := tl.MoveClip(id, req.TrackID, start); err != nil {
					return err
				}
			}
			clip = *c
			return nil
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, clip)
	}
}

func removeClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := cfg.Session.Edit("remove_clip", func(tl *timeline.Timeline) error {
			return tl.RemoveClip(id)
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseTime(v string) (float64, error) {
	if v == "" {
		return 0, apperr.Validationf("resolve", "t is required")
	}
	t, err := strconv.ParseFloat(v, 64)
	if err != nil || t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, apperr.Validationf("resolve", "invalid time %q", v)
	}
	return t, nil
}
