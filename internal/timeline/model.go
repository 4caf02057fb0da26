// Package timeline holds the authoritative edit model: tracks of trimmed,
// placed clips. It is pure data; all mutation goes through the edit
// functions here, which validate every change and leave the timeline
// unmodified when they reject it.
package timeline

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/heimdex/heimdex-editor/internal/apperr"
)

// timeTolerance absorbs float noise when comparing placements.
const timeTolerance = 1e-9

// Media is the probed metadata of a source file. It is either complete or
// absent; the ingestion boundary never hands out partial metadata.
type Media struct {
	Path      string  `json:"path" yaml:"path"`
	Duration  float64 `json:"duration" yaml:"duration"`
	Width     int     `json:"width" yaml:"width"`
	Height    int     `json:"height" yaml:"height"`
	FrameRate float64 `json:"frame_rate" yaml:"frame_rate"`
	Codec     string  `json:"codec" yaml:"codec"`
	SizeBytes int64   `json:"size_bytes" yaml:"size_bytes"`
	HasAudio  bool    `json:"has_audio" yaml:"has_audio"`
}

// Complete reports whether every required field was probed.
func (m Media) Complete() bool {
	return m.Path != "" && m.Duration > 0 && m.Width > 0 && m.Height > 0 &&
		m.FrameRate > 0 && m.Codec != ""
}

// Clip is a trimmed window of a source placed on the timeline. EndTime is
// derived, so EndTime-StartTime == TrimOut-TrimIn always holds.
type Clip struct {
	ID        string  `json:"id"`
	Media     Media   `json:"media"`
	TrimIn    float64 `json:"trim_in"`
	TrimOut   float64 `json:"trim_out"`
	StartTime float64 `json:"start_time"`
	Missing   bool    `json:"missing,omitempty"`
}

// Duration returns the clip's length in seconds.
func (c *Clip) Duration() float64 {
	return c.TrimOut - c.TrimIn
}

// EndTime returns the exclusive end of the clip's placement.
func (c *Clip) EndTime() float64 {
	return c.StartTime + c.Duration()
}

func (c *Clip) overlaps(start, end float64) bool {
	return start < c.EndTime()-timeTolerance && c.StartTime < end-timeTolerance
}

// Layout positions a track inside the output frame. A zero Layout means
// full frame.
type Layout struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// IsZero reports whether the layout is the full-frame default.
func (l Layout) IsZero() bool {
	return l == Layout{}
}

// Track is an ordered, non-overlapping sequence of clips. Its z-order is its
// index in the owning Timeline; index 0 renders on top.
type Track struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Clips  []*Clip `json:"clips"`
	Muted  bool    `json:"muted"`
	Hidden bool    `json:"hidden"`
	Layout Layout  `json:"layout"`
}

// End returns the end time of the track's last clip.
func (t *Track) End() float64 {
	if len(t.Clips) == 0 {
		return 0
	}
	return t.Clips[len(t.Clips)-1].EndTime()
}

func (t *Track) sortClips() {
	sort.SliceStable(t.Clips, func(i, j int) bool {
		return t.Clips[i].StartTime < t.Clips[j].StartTime
	})
}

func (t *Track) conflict(start, end float64, ignoreID string) *Clip {
	for _, c := range t.Clips {
		if c.ID == ignoreID {
			continue
		}
		if c.overlaps(start, end) {
			return c
		}
	}
	return nil
}

// Timeline owns an ordered list of tracks.
type Timeline struct {
	Tracks []*Track `json:"tracks"`
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{}
}

// NewID returns a fresh opaque identifier for clips and tracks.
func NewID() string {
	return uuid.NewString()
}

// Duration is the maximum end time over all clips. It is recomputed on
// every call.
func (tl *Timeline) Duration() float64 {
	d := 0.0
	for _, t := range tl.Tracks {
		d = math.Max(d, t.End())
	}
	return d
}

// Empty reports whether the timeline holds no clips.
func (tl *Timeline) Empty() bool {
	for _, t := range tl.Tracks {
		if len(t.Clips) > 0 {
			return false
		}
	}
	return true
}

// Track returns the track with the given id and its index.
func (tl *Timeline) Track(id string) (*Track, int) {
	for i, t := range tl.Tracks {
		if t.ID == id {
			return t, i
		}
	}
	return nil, -1
}

// FindClip returns the clip with the given id and the track holding it.
func (tl *Timeline) FindClip(id string) (*Clip, *Track) {
	for _, t := range tl.Tracks {
		for _, c := range t.Clips {
			if c.ID == id {
				return c, t
			}
		}
	}
	return nil, nil
}

// Clone returns a deep copy that shares no mutable state with tl.
func (tl *Timeline) Clone() *Timeline {
	out := &Timeline{Tracks: make([]*Track, len(tl.Tracks))}
	for i, t := range tl.Tracks {
		nt := *t
		nt.Clips = make([]*Clip, len(t.Clips))
		for j, c := range t.Clips {
			nc := *c
			nt.Clips[j] = &nc
		}
		out.Tracks[i] = &nt
	}
	return out
}

// Sources returns the distinct source paths referenced by the timeline.
func (tl *Timeline) Sources() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, t := range tl.Tracks {
		for _, c := range t.Clips {
			if !seen[c.Media.Path] {
				seen[c.Media.Path] = true
				paths = append(paths, c.Media.Path)
			}
		}
	}
	return paths
}

// MissingClips returns the clips whose source file has disappeared.
func (tl *Timeline) MissingClips() []*Clip {
	var out []*Clip
	for _, t := range tl.Tracks {
		for _, c := range t.Clips {
			if c.Missing {
				out = append(out, c)
			}
		}
	}
	return out
}

// AddTrack appends a new empty track at the bottom of the z-order.
func (tl *Timeline) AddTrack(name string) *Track {
	t := &Track{ID: NewID(), Name: name}
	tl.Tracks = append(tl.Tracks, t)
	return t
}

// RemoveTrack deletes a track and every clip on it.
func (tl *Timeline) RemoveTrack(id string) error {
	_, idx := tl.Track(id)
	if idx < 0 {
		return apperr.NotFoundf("remove_track", "track %s not found", id)
	}
	tl.Tracks = append(tl.Tracks[:idx], tl.Tracks[idx+1:]...)
	return nil
}

// MoveTrack changes a track's z-order rank.
func (tl *Timeline) MoveTrack(id string, index int) error {
	t, idx := tl.Track(id)
	if idx < 0 {
		return apperr.NotFoundf("move_track", "track %s not found", id)
	}
	if index < 0 || index >= len(tl.Tracks) {
		return apperr.Validationf("move_track", "index %d out of range [0, %d)", index, len(tl.Tracks))
	}
	tl.Tracks = append(tl.Tracks[:idx], tl.Tracks[idx+1:]...)
	tl.Tracks = append(tl.Tracks[:index], append([]*Track{t}, tl.Tracks[index:]...)...)
	return nil
}

// SetMuted toggles a track's audio.
func (tl *Timeline) SetMuted(id string, muted bool) error {
	t, _ := tl.Track(id)
	if t == nil {
		return apperr.NotFoundf("set_muted", "track %s not found", id)
	}
	t.Muted = muted
	return nil
}

// SetHidden toggles a track's video.
func (tl *Timeline) SetHidden(id string, hidden bool) error {
	t, _ := tl.Track(id)
	if t == nil {
		return apperr.NotFoundf("set_hidden", "track %s not found", id)
	}
	t.Hidden = hidden
	return nil
}

// SetLayout positions a track in the output frame.
func (tl *Timeline) SetLayout(id string, l Layout) error {
	t, _ := tl.Track(id)
	if t == nil {
		return apperr.NotFoundf("set_layout", "track %s not found", id)
	}
	if l.Width < 0 || l.Height < 0 {
		return apperr.Validationf("set_layout", "layout size must not be negative")
	}
	t.Layout = l
	return nil
}

// InsertClip places a new clip on a track. Placements that overlap an
// existing clip are rejected.
func (tl *Timeline) InsertClip(trackID string, media Media, trimIn, trimOut, start float64) (*Clip, error) {
	t, _ := tl.Track(trackID)
	if t == nil {
		return nil, apperr.NotFoundf("insert_clip", "track %s not found", trackID)
	}
	if !media.Complete() {
		return nil, apperr.Validationf("insert_clip", "source %s has incomplete metadata", media.Path)
	}
	if err := validateTrim("insert_clip", media, trimIn, trimOut); err != nil {
		return nil, err
	}
	if err := validateStart("insert_clip", start); err != nil {
		return nil, err
	}
	end := start + (trimOut - trimIn)
	if c := t.conflict(start, end, ""); c != nil {
		return nil, overlapError("insert_clip", c)
	}

	clip := &Clip{ID: NewID(), Media: media, TrimIn: trimIn, TrimOut: trimOut, StartTime: start}
	t.Clips = append(t.Clips, clip)
	t.sortClips()
	return clip, nil
}

// MoveClip changes a clip's placement, optionally onto another track.
func (tl *Timeline) MoveClip(clipID, trackID string, start float64) error {
	c, from := tl.FindClip(clipID)
	if c == nil {
		return apperr.NotFoundf("move_clip", "clip %s not found", clipID)
	}
	to := from
	if trackID != "" && trackID != from.ID {
		to, _ = tl.Track(trackID)
		if to == nil {
			return apperr.NotFoundf("move_clip", "track %s not found", trackID)
		}
	}
	if err := validateStart("move_clip", start); err != nil {
		return err
	}
	if other := to.conflict(start, start+c.Duration(), c.ID); other != nil {
		return overlapError("move_clip", other)
	}

	c.StartTime = start
	if to != from {
		removeClip(from, c.ID)
		to.Clips = append(to.Clips, c)
	}
	to.sortClips()
	return nil
}

// TrimClip changes a clip's source window while keeping its start time.
func (tl *Timeline) TrimClip(clipID string, trimIn, trimOut float64) error {
	c, t := tl.FindClip(clipID)
	if c == nil {
		return apperr.NotFoundf("trim_clip", "clip %s not found", clipID)
	}
	if err := validateTrim("trim_clip", c.Media, trimIn, trimOut); err != nil {
		return err
	}
	if other := t.conflict(c.StartTime, c.StartTime+(trimOut-trimIn), c.ID); other != nil {
		return overlapError("trim_clip", other)
	}
	c.TrimIn = trimIn
	c.TrimOut = trimOut
	return nil
}

// RemoveClip deletes a clip.
func (tl *Timeline) RemoveClip(clipID string) error {
	c, t := tl.FindClip(clipID)
	if c == nil {
		return apperr.NotFoundf("remove_clip", "clip %s not found", clipID)
	}
	removeClip(t, clipID)
	return nil
}

// MarkMissing flags every clip referencing path. It returns the number of
// clips whose flag changed.
func (tl *Timeline) MarkMissing(path string, missing bool) int {
	n := 0
	for _, t := range tl.Tracks {
		for _, c := range t.Clips {
			if c.Media.Path == path && c.Missing != missing {
				c.Missing = missing
				n++
			}
		}
	}
	return n
}

// Validate checks every invariant of a timeline built outside the edit
// functions, e.g. one decoded from a document.
func (tl *Timeline) Validate() error {
	ids := make(map[string]bool)
	for _, t := range tl.Tracks {
		if t.ID == "" || ids[t.ID] {
			return apperr.Validationf("validate", "track id %q is empty or duplicated", t.ID)
		}
		ids[t.ID] = true
		t.sortClips()
		for i, c := range t.Clips {
			if c.ID == "" || ids[c.ID] {
				return apperr.Validationf("validate", "clip id %q is empty or duplicated", c.ID)
			}
			ids[c.ID] = true
			if err := validateTrim("validate", c.Media, c.TrimIn, c.TrimOut); err != nil {
				return err
			}
			if err := validateStart("validate", c.StartTime); err != nil {
				return err
			}
			if i > 0 && t.Clips[i-1].overlaps(c.StartTime, c.EndTime()) {
				return overlapError("validate", t.Clips[i-1])
			}
		}
	}
	return nil
}

func removeClip(t *Track, id string) {
	for i, c := range t.Clips {
		if c.ID == id {
			t.Clips = append(t.Clips[:i], t.Clips[i+1:]...)
			return
		}
	}
}

func validateTrim(op string, media Media, trimIn, trimOut float64) error {
	if math.IsNaN(trimIn) || math.IsNaN(trimOut) {
		return apperr.Validationf(op, "trim values must be numbers")
	}
	if trimIn < 0 {
		return apperr.Validationf(op, "trim_in %.3f must not be negative", trimIn)
	}
	if trimOut <= trimIn {
		return apperr.Validationf(op, "trim_out %.3f must be after trim_in %.3f", trimOut, trimIn)
	}
	if media.Duration > 0 && trimOut > media.Duration+timeTolerance {
		return apperr.Validationf(op, "trim_out %.3f exceeds source duration %.3f", trimOut, media.Duration)
	}
	return nil
}

func validateStart(op string, start float64) error {
	if math.IsNaN(start) || start < 0 {
		return apperr.Validationf(op, "start_time must be a non-negative number")
	}
	return nil
}

func overlapError(op string, c *Clip) error {
	return apperr.Validationf(op, "placement overlaps clip %s [%.3f, %.3f)", c.ID, c.StartTime, c.EndTime())
}
