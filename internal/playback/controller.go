// Package playback owns the preview playhead and keeps one media element
// per track phase-locked to it. It also serves source bytes to those
// elements over HTTP ranges.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/resolve"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const (
	// SeekThreshold is how far (seconds) an element may drift from the
	// playhead before it is sought.
	SeekThreshold = 0.1
	// SyncThreshold is the minimum master delta (one frame at 60fps) that
	// moves the playhead.
	SyncThreshold = 0.016
	// TickInterval drives the wall clock when no element is master.
	TickInterval = 16 * time.Millisecond
)

// SlotState is the lifecycle of one track's media element.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotLoading
	SlotReady
	SlotPlaying
	SlotPaused
	SlotEnded
	SlotFaulted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotLoading:
		return "loading"
	case SlotReady:
		return "ready"
	case SlotPlaying:
		return "playing"
	case SlotPaused:
		return "paused"
	case SlotEnded:
		return "ended"
	case SlotFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SlotState) UnmarshalText(text []byte) error {
	for v := SlotIdle; v <= SlotFaulted; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", text)
}

// Source is what an element is asked to load.
type Source struct {
	LoadID   uint64  `json:"load_id"`
	ClipID   string  `json:"clip_id"`
	Path     string  `json:"path"`
	Position float64 `json:"position"` // source-local seconds to start at
}

// Element is an independently clocked media player. Completions are not
// returned; they arrive later as Events carrying the load id. Elements
// must not call back into the controller synchronously.
type Element interface {
	Load(src Source)
	Play()
	Pause()
	SeekTo(t float64)
	// CurrentTime is the element's last known source position. It is read
	// once a load completes.
	CurrentTime() float64
	SetVolume(v float64)
	Close()
}

// ElementFactory creates the element for a track.
type ElementFactory func(trackID string) Element

// EventKind classifies element completions.
type EventKind string

const (
	EventLoaded     EventKind = "loaded"
	EventFailed     EventKind = "failed"
	EventTimeUpdate EventKind = "timeupdate"
	EventSeeked     EventKind = "seeked"
	EventEnded      EventKind = "ended"
)

// Event is a completion reported by an element.
type Event struct {
	Kind    EventKind `json:"type"`
	TrackID string    `json:"track_id"`
	LoadID  uint64    `json:"load_id"`
	Time    float64   `json:"time,omitempty"` // source-local seconds
	Error   string    `json:"error,omitempty"`
}

// TrackStatus is the public view of a slot.
type TrackStatus struct {
	TrackID string    `json:"track_id"`
	State   SlotState `json:"state"`
	ClipID  string    `json:"clip_id,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// State is a copy of the playback state. The controller holds the only
// authoritative instance.
type State struct {
	CurrentTime float64       `json:"current_time"`
	IsPlaying   bool          `json:"is_playing"`
	Volume      float64       `json:"volume"`
	Duration    float64       `json:"duration"`
	Master      string        `json:"master,omitempty"`
	Tracks      []TrackStatus `json:"tracks"`
}

// TimelineSource hands out timeline snapshots.
type TimelineSource interface {
	Snapshot() (*timeline.Timeline, uint64)
}

type slot struct {
	trackID  string
	el       Element
	state    SlotState
	clipID   string
	loadID   uint64
	seeking  bool
	resync   bool // a user seek is not yet sent to the element
	position float64
	volume   float64
	err      string
}

// Controller is the playback clock and sync controller.
type Controller struct {
	source  TimelineSource
	factory ElementFactory
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	tl        *timeline.Timeline
	state     State
	slots     map[string]*slot
	nextLoad  uint64
	lastTick  time.Time
	listeners []func(State)

	events chan Event
}

// NewController creates a stopped controller at time 0 with full volume.
func NewController(source TimelineSource, factory ElementFactory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		source:  source,
		factory: factory,
		logger:  logging.WithComponent(logger, "playback"),
		now:     time.Now,
		slots:   make(map[string]*slot),
		events:  make(chan Event, 256),
		state:   State{Volume: 1},
	}
	c.tl, _ = source.Snapshot()
	c.state.Duration = c.tl.Duration()
	return c
}

// OnChange registers fn to receive a copy of the state after every update.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns a copy of the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// update is the single mutation path: every state change runs fn under the
// lock, reconciles elements and notifies listeners.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	c.reconcileLocked()
	st := c.snapshotLocked()
	listeners := c.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
}

// Play starts playback. Playing from the end restarts at 0.
func (c *Controller) Play() {
	c.update(func() {
		if c.state.Duration <= 0 {
			return
		}
		if c.state.CurrentTime >= c.state.Duration {
			c.state.CurrentTime = 0
		}
		c.state.IsPlaying = true
		c.lastTick = c.now()
	})
}

// Pause stops playback and holds the playhead.
func (c *Controller) Pause() {
	c.update(func() {
		c.state.IsPlaying = false
	})
}

// Seek moves the playhead, clamped to [0, duration]. Every active element
// is sought however small the move, so ticks queued before the seek are
// dropped until the element confirms it.
func (c *Controller) Seek(t float64) {
	c.update(func() {
		c.state.CurrentTime = c.clampLocked(t)
		c.lastTick = c.now()
		for _, s := range c.slots {
			s.resync = true
		}
	})
}

// SetVolume sets the master volume, clamped to [0, 1].
func (c *Controller) SetVolume(v float64) {
	c.update(func() {
		if math.IsNaN(v) {
			v = 0
		}
		c.state.Volume = math.Max(0, math.Min(1, v))
	})
}

// Refresh re-reads the timeline after an edit.
func (c *Controller) Refresh() {
	tl, _ := c.source.Snapshot()
	c.update(func() {
		c.tl = tl
		c.state.Duration = tl.Duration()
		c.state.CurrentTime = c.clampLocked(c.state.CurrentTime)
		if c.state.Duration <= 0 {
			c.state.IsPlaying = false
		}
	})
}

// Reload retries every faulted track whose clip is still active. Faults
// are never retried on their own; a newly connected media client is the
// usual trigger.
func (c *Controller) Reload() {
	c.update(func() {
		for _, s := range c.slots {
			if s.state == SlotFaulted {
				s.clipID, s.state, s.err = "", SlotIdle, ""
			}
		}
	})
}

// Post queues an element event for Run. Time updates are dropped when the
// queue is full; a newer one will follow.
func (c *Controller) Post(ev Event) {
	if ev.Kind == EventTimeUpdate {
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	c.events <- ev
}

// Run drains posted events and drives the wall clock until ctx ends. All
// slots are closed on return.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.Handle(ev)
		case <-ticker.C:
			c.tick()
		}
	}
}

// Close releases every element.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.slots {
		s.el.Close()
		delete(c.slots, id)
	}
	c.state.IsPlaying = false
}

func (c *Controller) tick() {
	now := c.now()
	c.mu.Lock()
	elapsed := now.Sub(c.lastTick).Seconds()
	c.lastTick = now
	c.mu.Unlock()
	c.AdvanceClock(elapsed)
}

// AdvanceClock moves the playhead by wall time when playing without a
// master element: in a gap, or when every active track is faulted. Gaps
// are skipped and reaching the end stops playback.
func (c *Controller) AdvanceClock(elapsed float64) {
	c.mu.Lock()
	idle := !c.state.IsPlaying || elapsed <= 0 || c.masterLocked() != nil || c.loadingLocked()
	c.mu.Unlock()
	if idle {
		return
	}

	c.update(func() {
		t := c.state.CurrentTime
		if len(resolve.At(c.tl, t)) == 0 {
			if next, ok := resolve.FindNext(c.tl, t); ok {
				c.state.CurrentTime = next.Clip.StartTime
				return
			}
		}
		t += elapsed
		if t >= c.state.Duration {
			c.state.CurrentTime = c.state.Duration
			c.state.IsPlaying = false
			return
		}
		c.state.CurrentTime = t
	})
}

// Handle applies one element event. Events for superseded loads are
// dropped silently.
func (c *Controller) Handle(ev Event) {
	c.update(func() {
		s, ok := c.slots[ev.TrackID]
		if !ok || ev.LoadID != s.loadID || s.clipID == "" {
			return
		}
		clip, _ := c.tl.FindClip(s.clipID)
		if clip == nil {
			return
		}

		switch ev.Kind {
		case EventLoaded:
			if s.state != SlotLoading {
				return
			}
			s.state = SlotReady
			s.err = ""
			// an element can land off the requested time, e.g. on a keyframe
			s.position = s.el.CurrentTime()
		case EventFailed:
			s.state = SlotFaulted
			s.err = ev.Error
			s.seeking = false
			c.logger.Warn("media element faulted", "track_id", s.trackID, "clip_id", s.clipID, "error", ev.Error)
		case EventSeeked:
			s.seeking = false
			s.position = ev.Time
		case EventTimeUpdate:
			if s.seeking || s.state == SlotLoading || s.state == SlotFaulted {
				return
			}
			master := c.masterLocked()
			s.position = ev.Time
			if ev.Time >= clip.TrimOut-1e-3 {
				c.clipEndedLocked(s, clip, master == s)
				return
			}
			if master == s {
				t := c.clampLocked(clip.StartTime + (ev.Time - clip.TrimIn))
				if math.Abs(t-c.state.CurrentTime) > SyncThreshold {
					c.state.CurrentTime = t
				}
			}
		case EventEnded:
			if s.state == SlotFaulted || s.state == SlotEnded {
				return
			}
			c.clipEndedLocked(s, clip, c.masterLocked() == s)
		}
	})
}

// clipEndedLocked stops a slot whose clip reached its trim out point. When
// it was the master the transport decides where to go next.
func (c *Controller) clipEndedLocked(s *slot, clip *timeline.Clip, wasMaster bool) {
	s.state = SlotEnded
	s.position = clip.TrimOut
	s.el.Pause()
	if !wasMaster || !c.state.IsPlaying {
		return
	}

	end := clip.EndTime()
	c.state.CurrentTime = c.clampLocked(end)
	for _, a := range resolve.At(c.tl, end) {
		if a.Clip.ID != clip.ID {
			return
		}
	}
	if next, ok := resolve.FindNext(c.tl, end); ok {
		c.state.CurrentTime = next.Clip.StartTime
		return
	}
	c.state.IsPlaying = false
}

// masterLocked returns the top-most slot that is ready or playing.
func (c *Controller) masterLocked() *slot {
	for _, track := range c.tl.Tracks {
		s, ok := c.slots[track.ID]
		if ok && (s.state == SlotReady || s.state == SlotPlaying) {
			return s
		}
	}
	return nil
}

func (c *Controller) loadingLocked() bool {
	for _, s := range c.slots {
		if s.state == SlotLoading {
			return true
		}
	}
	return false
}

func (c *Controller) clampLocked(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	return math.Min(t, c.state.Duration)
}

// reconcileLocked drives every element toward the playhead: loads on clip
// change, seeks on drift, play/pause from IsPlaying and volume from mute.
func (c *Controller) reconcileLocked() {
	active := resolve.At(c.tl, c.state.CurrentTime)

	present := make(map[string]bool, len(c.tl.Tracks))
	for _, track := range c.tl.Tracks {
		present[track.ID] = true
		s := c.slotLocked(track.ID)
		a, ok := active[track.ID]

		if !ok {
			if s.clipID != "" {
				s.el.Pause()
				s.clipID, s.state, s.seeking, s.err = "", SlotIdle, false, ""
			}
			s.resync = false
			continue
		}

		if a.Clip.ID != s.clipID {
			c.nextLoad++
			s.clipID = a.Clip.ID
			s.loadID = c.nextLoad
			s.seeking = false
			s.resync = false
			s.position = a.SourceTime()
			s.err = ""
			if a.Clip.Missing {
				s.state, s.err = SlotFaulted, "source file missing"
				continue
			}
			s.state = SlotLoading
			s.el.Load(Source{LoadID: s.loadID, ClipID: a.Clip.ID, Path: a.Clip.Media.Path, Position: s.position})
			continue
		}

		if s.state == SlotFaulted || s.state == SlotLoading || s.state == SlotIdle {
			continue
		}

		expected := a.SourceTime()
		if s.resync || (!s.seeking && math.Abs(s.position-expected) > SeekThreshold) {
			s.resync = false
			s.el.SeekTo(expected)
			s.seeking = true
			s.position = expected
			if s.state == SlotEnded {
				s.state = SlotReady
			}
		}
		if s.state == SlotEnded {
			continue
		}

		switch {
		case c.state.IsPlaying && s.state != SlotPlaying:
			s.el.Play()
			s.state = SlotPlaying
		case !c.state.IsPlaying && s.state == SlotPlaying:
			s.el.Pause()
			s.state = SlotPaused
		}

		vol := c.state.Volume
		if track.Muted {
			vol = 0
		}
		if vol != s.volume {
			s.el.SetVolume(vol)
			s.volume = vol
		}
	}

	for id, s := range c.slots {
		if !present[id] {
			s.el.Close()
			delete(c.slots, id)
		}
	}
}

func (c *Controller) slotLocked(trackID string) *slot {
	s, ok := c.slots[trackID]
	if !ok {
		s = &slot{trackID: trackID, el: c.factory(trackID), volume: -1}
		c.slots[trackID] = s
	}
	return s
}

func (c *Controller) snapshotLocked() State {
	st := c.state
	st.Tracks = make([]TrackStatus, 0, len(c.tl.Tracks))
	for _, track := range c.tl.Tracks {
		ts := TrackStatus{TrackID: track.ID, State: SlotIdle}
		if s, ok := c.slots[track.ID]; ok {
			ts.State, ts.ClipID, ts.Error = s.state, s.clipID, s.err
		}
		st.Tracks = append(st.Tracks, ts)
	}
	if m := c.masterLocked(); m != nil {
		st.Master = m.trackID
	}
	return st
}
