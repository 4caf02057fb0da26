package playback

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Command is a message sent to the browser media elements.
type Command struct {
	Type    string  `json:"type"`
	TrackID string  `json:"track_id,omitempty"`
	LoadID  uint64  `json:"load_id,omitempty"`
	ClipID  string  `json:"clip_id,omitempty"`
	URL     string  `json:"url,omitempty"`
	Time    float64 `json:"time"`
	Volume  float64 `json:"volume"`
	State   *State  `json:"state,omitempty"`
}

// Hub bridges controller commands to <video> elements in connected
// browser clients and posts their events back. Every client mirrors every
// track; the controller only ever sees one logical element per track.
type Hub struct {
	post      func(Event)
	onConnect func()
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	times   map[string]float64 // last reported source time per track
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. post receives every event a client reports;
// wire it to Controller.Post.
func NewHub(post func(Event), logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		post:   post,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameOrigin,
		},
		clients: make(map[*client]struct{}),
		times:   make(map[string]float64),
	}
}

// SetPost replaces the event sink. The hub and controller reference each
// other, so one side is wired after construction.
func (h *Hub) SetPost(post func(Event)) {
	h.mu.Lock()
	h.post = post
	h.mu.Unlock()
}

// SetCheckOrigin replaces the upgrade origin check. Call it before serving.
func (h *Hub) SetCheckOrigin(fn func(*http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// OnConnect registers fn to run after each client connects.
func (h *Hub) OnConnect(fn func()) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// sameOrigin accepts loopback pages and non-browser clients.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

// Factory returns an ElementFactory whose elements are backed by this hub.
func (h *Hub) Factory() ElementFactory {
	return func(trackID string) Element {
		return &remoteElement{hub: h, trackID: trackID}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastState pushes a state snapshot to every client.
func (h *Hub) BroadcastState(st State) {
	h.broadcast(Command{Type: "state", State: &st})
}

// ServeWS upgrades the request and pumps messages until the client goes
// away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	onConnect := h.onConnect
	h.mu.Unlock()
	h.logger.Info("media client connected", "clients", n)

	go h.writePump(c)
	if onConnect != nil {
		onConnect()
	}
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		n := len(h.clients)
		h.mu.Unlock()
		c.conn.Close()
		h.logger.Info("media client disconnected", "clients", n)
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.TrackID == "" {
			h.logger.Debug("ignoring malformed element event", "error", err)
			continue
		}
		h.deliver(ev)
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	if ev.Kind == EventTimeUpdate || ev.Kind == EventSeeked {
		h.times[ev.TrackID] = ev.Time
	}
	post := h.post
	h.mu.Unlock()
	if post != nil {
		post(ev)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast never blocks: a client whose buffer is full misses the
// message, and the next seek or state push resynchronises it.
func (h *Hub) broadcast(cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		h.logger.Error("cannot encode command", "type", cmd.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("media client too slow, dropping command", "type", cmd.Type)
		}
	}
}

func (h *Hub) setTime(trackID string, t float64) {
	h.mu.Lock()
	h.times[trackID] = t
	h.mu.Unlock()
}

func (h *Hub) lastTime(trackID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.times[trackID]
}

// remoteElement is the controller-side proxy of a track's browser element.
type remoteElement struct {
	hub     *Hub
	trackID string
}

// errNoClient is reported for loads issued while no browser is connected.
const errNoClient = "no media client connected"

// Load faults at once when nobody can host the element. The failure is
// delivered from a goroutine because Load runs under the controller lock.
func (e *remoteElement) Load(src Source) {
	if e.hub.Clients() == 0 {
		go e.hub.deliver(Event{Kind: EventFailed, TrackID: e.trackID, LoadID: src.LoadID, Error: errNoClient})
		return
	}
	e.hub.setTime(e.trackID, src.Position)
	e.hub.broadcast(Command{
		Type:    "load",
		TrackID: e.trackID,
		LoadID:  src.LoadID,
		ClipID:  src.ClipID,
		URL:     "/playback/file?clip_id=" + url.QueryEscape(src.ClipID),
		Time:    src.Position,
	})
}

func (e *remoteElement) Play() {
	e.hub.broadcast(Command{Type: "play", TrackID: e.trackID})
}

func (e *remoteElement) Pause() {
	e.hub.broadcast(Command{Type: "pause", TrackID: e.trackID})
}

func (e *remoteElement) SeekTo(t float64) {
	e.hub.broadcast(Command{Type: "seek", TrackID: e.trackID, Time: t})
}

func (e *remoteElement) CurrentTime() float64 {
	return e.hub.lastTime(e.trackID)
}

func (e *remoteElement) SetVolume(v float64) {
	e.hub.broadcast(Command{Type: "volume", TrackID: e.trackID, Volume: v})
}

func (e *remoteElement) Close() {
	e.hub.broadcast(Command{Type: "close", TrackID: e.trackID})
}
