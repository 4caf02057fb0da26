package playback

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_ForwardsCommandsAndEvents(t *testing.T) {
	events := make(chan Event, 4)
	hub := NewHub(func(ev Event) { events <- ev }, nil)
	conn := dialHub(t, hub)

	el := hub.Factory()("track-1")
	el.Load(Source{LoadID: 7, ClipID: "clip-a", Path: "/src/a.mp4", Position: 1.5})

	var cmd Command
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&cmd))
	assert.Equal(t, "load", cmd.Type)
	assert.Equal(t, "track-1", cmd.TrackID)
	assert.Equal(t, uint64(7), cmd.LoadID)
	assert.Equal(t, "/playback/file?clip_id=clip-a", cmd.URL)
	assert.InDelta(t, 1.5, cmd.Time, 1e-9)

	require.NoError(t, conn.WriteJSON(Event{Kind: EventTimeUpdate, TrackID: "track-1", LoadID: 7, Time: 2.25}))
	select {
	case ev := <-events:
		assert.Equal(t, EventTimeUpdate, ev.Kind)
		assert.Equal(t, uint64(7), ev.LoadID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.InDelta(t, 2.25, el.CurrentTime(), 1e-9)

	// a new load forgets the previous clip's position
	el.Load(Source{LoadID: 8, ClipID: "clip-b", Position: 4})
	assert.InDelta(t, 4.0, el.CurrentTime(), 1e-9)
}

func TestHub_VolumeZeroIsSent(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := dialHub(t, hub)

	hub.Factory()("t").SetVolume(0)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"volume":0`)
}

func TestHub_LoadWithoutClientFails(t *testing.T) {
	events := make(chan Event, 1)
	hub := NewHub(func(ev Event) { events <- ev }, nil)

	hub.Factory()("track-1").Load(Source{LoadID: 3, ClipID: "clip-a"})

	select {
	case ev := <-events:
		assert.Equal(t, EventFailed, ev.Kind)
		assert.Equal(t, "track-1", ev.TrackID)
		assert.Equal(t, uint64(3), ev.LoadID)
		assert.Equal(t, errNoClient, ev.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
}

func TestHub_OnConnect(t *testing.T) {
	connected := make(chan struct{}, 1)
	hub := NewHub(nil, nil)
	hub.OnConnect(func() { connected <- struct{}{} })

	dialHub(t, hub)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8787", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8787/playback/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameOrigin(r), tt.origin)
	}
}
