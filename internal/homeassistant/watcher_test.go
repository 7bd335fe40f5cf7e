package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeEventServer struct {
	token string

	mu         sync.Mutex
	subscribed []string
	conns      int
}

func (s *fakeEventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	_ = conn.WriteJSON(map[string]any{"type": "auth_required"})
	var auth wsMessage
	if conn.ReadJSON(&auth) != nil {
		return
	}
	if auth.AccessToken != s.token {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "bad token"})
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "auth_ok"})

	for range RegistryEvents {
		var sub wsMessage
		if conn.ReadJSON(&sub) != nil {
			return
		}
		s.mu.Lock()
		s.subscribed = append(s.subscribed, sub.EventType)
		s.mu.Unlock()
		_ = conn.WriteJSON(map[string]any{"id": sub.ID, "type": "result", "success": true})
	}

	_ = conn.WriteJSON(map[string]any{"id": 1, "type": "event", "event": map[string]any{"event_type": "entity_registry_updated"}})
	_ = conn.WriteJSON(map[string]any{"id": 3, "type": "event", "event": map[string]any{"event_type": "service_registered"}})

	// Hold the connection until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWatcher_SubscribesAndForwardsEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeEventServer{token: "secret"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	events := make(chan string, 8)
	w := NewWatcher(srv.URL, "secret", func(ev string) { events <- ev })
	w.Start(context.Background())

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []string{"entity_registry_updated", "service_registered"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, RegistryEvents, fake.subscribed)
}

func TestWatcher_InvalidTokenStopsReconnecting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeEventServer{token: "secret"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := NewWatcher(srv.URL, "wrong", nil)
	connected, err := w.watchOnce(context.Background())
	assert.False(t, connected)
	assert.ErrorIs(t, err, errAuthInvalid)

	w.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://ha.local:8123":    "ws://ha.local:8123/api/websocket",
		"https://ha.example.com/": "wss://ha.example.com/api/websocket",
	}
	for in, want := range cases {
		got, err := WebsocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := WebsocketURL("ftp://ha")
	assert.Error(t, err)
}
