package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RegistryEvents are the event types that change what the catalog holds.
var RegistryEvents = []string{
	"entity_registry_updated",
	"area_registry_updated",
	"service_registered",
	"service_removed",
}

const (
	wsHandshakeWait   = 10 * time.Second
	wsMaxMessageSize  = 1 << 20
	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute
)

var errAuthInvalid = errors.New("home assistant rejected the access token")

type wsMessage struct {
	ID          int    `json:"id,omitempty"`
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
	EventType   string `json:"event_type,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Message     string `json:"message,omitempty"`
	Event       *struct {
		EventType string `json:"event_type"`
	} `json:"event,omitempty"`
}

// Watcher follows the websocket event stream and calls OnEvent for every
// registry change. It reconnects with backoff until stopped.
type Watcher struct {
	BaseURL string
	Token   string
	Events  []string
	OnEvent func(eventType string)
	Logger  zerolog.Logger

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWatcher(baseURL, token string, onEvent func(string)) *Watcher {
	return &Watcher{
		BaseURL: baseURL,
		Token:   token,
		Events:  RegistryEvents,
		OnEvent: onEvent,
		Logger:  zerolog.Nop(),
	}
}

func (w *Watcher) Start(ctx context.Context) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.stateMu.Lock()
	if !w.running {
		w.stateMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.stateMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		connected, err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errAuthInvalid) {
			w.Logger.Error().Err(err).Msg("event watcher stopped")
			return
		}
		if connected {
			delay = minReconnectDelay
		}
		w.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("event stream interrupted, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// watchOnce runs one connection until it fails. connected reports whether
// the subscription was established.
func (w *Watcher) watchOnce(ctx context.Context) (connected bool, err error) {
	endpoint, err := WebsocketURL(w.BaseURL)
	if err != nil {
		return false, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := w.authenticate(conn); err != nil {
		return false, err
	}
	if err := w.subscribe(conn); err != nil {
		return false, err
	}
	w.Logger.Info().Str("url", endpoint).Strs("events", w.Events).Msg("subscribed to registry events")

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("read event: %w", err)
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		w.Logger.Debug().Str("event_type", msg.Event.EventType).Msg("registry event")
		if w.OnEvent != nil {
			w.OnEvent(msg.Event.EventType)
		}
	}
}

func (w *Watcher) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected greeting %q", hello.Type)
	}
	if err := conn.WriteJSON(wsMessage{Type: "auth", AccessToken: strings.TrimSpace(w.Token)}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var reply wsMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", errAuthInvalid, reply.Message)
	default:
		return fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

func (w *Watcher) subscribe(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for i, event := range w.Events {
		id := i + 1
		if err := conn.WriteJSON(wsMessage{ID: id, Type: "subscribe_events", EventType: event}); err != nil {
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
		var res wsMessage
		if err := conn.ReadJSON(&res); err != nil {
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
		if res.Type != "result" || res.ID != id || res.Success == nil || !*res.Success {
			return fmt.Errorf("subscribe %s rejected", event)
		}
	}
	return nil
}

// WebsocketURL maps the REST base URL to the websocket endpoint.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}
