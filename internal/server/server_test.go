package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"smarthub/internal/catalog"
	"smarthub/internal/model"
	"smarthub/internal/turn"
)

type fakeTurns struct {
	resp turn.Response
	err  error
	last turn.Request
}

func (f *fakeTurns) Handle(_ context.Context, req turn.Request) (turn.Response, error) {
	f.last = req
	return f.resp, f.err
}

type fakeSyncer struct {
	result      model.SyncResult
	err         error
	resyncModel string
	resyncVer   string
	syncs       int
}

func (f *fakeSyncer) Sync(context.Context) (model.SyncResult, error) {
	f.syncs++
	return f.result, f.err
}

func (f *fakeSyncer) Resync(_ context.Context, m, v string) (model.SyncResult, error) {
	f.resyncModel, f.resyncVer = m, v
	return f.result, f.err
}

func (f *fakeSyncer) EmbedModel() (string, string) { return "nomic-embed-text", "1" }

type fakeIndex struct {
	count  int
	resets int
}

func (f *fakeIndex) Reset(context.Context) error {
	f.resets++
	f.count = 0
	return nil
}

func (f *fakeIndex) Count(context.Context) (int, error) { return f.count, nil }

func (f *fakeIndex) CountByKind(context.Context) (map[string]int, error) {
	return map[string]int{model.KindEntity: f.count}, nil
}

type fixture struct {
	turns  *fakeTurns
	syncer *fakeSyncer
	index  *fakeIndex
	srv    *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{turns: &fakeTurns{}, syncer: &fakeSyncer{}, index: &fakeIndex{count: 3}}
	opts.Turns = f.turns
	opts.Syncer = f.syncer
	opts.Index = f.index
	opts.Catalog = catalog.NewStore()
	srv, err := New(opts)
	require.NoError(t, err)
	f.srv = srv
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestTurn_ReturnsReply(t *testing.T) {
	f := newFixture(t, Options{})
	f.turns.resp = turn.Response{Reply: "Done.", Terminal: "executed"}

	rr := do(t, f.srv.Handler(), http.MethodPost, "/chat/turn",
		`{"chat_id":"c1","user_last_message":"lights on","context":{"room":"kitchen"},"tenant_id":"t"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"reply":"Done."}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	assert.Equal(t, "c1", f.turns.last.ChatID)
	assert.Equal(t, "t", f.turns.last.TenantID)
	assert.Equal(t, "lights on", f.turns.last.Message)
	assert.Equal(t, "kitchen", f.turns.last.Context["room"])
	assert.Equal(t, rr.Header().Get(requestIDHeader), f.turns.last.RequestID)
}

func TestTurn_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "empty body", body: ``, status: http.StatusBadRequest},
		{name: "invalid request", body: `{}`, err: turn.ErrInvalidRequest, status: http.StatusBadRequest},
		{name: "provider failure", body: `{"chat_id":"c","user_last_message":"x"}`,
			err: &model.ProviderError{Provider: "homeassistant", Code: "HA_AUTH", Message: "secret detail"}, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.turns.err = tc.err
			rr := do(t, f.srv.Handler(), http.MethodPost, "/chat/turn", tc.body)
			assert.Equal(t, tc.status, rr.Code)
			assert.NotContains(t, rr.Body.String(), "secret detail")
		})
	}
}

func TestTurn_RateLimitedPerClient(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})
	f.turns.resp = turn.Response{Reply: "ok"}
	h := f.srv.Handler()

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/chat/turn", strings.NewReader(`{"chat_id":"c","user_last_message":"x"}`))
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, send("203.0.113.5:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.5:1001"))
	assert.Equal(t, http.StatusOK, send("203.0.113.6:1000"))
	assert.Equal(t, http.StatusOK, send("127.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("127.0.0.1:1000"))
}

func TestAdmin_SyncResyncReset(t *testing.T) {
	f := newFixture(t, Options{})
	f.syncer.result = model.SyncResult{Scanned: 10, Embedded: 4, Batches: 1}
	h := f.srv.Handler()

	rr := do(t, h, http.MethodPost, "/admin/sync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var synced syncResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &synced))
	assert.Equal(t, 4, synced.Result.Embedded)
	assert.Equal(t, "nomic-embed-text", synced.EmbedModel)

	rr = do(t, h, http.MethodPost, "/admin/resync", `{"model":"mxbai-embed-large","version":"2"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "mxbai-embed-large", f.syncer.resyncModel)
	assert.Equal(t, "2", f.syncer.resyncVer)

	rr = do(t, h, http.MethodPost, "/admin/resync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.syncer.resyncModel)

	f.syncer.err = errors.New("embed batch 2: OLLAMA_UNAVAILABLE")
	rr = do(t, h, http.MethodPost, "/admin/sync", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), `"embedded":4`)

	rr = do(t, h, http.MethodPost, "/admin/reset", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, f.index.resets)
}

func TestAdmin_StatsAndHealth(t *testing.T) {
	f := newFixture(t, Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("smarthub_up 1\n"))
	})})
	h := f.srv.Handler()

	rr := do(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 3, stats.ByKind[model.KindEntity])
	assert.Equal(t, "1", stats.EmbedVersion)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Contains(t, do(t, h, http.MethodGet, "/metrics", "").Body.String(), "smarthub_up 1")
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/chat/turn", "").Code)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Turns: &fakeTurns{}})
	assert.Error(t, err)
}

func TestServe_GracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Options{ShutdownTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newIPRateLimiter(1, 1)
	l.now = func() time.Time { return now }
	assert.True(t, l.allow("198.51.100.1"))
	assert.False(t, l.allow("198.51.100.1"))

	now = now.Add(time.Hour)
	l.cleanup(time.Minute)
	assert.Empty(t, l.buckets)
	assert.True(t, l.allow("198.51.100.1"))
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", realIP(req))
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", realIP(req))
	assert.Equal(t, "::1", normalizeClientIP("[::1]:80"))
	assert.True(t, isLoopbackClientIP("localhost"))
}
