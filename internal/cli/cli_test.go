package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarthub/internal/decision"
	"smarthub/internal/model"
	"smarthub/internal/testutil"
	"smarthub/internal/turn"
)

type serviceCall struct {
	Path string
	Body map[string]any
}

// fakeHome serves the fixture catalog over the Home Assistant REST API and
// records service calls.
type fakeHome struct {
	mu    sync.Mutex
	calls []serviceCall
}

func (f *fakeHome) recorded() []serviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]serviceCall(nil), f.calls...)
}

func (f *fakeHome) handler(t *testing.T) http.Handler {
	states, services := testutil.HomeFixture()
	type domainServices struct {
		Domain   string                       `json:"domain"`
		Services map[string]model.ServiceSpec `json:"services"`
	}
	list := make([]domainServices, 0, len(services))
	for domain, svcs := range services {
		list = append(list, domainServices{Domain: domain, Services: svcs})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/states", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(states)
	})
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("POST /api/services/{domain}/{service}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode service call: %v", err)
		}
		f.mu.Lock()
		f.calls = append(f.calls, serviceCall{Path: r.URL.Path, Body: body})
		f.mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	})
}

// fakeOllama embeds with the vocabulary embedder and answers generate
// calls by model name.
func fakeOllama(t *testing.T, replies map[string]string) http.Handler {
	embedder := testutil.NewVocabEmbedder()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vecs, err := embedder.Embed(r.Context(), req.Model, req.Input)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": replies[req.Model], "done": true})
	})
	return mux
}

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func setupEnv(t *testing.T, haURL, ollamaURL string) string {
	t.Helper()
	dir := t.TempDir()
	unsetEnv(t, "HA_SCHEME", "HA_HOST", "HA_PORT", "EMBED_VERSION", "EMBED_TIMEOUT",
		"SMARTHUB_LISTEN", "SMARTHUB_LOG_FORMAT", "SMARTHUB_SYNC_INTERVAL", "SMARTHUB_EMBED_BATCH", "SMARTHUB_HA_WATCH")
	t.Setenv("HA_URL", haURL)
	t.Setenv("HA_TOKEN", "secret")
	t.Setenv("OLLAMA_URL", ollamaURL)
	t.Setenv("EMBED_MODEL", "test-embed")
	t.Setenv("SMALL_MODEL", "small")
	t.Setenv("BIG_MODEL", "big")
	t.Setenv("SMARTHUB_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("SMARTHUB_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncVerifyThenAsk(t *testing.T) {
	home := &fakeHome{}
	haSrv := httptest.NewServer(home.handler(t))
	defer haSrv.Close()
	llmSrv := httptest.NewServer(fakeOllama(t, map[string]string{
		"small": `{"mode":"intent","intent":{"intent":"turn_on","targets":["kitchen light"],"args":{"value":"150"}}}`,
		"big":   `{"mode":"EXECUTE_AND_REPLY","device_id":"light.kitchen_strip","action_id":"light.turn_on","args":{"value":"150"},"reply_text":"Kitchen at full brightness."}`,
	}))
	defer llmSrv.Close()
	dir := setupEnv(t, haSrv.URL, llmSrv.URL)

	out, err := run(t, "--dir", dir, "--json", "sync", "--verify")
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Greater(t, first["embedded"], 0.0)
	assert.Equal(t, 0.0, second["embedded"])

	out, err = run(t, "--dir", dir, "--json", "ask", "--chat-id", "c1", "kitchen", "light", "to", "150")
	require.NoError(t, err, out)
	var resp turn.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "Kitchen at full brightness.", resp.Reply)
	assert.Equal(t, decision.TerminalExecuted, resp.Terminal)

	calls := home.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/services/light/turn_on", calls[0].Path)
	assert.Equal(t, "light.kitchen_strip", calls[0].Body["entity_id"])
	assert.Equal(t, 100.0, calls[0].Body["brightness_pct"])

	out, err = run(t, "--dir", dir, "--json", "status")
	require.NoError(t, err, out)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, int(first["embedded"].(float64)), rep.Records)
	assert.Equal(t, 3, rep.ByKind[model.KindEntity])
}

func TestMissingTokenIsConfigError(t *testing.T) {
	dir := setupEnv(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	unsetEnv(t, "HA_TOKEN")
	_, err := run(t, "--dir", dir, "sync")
	require.Error(t, err)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ExitConfigInvalid, ee.code)
	assert.Contains(t, err.Error(), "HA_TOKEN")
}

func TestConfigInitAndPrint(t *testing.T) {
	dir := setupEnv(t, "http://ha.lan:8123", "http://127.0.0.1:11434")
	unsetEnv(t, "HA_TOKEN")

	out, err := run(t, "--dir", dir, "config", "init", "--non-interactive", "--ha-token", "tok-1234")
	require.NoError(t, err, out)
	assert.FileExists(t, filepath.Join(dir, "smarthub.toml"))
	assert.FileExists(t, filepath.Join(dir, ".env.local"))

	_, err = run(t, "--dir", dir, "config", "init", "--non-interactive")
	require.Error(t, err, "refuses to overwrite without --force")

	out, err = run(t, "--dir", dir, "config", "print")
	require.NoError(t, err)
	assert.Contains(t, out, `embed_model = "test-embed"`)
	assert.NotContains(t, out, "tok-1234")

	out, err = run(t, "--dir", dir, "config", "print", "--sources")
	require.NoError(t, err)
	assert.Contains(t, out, "****1234")
	assert.Contains(t, out, "(env, BIG_MODEL)")
}

func TestPromptToken_ReadsOneLine(t *testing.T) {
	var prompt bytes.Buffer
	tok, err := promptToken(strings.NewReader("  llat-abc \nignored\n"), &prompt)
	require.NoError(t, err)
	assert.Equal(t, "llat-abc", tok)
	assert.Equal(t, "HA token: \n", prompt.String())

	tok, err = promptToken(strings.NewReader(""), &prompt)
	require.NoError(t, err)
	assert.Empty(t, tok, "empty input skips the token")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "smarthub "+version+"\n", out)
}

func TestChatModel_SendsTurnAndRendersReply(t *testing.T) {
	var got []string
	send := func(_ context.Context, text string) (turn.Response, error) {
		got = append(got, text)
		return turn.Response{Reply: "Done.", Executed: &decision.Execution{DeviceID: "fan.living_room", ActionID: "fan.turn_on"}}, nil
	}
	m := newChatModel(context.Background(), send, newStyles(&bytes.Buffer{}, false), "c1")

	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(chatModel)
	m.textInput.SetValue("turn on the fan")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(chatModel)
	require.NotNil(t, cmd)
	assert.True(t, m.isLoading)

	next, _ = m.Update(m.turnCmd("turn on the fan")())
	m = next.(chatModel)
	assert.False(t, m.isLoading)
	assert.Equal(t, []string{"turn on the fan"}, got)
	view := m.View()
	assert.Contains(t, view, "hub> Done.")
	assert.Contains(t, view, "ran fan.turn_on on fan.living_room")

	m.textInput.SetValue("/quit")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
