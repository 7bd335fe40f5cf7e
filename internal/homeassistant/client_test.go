package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarthub/internal/model"
)

type fakeHA struct {
	t     *testing.T
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeHA) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

type recordedCall struct {
	Path string
	Body map[string]any
}

func (f *fakeHA) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/states", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"entity_id":"light.kitchen","state":"on","attributes":{"friendly_name":"Kitchen","brightness":120}},
			{"entity_id":"fan.office","state":"off","attributes":{}}
		]`))
	})
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"domain":"light","services":{
				"turn_on":{"name":"Turn on","description":"Turn on a light","fields":{
					"brightness_pct":{"selector":{"number":{"min":0,"max":100}}},
					"advanced_fields":{"collapsed":true,"fields":{"transition":{"selector":{"number":{"min":0,"max":300}}}}}
				}},
				"turn_off":{"name":"Turn off","fields":{}}
			}},
			{"domain":"","services":{}}
		]`))
	})
	mux.HandleFunc("POST /api/services/{domain}/{service}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{Path: r.URL.Path, Body: body})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})
	return requireToken(f.t, mux)
}

func requireToken(t *testing.T, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Invalid access token"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newTestClient(t *testing.T) (*Client, *fakeHA) {
	t.Helper()
	f := &fakeHA{t: t}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", time.Second), f
}

func TestStatesAndServices(t *testing.T) {
	c, _ := newTestClient(t)

	states, err := c.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "light.kitchen", states[0].EntityID)
	assert.Equal(t, "Kitchen", states[0].Attributes["friendly_name"])

	services, err := c.Services(context.Background())
	require.NoError(t, err)
	require.Contains(t, services, "light")
	assert.NotContains(t, services, "")

	turnOn := services["light"]["turn_on"]
	assert.Equal(t, "Turn on a light", turnOn.Description)
	assert.Contains(t, turnOn.Fields, "brightness_pct")
	assert.Contains(t, turnOn.Fields, "transition", "sectioned fields are flattened")
	assert.NotContains(t, turnOn.Fields, "advanced_fields")
	assert.Empty(t, services["light"]["turn_off"].Fields)
}

type staticFields map[string]string

func (s staticFields) ValueField(actionID string) string { return s[actionID] }

func TestExecute_TargetsAndValueField(t *testing.T) {
	c, f := newTestClient(t)
	c.Fields = staticFields{"light.turn_on": "brightness_pct"}

	args := map[string]any{"value": 40, "area_id": "kitchen"}
	res, err := c.Execute(context.Background(), "light.kitchen", "light.turn_on", args)
	require.NoError(t, err)
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, "light.turn_on", res["service"])

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/services/light/turn_on", calls[0].Path)
	assert.Equal(t, map[string]any{
		"brightness_pct": float64(40),
		"entity_id":      "light.kitchen",
		"area_id":        "kitchen",
	}, calls[0].Body)
	assert.Equal(t, map[string]any{"value": 40, "area_id": "kitchen"}, args, "caller args are untouched")
}

func TestExecute_DeviceIDAndFallbackAction(t *testing.T) {
	c, f := newTestClient(t)

	res, err := c.Execute(context.Background(), "8f3c2a", "turn_on", map[string]any{"value": 10})
	require.NoError(t, err)
	assert.Equal(t, "light.turn_on", res["service"])

	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/services/light/turn_on", calls[0].Path)
	assert.Equal(t, "8f3c2a", calls[0].Body["device_id"])
	assert.NotContains(t, calls[0].Body, "entity_id")
	assert.Equal(t, float64(10), calls[0].Body["value"], "no field mapping without a catalog")
}

func TestExecute_ExplicitEntityArgWins(t *testing.T) {
	c, f := newTestClient(t)
	_, err := c.Execute(context.Background(), "light.kitchen", "light.turn_off", map[string]any{"entity_id": "light.hall"})
	require.NoError(t, err)
	calls := f.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "light.hall", calls[0].Body["entity_id"])
	assert.NotContains(t, calls[0].Body, "device_id")
}

func TestAuthErrors(t *testing.T) {
	c, _ := newTestClient(t)
	c.Token = "wrong"
	_, err := c.States(context.Background())
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "HA_AUTH", pe.Code)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "Invalid access token", pe.Message)

	c.Token = ""
	_, err = c.Services(context.Background())
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "HA_AUTH", pe.Code)
	assert.Zero(t, pe.StatusCode)
}

func TestLooksLikeEntityID(t *testing.T) {
	assert.True(t, looksLikeEntityID("light.kitchen"))
	assert.False(t, looksLikeEntityID("8f3c2a"))
	assert.False(t, looksLikeEntityID("light."))
	assert.False(t, looksLikeEntityID(".kitchen"))
}
