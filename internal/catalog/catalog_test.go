package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarthub/internal/fingerprint"
	"smarthub/internal/model"
)

type fakeLive struct {
	states      []model.EntityState
	services    map[string]map[string]model.ServiceSpec
	statesErr   error
	servicesErr error
}

func (f *fakeLive) States(ctx context.Context) ([]model.EntityState, error) {
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	return f.states, nil
}

func (f *fakeLive) Services(ctx context.Context) (map[string]map[string]model.ServiceSpec, error) {
	if f.servicesErr != nil {
		return nil, f.servicesErr
	}
	return f.services, nil
}

func lightServices() map[string]map[string]model.ServiceSpec {
	return map[string]map[string]model.ServiceSpec{
		"light": {
			"turn_on": {
				Description: "Turn on one or more lights.",
				Fields: map[string]model.ServiceField{
					"brightness":     {Selector: map[string]any{"number": map[string]any{"min": 0.0, "max": 255.0}}},
					"brightness_pct": {Selector: map[string]any{"number": map[string]any{"min": 0.0, "max": 100.0}}},
					"transition":     {Selector: map[string]any{"number": map[string]any{"min": 0.0, "max": 300.0}}},
				},
			},
			"turn_off": {Fields: map[string]model.ServiceField{
				"transition": {Selector: map[string]any{"number": map[string]any{"min": 0.0, "max": 300.0}}},
			}},
			"toggle": {},
		},
	}
}

func TestDecodeCapabilities_Fan(t *testing.T) {
	got := DecodeCapabilities("fan", map[string]any{"supported_features": float64(3)})
	assert.Equal(t, []string{"can_set_speed", "can_oscillate"}, got)
}

func TestDecodeCapabilities_LightColorModesFirst(t *testing.T) {
	attrs := map[string]any{
		"supported_color_modes": []any{"color_temp", "brightness", "xy", "rgb"},
		"supported_features":    float64(4 | 32),
	}
	got := DecodeCapabilities("light", attrs)
	assert.Equal(t, []string{"has_brightness", "has_color_temperature", "has_color", "has_effects", "has_transition"}, got)
}

func TestDecodeCapabilities_MediaPlayer(t *testing.T) {
	got := DecodeCapabilities("media_player", map[string]any{"supported_features": 1 | 128 | 2048})
	assert.Equal(t, []string{"can_pause", "can_volume_set", "can_select_sound_mode"}, got)
}

func TestDecodeCapabilities_UnknownDomainAndBadMask(t *testing.T) {
	assert.Empty(t, DecodeCapabilities("switch", map[string]any{"supported_features": 255}))
	assert.Empty(t, DecodeCapabilities("fan", map[string]any{"supported_features": "3"}))
	assert.Empty(t, DecodeCapabilities("fan", map[string]any{"supported_features": 1.5}))
	assert.Empty(t, DecodeCapabilities("light", nil))
}

func TestSummarizeServices_PriorityThenAlphaTruncated(t *testing.T) {
	block := model.DomainServiceBlock{Services: map[string][]string{}}
	for _, s := range []string{"zeta", "toggle", "alpha", "turn_off", "turn_on", "b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"} {
		block.Services[s] = nil
	}
	got := SummarizeServices(block)
	require.Len(t, got, MaxDescriptorServices)
	assert.Equal(t, []string{"turn_on", "turn_off", "toggle", "alpha", "b1"}, got[:5])
	assert.NotContains(t, got, "zeta")
}

func TestBuildDescriptor_StripsVolatileFields(t *testing.T) {
	blocks := BuildDomainBlocks(lightServices())
	st := model.EntityState{
		EntityID:    "light.kitchen_strip",
		State:       "on",
		LastChanged: "2024-01-01T00:00:00Z",
		Attributes: map[string]any{
			"friendly_name":         "Kitchen Strip",
			"area_id":               "kitchen_island",
			"supported_color_modes": []any{"brightness"},
			"brightness":            128,
		},
	}
	d := BuildDescriptor(st, blocks["light"])
	assert.Equal(t, "light", d.Domain)
	assert.Equal(t, "Kitchen Strip", d.Name)
	assert.Equal(t, "kitchen_island", d.Area)
	assert.Equal(t, []string{"has_brightness"}, d.Capabilities)
	assert.Equal(t, []string{"turn_on", "turn_off", "toggle"}, d.Services)

	assert.Equal(t,
		"Kitchen Strip (light domain) in kitchen island. Capabilities: has_brightness. Services: turn_on, turn_off, toggle.",
		DescriptorText(d))

	st.State = "off"
	st.LastChanged = "2025-06-01T00:00:00Z"
	st.Attributes["brightness"] = 3
	again := BuildDescriptor(st, blocks["light"])
	assert.Equal(t, fingerprint.Hash(DescriptorContent(d)), fingerprint.Hash(DescriptorContent(again)))
}

func TestBuildDescriptor_FallsBackToEntityID(t *testing.T) {
	d := BuildDescriptor(model.EntityState{EntityID: "sensor.temp"}, model.DomainServiceBlock{})
	assert.Equal(t, "sensor.temp", d.Name)
	assert.Equal(t, "sensor.temp (sensor domain).", DescriptorText(d))
	content := DescriptorContent(d)
	assert.NotContains(t, content, "area")
	assert.NotContains(t, content, "capabilities")
}

func TestDomainAndServiceText(t *testing.T) {
	blocks := BuildDomainBlocks(lightServices())
	assert.Equal(t,
		"domain: light\nservices:\n- toggle()\n- turn_off(transition)\n- turn_on(brightness, brightness_pct, transition)",
		DomainText(blocks["light"]))

	spec := lightServices()["light"]["turn_on"]
	assert.Equal(t,
		"light.turn_on: Turn on one or more lights. Fields: brightness, brightness_pct, transition.",
		ServiceText("light", "turn_on", spec))
	assert.Equal(t, "light.toggle.", ServiceText("light", "toggle", model.ServiceSpec{}))
}

func TestDeriveSchemaHint(t *testing.T) {
	svcs := lightServices()["light"]

	hint, field := DeriveSchemaHint(svcs["turn_on"])
	require.NotNil(t, hint.ValueRange)
	assert.Equal(t, [2]float64{0, 100}, *hint.ValueRange)
	assert.Equal(t, "brightness_pct", field)

	hint, field = DeriveSchemaHint(svcs["toggle"])
	assert.True(t, hint.Toggle)
	assert.Empty(t, field)

	hint, _ = DeriveSchemaHint(model.ServiceSpec{Fields: map[string]model.ServiceField{
		"oscillating": {Selector: map[string]any{"boolean": map[string]any{}}},
	}})
	assert.True(t, hint.Toggle)

	hint, _ = DeriveSchemaHint(model.ServiceSpec{Fields: map[string]model.ServiceField{
		"source": {Selector: map[string]any{"text": nil}},
	}})
	assert.True(t, hint.IsZero())
}

func TestStore_ReplaceAndLookups(t *testing.T) {
	s := NewStore()
	blocks := BuildDomainBlocks(lightServices())
	s.Replace([]model.EntityDescriptor{
		{EntityID: "light.b", Domain: "light", Name: "B", Area: "Living Room"},
		{EntityID: "light.a", Domain: "light", Name: "A", Area: "living_room"},
		{EntityID: "light.a", Domain: "light", Name: "dup"},
		{EntityID: "light.c", Domain: "light", Name: "C", Area: "kitchen"},
	}, blocks)

	d, ok := s.Entity("light.a")
	require.True(t, ok)
	assert.Equal(t, "A", d.Name)

	all := s.Entities()
	require.Len(t, all, 3)
	assert.Equal(t, "light.a", all[0].EntityID)

	inArea := s.EntitiesInArea("living room")
	require.Len(t, inArea, 2)
	assert.Empty(t, s.EntitiesInArea(""))

	hint := s.SchemaHint("light.turn_on")
	require.NotNil(t, hint.ValueRange)
	assert.Equal(t, "brightness_pct", s.ValueField("light.turn_on"))
	assert.True(t, s.SchemaHint("light.toggle").Toggle)
	assert.True(t, s.SchemaHint("light.nope").IsZero())
	assert.True(t, s.SchemaHint("garbage").IsZero())

	st := s.Stats()
	assert.Equal(t, 3, st.Entities)
	assert.Equal(t, 1, st.Domains)
	assert.Equal(t, 3, st.Services)
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestStore_ConcurrentReadersDuringReplace(t *testing.T) {
	s := NewStore()
	blocks := BuildDomainBlocks(lightServices())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Replace([]model.EntityDescriptor{{EntityID: "light.a", Domain: "light"}}, blocks)
				_ = s.Entities()
				_ = s.SchemaHint("light.turn_on")
			}
		}()
	}
	wg.Wait()
	_, ok := s.Entity("light.a")
	assert.True(t, ok)
}

func TestMirror_FetchAll(t *testing.T) {
	live := &fakeLive{
		states: []model.EntityState{
			{EntityID: "light.kitchen", Attributes: map[string]any{"friendly_name": "Kitchen", "room": "kitchen"}},
			{EntityID: "light.kitchen", Attributes: map[string]any{"friendly_name": "Duplicate"}},
			{EntityID: ""},
		},
		services: lightServices(),
	}
	m := NewMirror(live, zerolog.Nop())
	descs, blocks, err := m.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "Kitchen", descs[0].Name)
	assert.Equal(t, "kitchen", descs[0].Area)
	assert.Contains(t, blocks, "light")
}

func TestMirror_FetchAllPropagatesTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewMirror(&fakeLive{servicesErr: boom}, zerolog.Nop())
	descs, blocks, err := m.FetchAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, descs)
	assert.Nil(t, blocks)
}
