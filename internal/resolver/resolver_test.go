package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarthub/internal/catalog"
	"smarthub/internal/examples"
	"smarthub/internal/index"
	"smarthub/internal/model"
	"smarthub/internal/syncer"
	"smarthub/internal/testutil"
)

type fixture struct {
	store    *catalog.Store
	index    *index.SQLiteIndex
	embedder *testutil.VocabEmbedder
	engine   *syncer.Engine
	resolver *Resolver
}

func newFixture(t *testing.T, synced bool) *fixture {
	t.Helper()
	states, services := testutil.HomeFixture()
	f := &fixture{
		store:    catalog.NewStore(),
		index:    index.NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db")),
		embedder: testutil.NewVocabEmbedder(),
	}
	t.Cleanup(func() { _ = f.index.Close() })

	mirror := catalog.NewMirror(testutil.NewLiveSystem(states, services), zerolog.Nop())
	f.engine = syncer.NewEngine(mirror, f.store, f.index, f.embedder, syncer.Options{EmbedModel: "test-embed"})
	if synced {
		_, err := f.engine.Sync(context.Background())
		require.NoError(t, err)
	}
	f.resolver = New(f.index, f.embedder, f.store, examples.Default(), Options{Models: f.engine})
	return f
}

func TestResolve_RanksMatchingDeviceFirst(t *testing.T) {
	f := newFixture(t, true)
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_on", Targets: []string{"kitchen light"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Candidates)
	assert.LessOrEqual(t, len(bundle.Candidates), DefaultMaxCandidates)

	first := bundle.Candidates[0]
	assert.Equal(t, "light.kitchen_strip", first.Device.ID)
	assert.Equal(t, "Kitchen Strip", first.Device.Name)
	assert.Equal(t, "light.turn_on", first.Action.ID)
	assert.Equal(t, []string{"brightness_pct", "transition"}, first.Action.Fields)
	require.NotNil(t, first.SchemaHint.ValueRange)
	assert.Equal(t, [2]float64{0, 100}, *first.SchemaHint.ValueRange)
	assert.LessOrEqual(t, len(bundle.Examples), examples.MaxSample)
}

func TestResolve_NormalizesAndClampsArgs(t *testing.T) {
	f := newFixture(t, true)
	intent := model.Intent{Intent: "turn_on", Targets: []string{"kitchen strip"}, Args: map[string]any{"value": "150"}}
	bundle, err := f.resolver.Resolve(context.Background(), Request{Intent: intent})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Candidates)
	assert.Equal(t, 100, bundle.Candidates[0].Args["value"])
	assert.Equal(t, "150", intent.Args["value"], "caller args must not be mutated")
}

func TestResolve_ColdIndexYieldsEmptyCandidates(t *testing.T) {
	f := newFixture(t, false)
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_on", Targets: []string{"kitchen light"}},
	})
	require.NoError(t, err)
	assert.NotNil(t, bundle.Candidates)
	assert.Empty(t, bundle.Candidates)
	assert.Equal(t, "turn_on", bundle.Intent.Intent)
}

func TestResolve_DropsUnknownKeys(t *testing.T) {
	f := newFixture(t, true)
	f.store.Replace(nil, nil)

	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_on", Targets: []string{"kitchen light"}},
	})
	require.NoError(t, err)
	assert.Empty(t, bundle.Candidates)
}

func TestResolve_StrictAreaScope(t *testing.T) {
	f := newFixture(t, true)
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_off", Targets: []string{"light"}},
		Scope:  Scope{Area: "bedroom", Strict: true},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Candidates, 1)
	assert.Equal(t, "light.bedroom_lamp", bundle.Candidates[0].Device.ID)
	assert.Equal(t, "light.turn_off", bundle.Candidates[0].Action.ID)
	assert.True(t, bundle.Candidates[0].SchemaHint.Toggle)
}

func TestResolve_AreaBiasKeepsNamedDeviceFromOtherRoom(t *testing.T) {
	f := newFixture(t, true)
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_on", Targets: []string{"kitchen light"}},
		Scope:  Scope{Area: catalog.NormalizeArea("bedroom")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Candidates)
	assert.Equal(t, "light.kitchen_strip", bundle.Candidates[0].Device.ID)

	ids := make([]string, 0, len(bundle.Candidates))
	for _, c := range bundle.Candidates {
		ids = append(ids, c.Device.ID)
	}
	assert.Contains(t, ids, "light.bedroom_lamp", "the caller's room still contributes devices")
}

func TestResolve_FallsBackToRankedActionInDomain(t *testing.T) {
	f := newFixture(t, true)
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "speed", Targets: []string{"living room fan"}},
		Scope:  Scope{Area: "living_room", Strict: true},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Candidates, 1)
	assert.Equal(t, "fan.living_room", bundle.Candidates[0].Device.ID)
	assert.Equal(t, "fan", model.DomainOf(bundle.Candidates[0].Action.ID))
}

func TestResolve_CapsCandidates(t *testing.T) {
	f := newFixture(t, true)
	f.resolver = New(f.index, f.embedder, f.store, nil, Options{Models: f.engine, MaxCandidates: 1})
	bundle, err := f.resolver.Resolve(context.Background(), Request{
		Intent: model.Intent{Intent: "turn_on", Targets: []string{"light"}},
	})
	require.NoError(t, err)
	assert.Len(t, bundle.Candidates, 1)
	assert.Empty(t, bundle.Examples)
}

func TestResolve_EmbedFailurePropagates(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("embedder down")
	f.embedder.FailOnCall = f.embedder.Calls() + 1
	f.embedder.Err = boom

	_, err := f.resolver.Resolve(context.Background(), Request{Intent: model.Intent{Intent: "turn_on"}})
	assert.ErrorIs(t, err, boom)
}

func TestCandidateLookup(t *testing.T) {
	f := newFixture(t, true)
	c, ok := f.resolver.Candidate("fan.living_room", "fan.set_percentage", map[string]any{"value": "max"})
	require.True(t, ok)
	assert.Equal(t, 100, c.Args["value"])

	_, ok = f.resolver.Candidate("fan.unknown", "fan.turn_on", nil)
	assert.False(t, ok)
	_, ok = f.resolver.Candidate("fan.living_room", "fan.explode", nil)
	assert.False(t, ok)
}

func TestQueryText(t *testing.T) {
	got := QueryText(model.Intent{Intent: "set_percentage", Targets: []string{" fan ", ""}}, Scope{Area: "living_room"})
	assert.Equal(t, "set percentage fan", got)
	got = QueryText(model.Intent{Intent: "set_percentage", Targets: []string{"fan"}}, Scope{Area: "living_room", Strict: true})
	assert.Equal(t, "set percentage fan in living room", got)
	got = QueryText(model.Intent{Intent: "turn_off"}, Scope{Area: "bedroom"})
	assert.Equal(t, "turn off in bedroom", got)
	assert.Empty(t, QueryText(model.Intent{}, Scope{}))
}
