package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDecision_AllModes(t *testing.T) {
	d, err := DecodeDecision(`{"mode":"REPLY","text":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "hello"}, d)

	d, err = DecodeDecision(`{"mode":"FETCH_MORE","fetch":"devices_for_area","params":{"area":"kitchen"}}`)
	require.NoError(t, err)
	fm, ok := d.(FetchMore)
	require.True(t, ok)
	assert.Equal(t, "devices_for_area", fm.Kind)
	assert.Equal(t, "kitchen", fm.Params["area"])

	d, err = DecodeDecision(`{"mode":"EXECUTE_AND_REPLY","device_id":"dev_42","action_id":"act_brightness","args":{"value":"150"},"reply_text":"done"}`)
	require.NoError(t, err)
	ex, ok := d.(ExecuteAndReply)
	require.True(t, ok)
	assert.Equal(t, "dev_42", ex.DeviceID)
	assert.Equal(t, "act_brightness", ex.ActionID)
	assert.Equal(t, "150", ex.Args["value"])
	assert.Equal(t, "done", ex.ReplyText)
}

func TestDecodeDecision_ToleratesSurroundingProse(t *testing.T) {
	d, err := DecodeDecision("sure!\n```json\n{\"mode\":\"reply\",\"text\":\"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "ok"}, d)
}

func TestDecodeDecision_UnknownModeIsDistinguishable(t *testing.T) {
	_, err := DecodeDecision(`{"mode":"DANCE"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDecision))
	assert.True(t, errors.Is(err, ErrParseFailure))

	_, err = DecodeDecision(`not json at all`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParseFailure))
	assert.False(t, errors.Is(err, ErrUnknownDecision))
}

func TestDecodeDecision_MissingRequiredFields(t *testing.T) {
	for _, raw := range []string{
		`{"mode":"REPLY"}`,
		`{"mode":"FETCH_MORE"}`,
		`{"mode":"EXECUTE_AND_REPLY","action_id":"light.turn_on"}`,
	} {
		_, err := DecodeDecision(raw)
		assert.ErrorIs(t, err, ErrParseFailure, raw)
	}
}

func TestDecodeClassification(t *testing.T) {
	c, err := DecodeClassification(`{"mode":"reply","text":"you're welcome"}`)
	require.NoError(t, err)
	assert.True(t, c.IsReply())
	assert.Equal(t, "you're welcome", c.Reply)

	c, err = DecodeClassification(`{"mode":"intent","intent":{"intent":"turn_on","targets":["kitchen light"],"confidence":0.9}}`)
	require.NoError(t, err)
	require.False(t, c.IsReply())
	assert.Equal(t, "turn_on", c.Intent.Intent)
	assert.Equal(t, []string{"kitchen light"}, c.Intent.Targets)
	assert.NotNil(t, c.Intent.Args)

	_, err = DecodeClassification(`{"mode":"intent"}`)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestSchemaHintJSON(t *testing.T) {
	raw, err := json.Marshal(RangeHint(0, 100))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value_range":[0,100]}`, string(raw))

	raw, err = json.Marshal(ToggleHint())
	require.NoError(t, err)
	assert.JSONEq(t, `{"toggle":true}`, string(raw))

	assert.True(t, SchemaHint{}.IsZero())
}

func TestSplitKey(t *testing.T) {
	kind, ident, ok := SplitKey("service:light.turn_on")
	require.True(t, ok)
	assert.Equal(t, KindService, kind)
	assert.Equal(t, "light.turn_on", ident)

	_, _, ok = SplitKey("light.kitchen")
	assert.False(t, ok)

	assert.Equal(t, "entity:light.kitchen", EntityKey("light.kitchen"))
	assert.Equal(t, "light", DomainOf("light.kitchen"))
	assert.Equal(t, "", DomainOf("kitchen"))
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &ProviderError{Provider: "ollama", Code: "TRANSPORT", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ollama: TRANSPORT")
}
