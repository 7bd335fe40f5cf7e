package examples

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLibrary(t *testing.T) {
	lib := Default()
	require.Greater(t, lib.Len(), MaxSample)
	assert.Len(t, lib.Sample("", 10), MaxSample)
	assert.Empty(t, lib.Sample("turn_on", 0))
}

func TestSample_PrefersMatchingIntent(t *testing.T) {
	lib := Default()
	got := lib.Sample("turn_off", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "light.turn_off", got[0].ActionID)

	got = lib.Sample("set_brightness", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "dev_42", got[0].DeviceID)
	assert.Equal(t, 25, got[0].Args["value"])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.yaml")
	doc := "examples:\n  - user: open the blinds\n    intent: open\n    device_id: cover.office\n    action_id: cover.open_cover\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	lib, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, lib.Len())
	assert.Equal(t, "cover.office", lib.Sample("open", 3)[0].DeviceID)

	lib, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default().Len(), lib.Len())
}

func TestParse_RejectsIncompleteEntries(t *testing.T) {
	_, err := Parse([]byte("examples:\n  - user: hi\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("examples: [unclosed"))
	assert.Error(t, err)
}

func TestNilLibrary(t *testing.T) {
	var lib *Library
	assert.Equal(t, 0, lib.Len())
	assert.Nil(t, lib.Sample("turn_on", 3))
}
