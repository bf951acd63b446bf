package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProplistUpdateReplace(t *testing.T) {
	p := NewProplist()
	p.Set(PropDeviceClass, "sound")
	p.Set(PropDeviceDescription, "Tunnel to remote/mic")

	overlay := NewProplist()
	overlay.Set(PropDeviceDescription, "My tunnel")
	overlay.Set("custom.key", "v")

	p.UpdateReplace(overlay)
	assert.Equal(t, "sound", p.Get(PropDeviceClass))
	assert.Equal(t, "My tunnel", p.Get(PropDeviceDescription))
	assert.Equal(t, "v", p.Get("custom.key"))
	assert.Equal(t, 3, p.Len())
}

func TestParseOverlay(t *testing.T) {
	p, err := ParseOverlay("device.description='Remote mic' media.role=sound")
	require.NoError(t, err)
	assert.Equal(t, "Remote mic", p.Get(PropDeviceDescription))
	assert.Equal(t, "sound", p.Get(PropMediaRole))

	p, err = ParseOverlay("")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())

	_, err = ParseOverlay("novalue")
	assert.Error(t, err)

	_, err = ParseOverlay("key='unterminated")
	assert.Error(t, err)
}

func TestProplistKeysSorted(t *testing.T) {
	p := NewProplist()
	p.Set("b", "2")
	p.Set("a", "1")
	assert.Equal(t, []string{"a", "b"}, p.Keys())
}
