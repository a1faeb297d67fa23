package simcmd_server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAliasTable(t *testing.T) {
	at := newAliasTable()

	_, exists := at.Resolve("VisionDepth")
	assert.False(t, exists)

	at.DefineAlias("VisionDepth", "vset /mode/depth")
	at.DefineAlias("Cam", "vget /camera/0/name")

	target, exists := at.Resolve("VisionDepth")
	assert.True(t, exists)
	assert.Equal(t, "vset /mode/depth", target)

	// names are exact
	_, exists = at.Resolve("visiondepth")
	assert.False(t, exists)

	at.DefineAlias("VisionDepth", "vset /mode/depth1")
	target, _ = at.Resolve("VisionDepth")
	assert.Equal(t, "vset /mode/depth1", target)

	assert.Equal(t, []Alias{
		{Name: "Cam", Command: "vget /camera/0/name"},
		{Name: "VisionDepth", Command: "vset /mode/depth1"},
	}, at.Aliases())
}
