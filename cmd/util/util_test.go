package util

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGroups(t *testing.T) {
	groups, err := ParseGroups("a=10.0.0.1:3301*3, b=/var/run/tarantool.sock,c=localhost:3302")
	require.NoError(t, err)
	assert.Equal(t, []common.InstanceGroup{
		{Tag: "a", Host: "10.0.0.1", Port: 3301, Size: 3},
		{Tag: "b", Host: "/var/run/tarantool.sock", Size: 1},
		{Tag: "c", Host: "localhost", Port: 3302, Size: 1},
	}, groups)
	assert.Equal(t, "/var/run/tarantool.sock", groups[1].Address())
}

func TestParseGroupsRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "a", "=localhost:3301", "a=localhost", "a=localhost:x", "a=localhost:3301*x"} {
		_, err := ParseGroups(in)
		assert.Error(t, err, in)
	}
}

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}
