package dwarfctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearestUniqueLine(t *testing.T) {
	byLine := map[int][]uint64{
		100: {0x1000, 0x1010}, // ambiguous, excluded
		101: {0x1020},
		104: {0x1030},
		110: {0x1040}, // outside radius
	}
	got := nearestUniqueLine(byLine, 100)
	assert.Equal(t, "try line 101", got)
}

func TestNearestUniqueLine_NoneInRadius(t *testing.T) {
	byLine := map[int][]uint64{
		100: {0x1000, 0x1010},
		120: {0x1040},
	}
	assert.Equal(t, "", nearestUniqueLine(byLine, 100))
}

func TestAppendUnique(t *testing.T) {
	addrs := appendUnique(nil, 1)
	addrs = appendUnique(addrs, 2)
	addrs = appendUnique(addrs, 1)
	assert.Equal(t, []uint64{1, 2}, addrs)
}

func TestAmbiguousLineError(t *testing.T) {
	err := &AmbiguousLine{File: "foo.c", Line: 10, Addresses: []uint64{1, 2}, Suggestion: "try line 12"}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foo.c:10")
	assert.Contains(t, err.Error(), "try line 12")
}

func TestMatchSrcfile(t *testing.T) {
	cases := []struct {
		pattern, candidate string
		want               bool
	}{
		{"foo.c", "foo.c", true},
		{"foo.c", "/usr/src/foo.c", true},
		{"*.c", "/usr/src/foo.c", true},
		{"bar.c", "/usr/src/foo.c", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchSrcfile(c.pattern, c.candidate), "%s vs %s", c.pattern, c.candidate)
	}
}

func TestMatchFunctionName(t *testing.T) {
	assert.True(t, MatchFunctionName("sys_*", "sys_read"))
	assert.False(t, MatchFunctionName("sys_*", "do_read"))
}
