package relay

import (
	"bytes"
	"io"
	"testing"

	"github.com/kstapd/kstapd/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordStream(t *testing.T, recs ...*control.Record) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range recs {
		require.NoError(t, control.WriteRecord(&buf, r))
	}
	return &buf
}

func TestMergeRecords_InterleavesByTimestamp(t *testing.T) {
	cpu0 := recordStream(t,
		&control.Record{Timestamp: 1, Payload: []byte("a")},
		&control.Record{Timestamp: 3, Payload: []byte("c")},
	)
	cpu1 := recordStream(t,
		&control.Record{Timestamp: 2, Payload: []byte("b")},
		&control.Record{Timestamp: 4, Payload: []byte("d")},
	)

	var out bytes.Buffer
	dropped, err := mergeRecords([]io.Reader{cpu0, cpu1}, &out)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, "abcd", out.String())
}

func TestMergeRecords_DetectsSkip(t *testing.T) {
	cpu0 := recordStream(t,
		&control.Record{Timestamp: 1, Payload: []byte("a")},
		&control.Record{Timestamp: 5, Payload: []byte("e")},
	)

	var out bytes.Buffer
	dropped, err := mergeRecords([]io.Reader{cpu0}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "ae", out.String())
}

func TestMergeRecords_EmptySources(t *testing.T) {
	var out bytes.Buffer
	dropped, err := mergeRecords(nil, &out)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Empty(t, out.String())
}

// A zero leading timestamp marks an unwritten tail: neither it nor
// anything after it on the same source is merged.
func TestMergeRecords_ZeroTimestampEndsSource(t *testing.T) {
	cpu0 := recordStream(t,
		&control.Record{Timestamp: 0, Payload: []byte("skip-me")},
		&control.Record{Timestamp: 1, Payload: []byte("a")},
	)
	var out bytes.Buffer
	_, err := mergeRecords([]io.Reader{cpu0}, &out)
	require.NoError(t, err)
	assert.Equal(t, "", out.String())
}
