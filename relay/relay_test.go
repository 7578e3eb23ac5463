package relay

import (
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/kstapd/kstapd/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlChannel is an in-memory io.ReadWriter standing in for the
// real control channel fd, used to drive Session.Run in tests. Like the
// real channel, each Read returns exactly one queued message.
type fakeControlChannel struct {
	in  [][]byte
	out bytes.Buffer
}

func (f *fakeControlChannel) Read(p []byte) (int, error) {
	if len(f.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.in[0])
	f.in = f.in[1:]
	return n, nil
}
func (f *fakeControlChannel) Write(p []byte) (int, error) { return f.out.Write(p) }

func newFakeChannel(msgs ...func(*bytes.Buffer)) *fakeControlChannel {
	f := &fakeControlChannel{}
	for _, m := range msgs {
		var b bytes.Buffer
		m(&b)
		f.in = append(f.in, b.Bytes())
	}
	return f
}

func writeMsg(kind control.Kind, payload []byte) func(*bytes.Buffer) {
	return func(b *bytes.Buffer) {
		_ = control.WriteMessage(b, kind, payload)
	}
}

func resetSessionActive(t *testing.T) {
	t.Helper()
	sessionActive.Store(false)
	t.Cleanup(func() { sessionActive.Store(false) })
}

func TestNewSession_ForbidsSecondConcurrentSession(t *testing.T) {
	resetSessionActive(t)
	ch := newFakeChannel()
	s1, err := NewSession(Config{}, ch, nil)
	require.NoError(t, err)
	defer sessionActive.Store(false)

	_, err = NewSession(Config{}, ch, nil)
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.NotNil(t, s1)
}

func TestRun_RealtimeDataThenExit(t *testing.T) {
	resetSessionActive(t)
	ch := newFakeChannel(
		writeMsg(control.KindRealtimeData, []byte("hello probe")),
		writeMsg(control.KindExit, (&control.ExitInfo{Closed: 1}).Encode()),
	)
	s, err := NewSession(Config{}, ch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var out bytes.Buffer
	s.out = &out

	code, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello probe", out.String())
}

func TestRun_UnknownKindIsIgnored(t *testing.T) {
	resetSessionActive(t)
	ch := newFakeChannel(
		writeMsg(control.Kind(99), []byte("?")),
		writeMsg(control.KindExit, (&control.ExitInfo{Closed: 1}).Encode()),
	)
	s, err := NewSession(Config{}, ch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	code, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRun_EOFReturnsNonzeroExit(t *testing.T) {
	resetSessionActive(t)
	ch := newFakeChannel()
	s, err := NewSession(Config{}, ch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	code, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestStatus_ReflectsSessionFields(t *testing.T) {
	resetSessionActive(t)
	ch := newFakeChannel(
		writeMsg(control.KindExit, (&control.ExitInfo{Closed: 1}).Encode()),
	)
	s, err := NewSession(Config{OutputPath: "/tmp/out"}, ch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, "starting", st.State)
	assert.Equal(t, "/tmp/out", st.OutputPath)

	_, err = s.Run()
	require.NoError(t, err)
	st = s.Status()
	assert.Equal(t, "exiting", st.State)
}

func TestCleanupAndExit_NotReentrant(t *testing.T) {
	resetSessionActive(t)
	s := &Session{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	var calls int32
	s.rings = nil

	code1 := s.cleanupAndExit(true)
	atomic.AddInt32(&calls, 1)
	code2 := s.cleanupAndExit(true)
	atomic.AddInt32(&calls, 1)

	assert.Equal(t, 0, code1)
	assert.Equal(t, 0, code2)
	assert.True(t, s.exiting)
}
