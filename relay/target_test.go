package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDriverWatchdog_FiresOnGonePID(t *testing.T) {
	var mu sync.Mutex
	var fired bool
	done := make(chan struct{})

	// pid 1 exists but isn't owned by us; use a pid that's certain not
	// to exist instead, to exercise the onGone path deterministically.
	const nonexistentPID = 1 << 30

	w := newDriverWatchdogInterval(nonexistentPID, 10*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		close(done)
	})
	defer w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, fired)
}

func TestDriverWatchdog_StopPreventsFurtherChecks(t *testing.T) {
	var calls int
	var mu sync.Mutex
	w := newDriverWatchdogInterval(1<<30, 5*time.Millisecond, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	mu.Lock()
	n := calls
	mu.Unlock()
	assert.GreaterOrEqual(t, n, 1)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, calls)
	mu.Unlock()
}
