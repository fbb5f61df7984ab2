package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampKeepalive(t *testing.T) {
	for _, tc := range []struct {
		name       string
		watch      time.Duration
		delay      time.Duration
		idleWindow time.Duration

		wantWatch      time.Duration
		wantDelay      time.Duration
		wantIdleWindow time.Duration
	}{
		{
			name:           "defaults pass through",
			watch:          defaultWatchWindow,
			delay:          defaultKeepaliveDelay,
			idleWindow:     defaultKeepaliveIdleWindow,
			wantWatch:      defaultWatchWindow,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: defaultKeepaliveIdleWindow,
		},
		{
			name:           "sub-minimum idle window raised to its floor",
			watch:          defaultWatchWindow,
			delay:          defaultKeepaliveDelay,
			idleWindow:     500 * time.Millisecond,
			wantWatch:      minimalKeepaliveIdleWindow,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: minimalKeepaliveIdleWindow,
		},
		{
			name:           "zero idle window disables keepalive",
			watch:          defaultWatchWindow,
			delay:          defaultKeepaliveDelay,
			idleWindow:     0,
			wantWatch:      defaultWatchWindow,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: 0,
		},
		{
			name:           "watch clamped down to idle window",
			watch:          time.Minute,
			delay:          defaultKeepaliveDelay,
			idleWindow:     2 * time.Second,
			wantWatch:      2 * time.Second,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: 2 * time.Second,
		},
		{
			name:           "watch never below its floor",
			watch:          100 * time.Millisecond,
			delay:          defaultKeepaliveDelay,
			idleWindow:     defaultKeepaliveIdleWindow,
			wantWatch:      minimalWatchWindow,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: defaultKeepaliveIdleWindow,
		},
		{
			name:           "zero values take defaults",
			wantWatch:      defaultWatchWindow,
			wantDelay:      defaultKeepaliveDelay,
			wantIdleWindow: 0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			watch, delay, idleWindow := clampKeepalive(tc.watch, tc.delay, tc.idleWindow)
			assert.Equal(t, tc.wantWatch, watch)
			assert.Equal(t, tc.wantDelay, delay)
			assert.Equal(t, tc.wantIdleWindow, idleWindow)
		})
	}
}

func bagConn(t *testing.T, tp *TrafficPolice, conn *fakeConn) {
	t.Helper()

	_, hold, err := tp.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hold)
	hold.Install(conn)
	tp.Put(conn)
}

func TestWatchTaskPingsIdleConnections(t *testing.T) {
	tp := NewTrafficPolice(4, false, nil)

	stale := &fakeConn{
		connected:   true,
		multiplexed: true,
		connectedAt: time.Now(),
		lastUsed:    time.Now().Add(-time.Minute),
	}
	staleSerial := &fakeConn{
		connected:   true,
		connectedAt: time.Now(),
		lastUsed:    time.Now().Add(-time.Minute),
	}
	fresh := &fakeConn{
		connected:   true,
		multiplexed: true,
		connectedAt: time.Now(),
		lastUsed:    time.Now(),
	}
	bagConn(t, tp, stale)
	bagConn(t, tp, staleSerial)
	bagConn(t, tp, fresh)

	var stats poolStats
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		idleConnWatchTask(tp, stop, 20*time.Millisecond, time.Hour, time.Second, &stats, discardLogger())
	}()

	require.Eventually(t, func() bool {
		return stale.pingCount() >= 1 && staleSerial.pingCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch task never stopped")
	}

	assert.Zero(t, fresh.pingCount())
	assert.GreaterOrEqual(t, stale.peekCount(), 2)
	assert.GreaterOrEqual(t, stats.pings.Load(), uint64(2))
	assert.GreaterOrEqual(t, stats.backgroundWatchIterations.Load(), uint64(1))
}

func TestWatchTaskLeavesFreshlyIdledAlone(t *testing.T) {
	tp := NewTrafficPolice(4, false, nil)

	fresh := &fakeConn{
		connected: true,
		lastUsed:  time.Now(),
	}
	bagConn(t, tp, fresh)

	var stats poolStats
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		idleConnWatchTask(tp, stop, 20*time.Millisecond, time.Hour, 0, &stats, discardLogger())
	}()

	require.Eventually(t, func() bool {
		return stats.backgroundWatchIterations.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	<-done

	assert.Zero(t, fresh.peekCount())
}

func TestWatchTaskDiscardsDeadConnections(t *testing.T) {
	tp := NewTrafficPolice(4, false, nil)

	dead := &fakeConn{
		connected: true,
		peekErr:   errors.New("connection reset"),
		lastUsed:  time.Now().Add(-time.Minute),
	}
	bagConn(t, tp, dead)

	var stats poolStats
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		idleConnWatchTask(tp, stop, 20*time.Millisecond, time.Hour, 0, &stats, discardLogger())
	}()

	require.Eventually(t, func() bool {
		return dead.IsClosed() && tp.IdleSize() == 0
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	<-done
}

func TestWatchTaskSkipsPingWhenPastKeepaliveDelay(t *testing.T) {
	tp := NewTrafficPolice(4, false, nil)

	old := &fakeConn{
		connected:   true,
		multiplexed: true,
		connectedAt: time.Now().Add(-2 * time.Hour),
		lastUsed:    time.Now().Add(-time.Minute),
	}
	bagConn(t, tp, old)

	var stats poolStats
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		idleConnWatchTask(tp, stop, 20*time.Millisecond, time.Hour, time.Second, &stats, discardLogger())
	}()

	require.Eventually(t, func() bool {
		return stats.backgroundWatchIterations.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	<-done

	assert.Zero(t, old.pingCount())
}
