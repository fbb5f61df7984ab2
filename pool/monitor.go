package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/reservoirdev/reservoir/transport"
)

const (
	// defaultWatchWindow is how often the background task sweeps the
	// bag when nothing shrinks it.
	defaultWatchWindow = 5 * time.Second

	// minimalWatchWindow bounds each incremental sleep so Close never
	// waits a full watch window for the task to notice the stop signal.
	minimalWatchWindow = 500 * time.Millisecond

	// defaultKeepaliveDelay is how long after establishment a
	// connection keeps being pinged to stay warm.
	defaultKeepaliveDelay = time.Hour

	// defaultKeepaliveIdleWindow is how long a connection must sit
	// unused before a liveness ping goes out.
	defaultKeepaliveIdleWindow = 60 * time.Second

	// minimalKeepaliveIdleWindow is the floor a configured idle window
	// is raised to. Probing more often than this is wasted work.
	minimalKeepaliveIdleWindow = time.Second

	// minimalProbeIdle leaves freshly idled connections alone for a
	// beat before the sweep probes them.
	minimalProbeIdle = time.Second
)

// clampKeepalive normalizes the monitor windows. A positive idle
// window is raised to its floor, and the watch window never exceeds
// the idle window so a due ping is not missed by a whole sweep. An
// idle window of zero disables keepalive pings entirely.
func clampKeepalive(watch, delay, idleWindow time.Duration) (time.Duration, time.Duration, time.Duration) {
	if idleWindow > 0 && idleWindow < minimalKeepaliveIdleWindow {
		idleWindow = minimalKeepaliveIdleWindow
	}

	if watch <= 0 {
		watch = defaultWatchWindow
	}
	if idleWindow > 0 && watch > idleWindow {
		watch = idleWindow
	}
	if watch < minimalWatchWindow {
		watch = minimalWatchWindow
	}

	if delay <= 0 {
		delay = defaultKeepaliveDelay
	}

	return watch, delay, idleWindow
}

// idleConnWatchTask periodically sweeps bagged connections: it drops
// ones found dead, drains unsolicited incoming data, and pings
// connections that have idled past the keepalive window. It runs until
// stop is closed.
func idleConnWatchTask(
	tp *TrafficPolice,
	stop <-chan struct{},
	watch time.Duration,
	keepaliveDelay time.Duration,
	idleWindow time.Duration,
	stats *poolStats,
	logger *slog.Logger,
) {
	for {
		remaining := watch
		for remaining > 0 {
			step := min(remaining, minimalWatchWindow)
			select {
			case <-stop:
				return
			case <-time.After(step):
			}
			remaining -= step
		}

		select {
		case <-stop:
			return
		default:
		}

		stats.backgroundWatchIterations.Add(1)

		var dead []transport.Conn

		for conn := range tp.IterIdle() {
			if time.Since(conn.LastUsedAt()) < minimalProbeIdle {
				continue
			}

			if err := conn.PeekAndReact(false); err != nil {
				dead = append(dead, conn)
				continue
			}

			if idleWindow <= 0 {
				continue
			}
			if time.Since(conn.ConnectedAt()) >= keepaliveDelay {
				continue
			}
			if time.Since(conn.LastUsedAt()) < idleWindow {
				continue
			}

			if err := conn.Ping(); err != nil {
				logger.LogAttrs(context.Background(), slog.LevelDebug,
					"keepalive ping failed, discarding connection",
					slog.String("error", err.Error()),
				)
				dead = append(dead, conn)
				continue
			}
			stats.pings.Add(1)

			if err := conn.PeekAndReact(true); err != nil {
				dead = append(dead, conn)
			}
		}

		for _, conn := range dead {
			tp.Discard(conn)
		}
	}
}
