package pool

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/reservoirdev/reservoir/transport"
)

// TrafficPolice is the pool's single synchronization point. It tracks
// every connection the pool knows about, keeps the bag of connections
// available for checkout, enforces the size ceiling, and owns the
// promise registry correlating in-flight multiplexed exchanges with the
// connection that carries them.
//
// All state is guarded by one mutex; no other lock exists in the pool.
type TrafficPolice struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxSize int
	block   bool

	// overflow temporarily extends the ceiling while multiplexed
	// connections with in-flight exchanges must be kept beyond it. It
	// decays as their promises are forgotten.
	overflow int

	closed bool

	// bag holds connections not currently checked out, most recently
	// used last. A multiplexed connection sits in the bag between
	// Request and GetResponse even while exchanges are in flight.
	bag []transport.Conn

	// leased counts checkouts per connection.
	leased map[transport.Conn]int

	// pending counts dial slots reserved through HoldTokens.
	pending int

	registry map[uuid.UUID]registration

	logger *slog.Logger
}

// registration binds an in-flight promise to the connection carrying
// its exchange.
type registration struct {
	conn    transport.Conn
	promise *transport.Promise
}

// NewTrafficPolice builds a slot manager with the given ceiling. When
// block is true, checkouts at capacity wait for a connection to come
// back instead of opening extra ones.
func NewTrafficPolice(maxSize int, block bool, logger *slog.Logger) *TrafficPolice {
	if logger == nil {
		logger = slog.Default()
	}

	tp := &TrafficPolice{
		maxSize:  maxSize,
		block:    block,
		leased:   map[transport.Conn]int{},
		registry: map[uuid.UUID]registration{},
		logger:   logger,
	}
	tp.cond = sync.NewCond(&tp.mu)

	return tp
}

// HoldToken is a reserved dial slot handed out by Get when no pooled
// connection can serve and the ceiling still has room. The holder must
// either Install the freshly dialed connection or Cancel the token.
type HoldToken struct {
	tp   *TrafficPolice
	done bool
}

// Install registers the dialed connection against the held slot and
// checks it out to the caller.
func (t *HoldToken) Install(conn transport.Conn) {
	t.tp.mu.Lock()
	defer t.tp.mu.Unlock()

	if t.done {
		return
	}
	t.done = true

	t.tp.pending--
	t.tp.leased[conn]++
}

// Cancel releases the held slot, e.g. after a failed dial.
func (t *HoldToken) Cancel() {
	t.tp.mu.Lock()
	defer t.tp.mu.Unlock()

	if t.done {
		return
	}
	t.done = true

	t.tp.pending--
	t.tp.cond.Broadcast()
}

// total must be called with mu held.
func (tp *TrafficPolice) total() int {
	return len(tp.bag) + len(tp.leased) + tp.pending
}

// ceiling must be called with mu held.
func (tp *TrafficPolice) ceiling() int {
	return tp.maxSize + tp.overflow
}

// Get checks out a connection able to carry one more exchange, or
// reserves a dial slot when none is pooled. Exactly one of the returned
// connection and token is non-nil on success.
//
// In blocking mode a full pool waits for a connection to come back;
// the wait is bounded by ctx and expiry surfaces as ErrPoolEmpty.
func (tp *TrafficPolice) Get(ctx context.Context) (transport.Conn, *HoldToken, error) {
	stop := context.AfterFunc(ctx, func() {
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	})
	defer stop()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	for {
		if tp.closed {
			return nil, nil, ErrPoolClosed
		}

		// Most recently used first. Saturated multiplexed connections
		// stay in the bag but cannot take another exchange.
		for i := len(tp.bag) - 1; i >= 0; i-- {
			conn := tp.bag[i]
			if conn.IsClosed() {
				tp.bag = append(tp.bag[:i], tp.bag[i+1:]...)
				tp.forgetConnLocked(conn)
				continue
			}
			if conn.IsSaturated() {
				continue
			}

			tp.bag = append(tp.bag[:i], tp.bag[i+1:]...)
			tp.leased[conn]++
			return conn, nil, nil
		}

		if tp.total() < tp.ceiling() || !tp.block {
			// Non-blocking pools may transiently exceed the ceiling;
			// Put discards the overage.
			tp.pending++
			return nil, &HoldToken{tp: tp}, nil
		}

		if ctx.Err() != nil {
			return nil, nil, ErrPoolEmpty
		}

		tp.cond.Wait()
	}
}

// Put returns a checked-out connection to the bag. Closed connections
// are dropped, and connections beyond the ceiling are discarded unless
// they are multiplexed with exchanges still in flight, in which case
// the ceiling is extended until those exchanges settle. A blocking
// pool forced to discard a usable connection reports ErrPoolFull; the
// connection is discarded either way.
func (tp *TrafficPolice) Put(conn transport.Conn) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.releaseLocked(conn)

	if tp.closed || conn.IsClosed() {
		tp.forgetConnLocked(conn)
		if !conn.IsClosed() {
			_ = conn.Close()
		}
		tp.cond.Broadcast()
		return nil
	}

	if tp.total() >= tp.ceiling() {
		if conn.IsMultiplexed() && !conn.IsIdle() {
			tp.overflow++
			tp.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"pool ceiling exceeded, keeping multiplexed connection with in-flight exchanges",
				slog.Int("max_size", tp.maxSize),
				slog.Int("overflow", tp.overflow),
			)
		} else {
			tp.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"pool is full, discarding connection",
				slog.Int("max_size", tp.maxSize),
			)
			tp.forgetConnLocked(conn)
			_ = conn.Close()
			tp.cond.Broadcast()
			if tp.block {
				return ErrPoolFull
			}
			return nil
		}
	}

	tp.bag = append(tp.bag, conn)
	tp.cond.Broadcast()
	return nil
}

// Memorize records that conn owns the in-flight exchange behind the
// promise.
func (tp *TrafficPolice) Memorize(promise *transport.Promise, conn transport.Conn) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.registry[promise.ID()] = registration{conn: conn, promise: promise}
}

// Forget drops the promise from the registry. Any ceiling extension
// taken out for in-flight multiplexed exchanges decays here.
func (tp *TrafficPolice) Forget(promise *transport.Promise) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if _, ok := tp.registry[promise.ID()]; !ok {
		return
	}
	delete(tp.registry, promise.ID())

	if tp.overflow > 0 {
		tp.overflow--
		tp.cond.Broadcast()
	}
}

// Borrow checks out the specific connection that owns the promise.
// When it is checked out elsewhere and block is true, Borrow waits for
// it to come back; otherwise ErrUnavailable is returned. An unknown
// promise is always ErrUnavailable.
func (tp *TrafficPolice) Borrow(ctx context.Context, promise *transport.Promise, block bool) (transport.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	})
	defer stop()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	for {
		if tp.closed {
			return nil, ErrPoolClosed
		}

		reg, ok := tp.registry[promise.ID()]
		if !ok {
			return nil, ErrUnavailable
		}
		conn := reg.conn

		for i := len(tp.bag) - 1; i >= 0; i-- {
			if tp.bag[i] != conn {
				continue
			}
			tp.bag = append(tp.bag[:i], tp.bag[i+1:]...)
			tp.leased[conn]++
			return conn, nil
		}

		if !block {
			return nil, ErrUnavailable
		}

		if ctx.Err() != nil {
			return nil, ErrUnavailable
		}

		tp.cond.Wait()
	}
}

// BorrowAny checks out any bagged connection with an in-flight
// exchange, returning the promise it will settle. When every owning
// connection is checked out elsewhere and block is true, BorrowAny
// waits; otherwise ErrUnavailable is returned.
func (tp *TrafficPolice) BorrowAny(ctx context.Context, block bool) (transport.Conn, *transport.Promise, error) {
	stop := context.AfterFunc(ctx, func() {
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	})
	defer stop()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	for {
		if tp.closed {
			return nil, nil, ErrPoolClosed
		}

		if len(tp.registry) == 0 {
			return nil, nil, ErrUnavailable
		}

		for _, reg := range tp.registry {
			for i := len(tp.bag) - 1; i >= 0; i-- {
				if tp.bag[i] != reg.conn {
					continue
				}
				tp.bag = append(tp.bag[:i], tp.bag[i+1:]...)
				tp.leased[reg.conn]++
				return reg.conn, reg.promise, nil
			}
		}

		if !block {
			return nil, nil, ErrUnavailable
		}

		if ctx.Err() != nil {
			return nil, nil, ErrUnavailable
		}

		tp.cond.Wait()
	}
}

// Discard removes the connection from the pool entirely, dropping every
// promise it owned.
func (tp *TrafficPolice) Discard(conn transport.Conn) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.releaseLocked(conn)

	for i := len(tp.bag) - 1; i >= 0; i-- {
		if tp.bag[i] == conn {
			tp.bag = append(tp.bag[:i], tp.bag[i+1:]...)
		}
	}

	tp.forgetConnLocked(conn)

	if !conn.IsClosed() {
		_ = conn.Close()
	}

	tp.cond.Broadcast()
}

// IterIdle yields the connections bagged at the moment of the call.
// The bag is snapshotted under the lock and yielded outside it, so the
// background monitor can probe connections without stalling checkouts.
// The yielded connections must not be closed inside the iteration; use
// Discard afterwards.
func (tp *TrafficPolice) IterIdle() iter.Seq[transport.Conn] {
	return func(yield func(transport.Conn) bool) {
		tp.mu.Lock()
		if tp.closed {
			tp.mu.Unlock()
			return
		}
		snapshot := make([]transport.Conn, len(tp.bag))
		copy(snapshot, tp.bag)
		tp.mu.Unlock()

		for _, conn := range snapshot {
			if conn.IsClosed() {
				continue
			}
			if !yield(conn) {
				return
			}
		}
	}
}

// Clear drains and closes every pooled connection and empties the
// promise registry. The pool stays usable afterwards.
func (tp *TrafficPolice) Clear() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	for _, conn := range tp.bag {
		if !conn.IsClosed() {
			_ = conn.Close()
		}
	}
	tp.bag = nil
	tp.registry = map[uuid.UUID]registration{}
	tp.overflow = 0

	tp.cond.Broadcast()
}

// Close clears the pool and refuses all further checkouts.
func (tp *TrafficPolice) Close() {
	tp.mu.Lock()
	closed := tp.closed
	tp.closed = true
	tp.mu.Unlock()

	if closed {
		return
	}

	tp.Clear()
}

// Size reports every connection the pool currently accounts for,
// including reserved dial slots.
func (tp *TrafficPolice) Size() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return tp.total()
}

// IdleSize reports the connections currently in the bag.
func (tp *TrafficPolice) IdleSize() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return len(tp.bag)
}

// AllIdle reports whether nothing is checked out, no dial is pending,
// and every bagged connection has no exchange in flight.
func (tp *TrafficPolice) AllIdle() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if len(tp.leased) > 0 || tp.pending > 0 {
		return false
	}
	for _, conn := range tp.bag {
		if !conn.IsIdle() {
			return false
		}
	}
	return true
}

// Saturated reports whether the pool is at its ceiling and no bagged
// connection can take one more exchange.
func (tp *TrafficPolice) Saturated() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.total() < tp.ceiling() {
		return false
	}
	for _, conn := range tp.bag {
		if !conn.IsClosed() && !conn.IsSaturated() {
			return false
		}
	}
	return true
}

// releaseLocked decrements the checkout count. Must be called with mu
// held.
func (tp *TrafficPolice) releaseLocked(conn transport.Conn) {
	if n := tp.leased[conn]; n > 1 {
		tp.leased[conn] = n - 1
	} else {
		delete(tp.leased, conn)
	}
}

// forgetConnLocked drops every promise owned by conn and decays any
// matching ceiling extension. Must be called with mu held.
func (tp *TrafficPolice) forgetConnLocked(conn transport.Conn) {
	for id, reg := range tp.registry {
		if reg.conn != conn {
			continue
		}
		delete(tp.registry, id)
		if tp.overflow > 0 {
			tp.overflow--
		}
	}
}
