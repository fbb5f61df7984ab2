package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reservoirdev/reservoir/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResponse struct {
	status  int
	headers http.Header

	mu      sync.Mutex
	drained int
}

func newFakeResponse(status int) *fakeResponse {
	return &fakeResponse{status: status, headers: http.Header{}}
}

func (r *fakeResponse) StatusCode() int { return r.status }

func (r *fakeResponse) Headers() http.Header {
	if r.headers == nil {
		r.headers = http.Header{}
	}
	return r.headers
}

func (r *fakeResponse) RedirectLocation() string {
	switch r.status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return r.Headers().Get("Location")
	}
	return ""
}

func (r *fakeResponse) DrainConn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained++
	return nil
}

func (r *fakeResponse) drainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drained
}

type reply struct {
	resp transport.Response
	err  error
}

// fakeConn is a scriptable transport.Conn. Request errors and replies
// are consumed in the order they were scripted.
type fakeConn struct {
	mu sync.Mutex

	multiplexed bool
	maxStreams  int

	connectErr   error
	connectDelay time.Duration
	ignoreCancel bool

	requestErrs []error
	replies     []reply

	requests []*transport.Request

	connected bool
	closed    bool
	shutdown  bool
	proxyOK   bool
	tunnel    *transport.TunnelConfig

	connectedAt time.Time
	lastUsed    time.Time
	info        transport.ConnInfo

	pending  int
	awaiting int

	pings   int
	pingErr error
	peeks   int
	peekErr error
}

func (c *fakeConn) scriptReply(resp transport.Response) *fakeConn {
	c.replies = append(c.replies, reply{resp: resp})
	return c
}

func (c *fakeConn) scriptReplyErr(err error) *fakeConn {
	c.replies = append(c.replies, reply{err: err})
	return c
}

func (c *fakeConn) Connect(ctx context.Context) error {
	if c.connectDelay > 0 {
		if c.ignoreCancel {
			time.Sleep(c.connectDelay)
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.connectDelay):
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectErr != nil {
		return c.connectErr
	}

	now := time.Now()
	c.connected = true
	c.connectedAt = now
	c.lastUsed = now
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending == 0 && c.awaiting == 0
}

func (c *fakeConn) IsMultiplexed() bool { return c.multiplexed }

func (c *fakeConn) IsSaturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplexed && c.maxStreams > 0 && c.pending >= c.maxStreams
}

func (c *fakeConn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

func (c *fakeConn) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *fakeConn) ConnInfo() *transport.ConnInfo { return &c.info }

func (c *fakeConn) SetTunnel(cfg transport.TunnelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tunnel = &cfg
	return nil
}

func (c *fakeConn) HasConnectedToProxy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyOK
}

func (c *fakeConn) PeekAndReact(expectFrame bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peeks++
	return c.peekErr
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) ShutdownTransport() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return nil
}

func (c *fakeConn) Request(ctx context.Context, req *transport.Request) (*transport.Promise, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	c.lastUsed = time.Now()

	if len(c.requestErrs) > 0 {
		err := c.requestErrs[0]
		c.requestErrs = c.requestErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if c.multiplexed {
		c.pending++
		return transport.NewPromise(req), nil
	}

	c.awaiting++
	return nil, nil
}

func (c *fakeConn) GetResponse(ctx context.Context, promise *transport.Promise) (transport.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}

	r := c.replies[0]
	c.replies = c.replies[1:]
	c.lastUsed = time.Now()

	if c.multiplexed {
		if c.pending > 0 {
			c.pending--
		}
	} else if c.awaiting > 0 {
		c.awaiting--
	}

	return r.resp, r.err
}

func (c *fakeConn) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeConn) requestAt(i int) *transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *fakeConn) wasShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) peekCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peeks
}

// scriptedFactory hands out fake connections, either keyed by the
// target address or in scripted order, and records the addresses dialed.
type scriptedFactory struct {
	mu     sync.Mutex
	queue  []*fakeConn
	byAddr map[string]*fakeConn
	order  []string
	err    error
}

func (f *scriptedFactory) new(cfg ConnConfig) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.order = append(f.order, cfg.Addr.Addr().String())

	if f.err != nil {
		return nil, f.err
	}

	if f.byAddr != nil {
		if c, ok := f.byAddr[cfg.Addr.Addr().String()]; ok {
			return c, nil
		}
	}

	if len(f.queue) == 0 {
		return nil, errors.New("no scripted connection left for " + cfg.Addr.String())
	}

	c := f.queue[0]
	f.queue = f.queue[1:]
	return c, nil
}

func (f *scriptedFactory) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func redirectResponse(status int, location string) *fakeResponse {
	r := newFakeResponse(status)
	r.Headers().Set("Location", location)
	return r
}
