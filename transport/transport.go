// Package transport defines the capabilities a connection pool
// consumes and produces: the Conn contract implemented by actual
// HTTP/1.1 and HTTP/2+ backends, the Request record dispatched through
// a pool, the Response surface handed back to callers, and the
// Promise handle correlating an in-flight multiplexed exchange with
// its eventual response.
//
// TLS handshakes, wire-format codecs and DNS transports live behind
// these interfaces; this module never touches them directly.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reservoirdev/reservoir/retry"
)

var (
	// ErrTimeout is wrapped by Conn implementations when an exchange
	// fails on a socket timeout. The pool reclassifies it into a
	// connect or read timeout depending on the phase.
	ErrTimeout = errors.New("socket operation timed out")

	// ErrTLS is wrapped when the secure-transport layer fails.
	ErrTLS = errors.New("tls failure")
)

// MustDowngradeError signals that the negotiated protocol version
// cannot serve the request and a lower version must be used. It is a
// recoverable condition: the pool converts it into a retry and never
// lets it escape to the caller.
type MustDowngradeError struct {
	Version string
}

func (e *MustDowngradeError) Error() string {
	return "request cannot be served over HTTP version " + e.Version + ", downgrade required"
}

// BrokenPipeError is returned by Conn.Request when the peer closed
// the pipe after the request was fully sent but a complete response is
// already readable. Some servers close immediately after responding;
// the pool tolerates this and keeps the attached promise.
type BrokenPipeError struct {
	Promise *Promise
	Err     error
}

func (e *BrokenPipeError) Error() string {
	return "broken pipe after fully-sent request: " + e.Err.Error()
}

func (e *BrokenPipeError) Unwrap() error {
	return e.Err
}

// Timeout bundles the per-phase budgets of one exchange. Each retry or
// redirect starts over with a fresh copy; budgets never accumulate
// across attempts.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeout is applied when neither the pool nor the request
// carries a timeout.
var DefaultTimeout = Timeout{
	Connect: 5 * time.Second,
	Read:    30 * time.Second,
}

// Request carries everything needed to dispatch one logical request
// and to resubmit it on a retry or redirect without re-deriving state.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header

	// Retries seeds the shared retry/redirect budget. Nil means the
	// pool default.
	Retries *retry.Policy

	// Redirect enables automatic redirect following.
	Redirect bool

	// SkipSameHostCheck waives the pool's same-host assertion, e.g.
	// when requests are funneled through a forward proxy.
	SkipSameHostCheck bool

	// Timeout overrides the pool timeout for this request only.
	Timeout *Timeout

	// PoolTimeout bounds a blocking connection acquisition.
	PoolTimeout time.Duration

	Chunked              bool
	PreloadContent       bool
	DecodeContent        bool
	EnforceContentLength bool
}

// NewRequest returns a request with the defaults callers almost always
// want: follow redirects, preload and decode content, enforce
// content length.
func NewRequest(method, url string) *Request {
	return &Request{
		Method:               method,
		URL:                  url,
		Headers:              http.Header{},
		Redirect:             true,
		PreloadContent:       true,
		DecodeContent:        true,
		EnforceContentLength: true,
	}
}

// Clone deep-copies the request so redirect rewriting never mutates
// the caller's value.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Headers = r.Headers.Clone()
	if clone.Headers == nil {
		clone.Headers = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// Response is the surface produced back to pool callers.
type Response interface {
	StatusCode() int
	Headers() http.Header

	// RedirectLocation returns the Location header when the status is
	// a redirect, otherwise the empty string.
	RedirectLocation() string

	// DrainConn consumes and discards any unread body so the owning
	// connection can be reused.
	DrainConn() error
}

// Promise is the opaque handle correlating a sent request with its
// eventual response on a (possibly multiplexed) connection. Besides
// the correlation key it carries the request-context parameters needed
// to resume processing on a retry or redirect.
type Promise struct {
	id   uuid.UUID
	req  *Request
	resp Response
}

// NewPromise mints a promise for the given request context.
func NewPromise(req *Request) *Promise {
	return &Promise{id: uuid.New(), req: req}
}

// ID is the correlation key used by the pool's promise table.
func (p *Promise) ID() uuid.UUID {
	return p.id
}

// Request returns the request context captured at send time.
func (p *Promise) Request() *Request {
	return p.req
}

// SetRequest replaces the captured request context. The dispatch layer
// calls this once, right before handing the promise to the caller.
func (p *Promise) SetRequest(req *Request) {
	p.req = req
}

// Fulfill attaches an already-read response. Pools use this when a
// caller asked for a promise but the serving connection cannot
// multiplex, so the exchange completed synchronously.
func (p *Promise) Fulfill(resp Response) {
	p.resp = resp
}

// Fulfilled returns the attached response, or nil while the exchange is
// still in flight.
func (p *Promise) Fulfilled() Response {
	return p.resp
}

// ConnInfo describes an established connection. The resolution latency
// is overwritten by the Happy Eyeballs connector with the total
// resolve-then-race elapsed time, since per-attempt timers start after
// resolution and would otherwise report zero.
type ConnInfo struct {
	HTTPVersion         string
	ResolutionLatency   time.Duration
	EstablishedLatency  time.Duration
	TLSHandshakeLatency time.Duration
}

// TunnelConfig configures an HTTPS CONNECT tunnel through a proxy.
type TunnelConfig struct {
	Scheme  string
	Host    string
	Port    int
	Headers http.Header
}

// Conn is the transport-layer link capability consumed by pools. One
// Conn may be multiplexed, carrying many concurrent logical exchanges.
// Implementations own sockets, TLS and wire codecs.
type Conn interface {
	// Connect establishes the transport link. It is called lazily by
	// the pool before first use and may be called again after Close.
	Connect(ctx context.Context) error

	Close() error
	IsClosed() bool

	// IsIdle reports whether no exchange is currently in flight.
	IsIdle() bool

	IsMultiplexed() bool

	// IsSaturated reports whether a multiplexed connection has reached
	// its concurrent-stream ceiling.
	IsSaturated() bool

	ConnectedAt() time.Time
	LastUsedAt() time.Time
	ConnInfo() *ConnInfo

	// SetTunnel must be called before Connect when the pool routes
	// through an HTTP CONNECT proxy.
	SetTunnel(cfg TunnelConfig) error

	// HasConnectedToProxy reports whether the proxy handshake, if any,
	// completed. The pool only re-wraps failures as proxy errors when
	// it did not.
	HasConnectedToProxy() bool

	// PeekAndReact opportunistically drains unsolicited incoming
	// bytes or frames. When expectFrame is true it waits for the
	// reply frame of a just-sent ping.
	PeekAndReact(expectFrame bool) error

	// Ping sends a protocol-level liveness probe.
	Ping() error

	// ShutdownTransport forcibly shuts the underlying socket down
	// before Close, preventing half-open leaks when a connected
	// Happy Eyeballs loser is discarded.
	ShutdownTransport() error

	// Request transmits the request. On a multiplexed connection it
	// returns a promise immediately; otherwise the returned promise
	// is nil and the response must be read next via GetResponse.
	Request(ctx context.Context, req *Request) (*Promise, error)

	// GetResponse retrieves the response of the given promise, or the
	// next available response when promise is nil.
	GetResponse(ctx context.Context, promise *Promise) (Response, error)
}
