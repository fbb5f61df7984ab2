package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/reservoirdev/reservoir/retry"
	"github.com/reservoirdev/reservoir/transport"
)

// sendPhase tags where in an exchange a transport failure surfaced, so
// it can be classified into the right timeout flavor.
type sendPhase int

const (
	phaseConnect sendPhase = iota
	phaseSend
	phaseRead
)

// sensitiveHeaders are dropped when a 303 rewrites the request, since
// the new target must not inherit credentials or session state.
var sensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
}

func policyOf(req *transport.Request) retry.Policy {
	if req.Retries != nil {
		return *req.Retries
	}
	return retry.Default()
}

// prepare clones the caller's request, fills pool defaults in, and
// asserts the target host. The clone is what the dispatch loop mutates
// across retries; the caller's value is never touched.
func (p *Pool) prepare(req *transport.Request) (*transport.Request, error) {
	if req == nil || req.Method == "" || req.URL == "" {
		return nil, fmt.Errorf("request must carry a method and a url")
	}

	next := req.Clone()

	if next.Retries == nil {
		pol := p.retries
		next.Retries = &pol
	}
	if next.Timeout == nil {
		t := p.timeout
		next.Timeout = &t
	}

	for key, values := range p.headers {
		if next.Headers.Get(key) != "" {
			continue
		}
		for _, v := range values {
			next.Headers.Add(key, v)
		}
	}

	if !next.SkipSameHostCheck && p.proxy == nil && !p.IsSameHost(next.URL) {
		return nil, newHostChangedError(p.name(), next.URL)
	}

	return next, nil
}

// Do dispatches the request and blocks until its final response, after
// any retries and redirects, is available.
func (p *Pool) Do(ctx context.Context, req *transport.Request) (transport.Response, error) {
	if p.closed.Load() {
		return nil, &PoolError{Pool: p.name(), Err: ErrPoolClosed}
	}

	cur, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	for {
		promise, resp, err := p.submit(ctx, cur)
		if err != nil {
			return nil, err
		}

		if promise != nil {
			return p.GetResponse(ctx, promise)
		}

		next, err := p.evaluate(ctx, cur, resp)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return resp, nil
		}
		cur = next
	}
}

// DoMultiplexed dispatches the request and returns as soon as it is on
// the wire, leaving the response to a later GetResponse call. When the
// serving connection cannot multiplex the exchange completes
// synchronously and the returned promise is already fulfilled.
func (p *Pool) DoMultiplexed(ctx context.Context, req *transport.Request) (*transport.Promise, error) {
	if p.closed.Load() {
		return nil, &PoolError{Pool: p.name(), Err: ErrPoolClosed}
	}

	cur, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	promise, resp, err := p.submit(ctx, cur)
	if err != nil {
		return nil, err
	}

	if promise == nil {
		p.logger.LogAttrs(ctx, slog.LevelWarn,
			"connection does not support multiplexing, exchange completed synchronously",
			slog.String("url", cur.URL),
		)
		promise = transport.NewPromise(cur)
		promise.Fulfill(resp)
		if p.parent != nil {
			p.parent.Memorize(promise, p)
		}
	}

	return promise, nil
}

// submit runs the acquire and send stages: check a connection out or
// dial one, transmit the request, and either hand back a promise
// (multiplexed) or read the response in place (sequential). Transport
// failures consume retry budget and loop; pool conditions are terminal.
func (p *Pool) submit(ctx context.Context, req *transport.Request) (*transport.Promise, transport.Response, error) {
	for {
		if p.closed.Load() {
			return nil, nil, &PoolError{Pool: p.name(), Err: ErrPoolClosed}
		}

		acquireCtx := ctx
		var cancel context.CancelFunc
		if p.block && req.PoolTimeout > 0 {
			acquireCtx, cancel = context.WithTimeout(ctx, req.PoolTimeout)
		}
		conn, hold, err := p.police.Get(acquireCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return nil, nil, &PoolError{Pool: p.name(), Err: err}
		}

		if hold != nil {
			dialed, derr := p.newDialer(req.Timeout.Connect).Dial(ctx)
			if derr != nil {
				hold.Cancel()

				terminal := derr
				if errors.Is(derr, context.DeadlineExceeded) {
					terminal = &TimeoutError{URL: req.URL, Timeout: req.Timeout.Connect, Err: derr}
				}

				pol := policyOf(req)
				npol, incErr := pol.Increment(req.Method, req.URL, 0, "", terminal)
				if incErr != nil {
					return nil, nil, newMaxRetryError(p.name(), req.URL, terminal)
				}

				p.logger.LogAttrs(ctx, slog.LevelWarn,
					"retrying after connection failure",
					slog.String("url", req.URL),
					slog.Int("remaining", npol.Total),
					slog.String("error", derr.Error()),
				)
				npol.Sleep("")
				req.Retries = &npol
				continue
			}

			hold.Install(dialed)
			p.stats.connections.Add(1)
			conn = dialed
		}

		promise, serr := conn.Request(ctx, req)
		p.stats.requests.Add(1)
		if serr != nil {
			var broken *transport.BrokenPipeError
			var downgrade *transport.MustDowngradeError

			switch {
			case errors.As(serr, &broken):
				// The peer closed early but a complete response is
				// already readable. Proceed as if the send succeeded.
				promise = broken.Promise

			case errors.As(serr, &downgrade):
				p.police.Discard(conn)
				if !p.disableVersion(downgrade.Version) {
					return nil, nil, &ProtocolError{Err: serr}
				}
				p.logger.LogAttrs(ctx, slog.LevelInfo,
					"downgrading disabled http version",
					slog.String("version", downgrade.Version),
				)
				// Recoverable: no budget consumed.
				continue

			default:
				p.police.Discard(conn)
				classified := p.classify(serr, conn, phaseSend, req)

				pol := policyOf(req)
				npol, incErr := pol.Increment(req.Method, req.URL, 0, "", classified)
				if incErr != nil {
					return nil, nil, newMaxRetryError(p.name(), req.URL, classified)
				}
				npol.Sleep("")
				req.Retries = &npol
				continue
			}
		}

		if promise != nil {
			promise.SetRequest(req)
			p.police.Memorize(promise, conn)
			_ = p.police.Put(conn)
			if p.parent != nil {
				p.parent.Memorize(promise, p)
			}
			return promise, nil, nil
		}

		resp, rerr := conn.GetResponse(ctx, nil)
		if rerr != nil {
			p.police.Discard(conn)
			classified := p.classify(rerr, conn, phaseRead, req)

			pol := policyOf(req)
			npol, incErr := pol.Increment(req.Method, req.URL, 0, "", classified)
			if incErr != nil {
				return nil, nil, newMaxRetryError(p.name(), req.URL, classified)
			}
			npol.Sleep("")
			req.Retries = &npol
			continue
		}

		_ = p.police.Put(conn)
		return nil, resp, nil
	}
}

// GetResponse retrieves the response behind a promise issued by
// DoMultiplexed, following any retries and redirects it takes to settle
// it. A nil promise settles whichever in-flight exchange completes
// first.
func (p *Pool) GetResponse(ctx context.Context, promise *transport.Promise) (transport.Response, error) {
	if p.closed.Load() {
		return nil, &PoolError{Pool: p.name(), Err: ErrPoolClosed}
	}

	for {
		var (
			conn transport.Conn
			err  error
		)

		switch {
		case promise == nil:
			conn, promise, err = p.police.BorrowAny(ctx, p.block)
			if err != nil {
				return nil, p.wrapPoolErr(err)
			}

		case promise.Fulfilled() != nil:
			resp := promise.Fulfilled()
			next, err := p.evaluate(ctx, promise.Request(), resp)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return resp, nil
			}
			promise, err = p.resubmit(ctx, next)
			if err != nil {
				return nil, err
			}
			continue

		default:
			conn, err = p.police.Borrow(ctx, promise, true)
			if err != nil {
				return nil, p.wrapPoolErr(err)
			}
		}

		resp, rerr := conn.GetResponse(ctx, promise)
		if rerr != nil {
			// The connection is no longer trustworthy; every promise it
			// owned is dropped with it.
			p.police.Discard(conn)

			req := promise.Request()
			classified := p.classify(rerr, conn, phaseRead, req)

			pol := policyOf(req)
			npol, incErr := pol.Increment(req.Method, req.URL, 0, "", classified)
			if incErr != nil {
				return nil, newMaxRetryError(p.name(), req.URL, classified)
			}
			npol.Sleep("")

			next := req.Clone()
			next.Retries = &npol
			promise, err = p.resubmit(ctx, next)
			if err != nil {
				return nil, err
			}
			continue
		}

		p.police.Forget(promise)
		_ = p.police.Put(conn)

		next, eerr := p.evaluate(ctx, promise.Request(), resp)
		if eerr != nil {
			return nil, eerr
		}
		if next == nil {
			return resp, nil
		}

		promise, err = p.resubmit(ctx, next)
		if err != nil {
			return nil, err
		}
	}
}

// resubmit reissues a rewritten request and returns a promise for it,
// synthesizing a fulfilled one when the serving connection completed
// the exchange synchronously.
func (p *Pool) resubmit(ctx context.Context, req *transport.Request) (*transport.Promise, error) {
	promise, resp, err := p.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if promise == nil {
		promise = transport.NewPromise(req)
		promise.Fulfill(resp)
	}

	return promise, nil
}

// evaluate decides what happens after a response arrived: follow a
// redirect, consume budget on a retryable status, or settle. It returns
// the rewritten request for another round, or nil when the response is
// final.
func (p *Pool) evaluate(ctx context.Context, req *transport.Request, resp transport.Response) (*transport.Request, error) {
	pol := policyOf(req)
	status := resp.StatusCode()
	retryAfter := resp.Headers().Get("Retry-After")

	if loc := resp.RedirectLocation(); loc != "" && req.Redirect {
		resolved := resolveRedirectURL(req.URL, loc)

		if !req.SkipSameHostCheck && p.proxy == nil && !p.IsSameHost(resolved) {
			_ = resp.DrainConn()
			return nil, newHostChangedError(p.name(), resolved)
		}

		npol, incErr := pol.Increment(req.Method, req.URL, status, loc, nil)
		if incErr != nil {
			if pol.RaiseOnRedirect {
				_ = resp.DrainConn()
				return nil, newMaxRetryError(p.name(), req.URL, incErr)
			}
			return nil, nil
		}

		next := req.Clone()
		if status == http.StatusSeeOther {
			if next.Method != http.MethodHead {
				next.Method = http.MethodGet
			}
			next.Body = nil
			next.Chunked = false
			for _, h := range sensitiveHeaders {
				next.Headers.Del(h)
			}
		}
		next.URL = resolved
		next.Retries = &npol

		p.logger.LogAttrs(ctx, slog.LevelDebug,
			"following redirect",
			slog.Int("status", status),
			slog.String("location", resolved),
		)

		_ = resp.DrainConn()
		npol.Sleep(retryAfter)
		return next, nil
	}

	if pol.IsRetry(req.Method, status, retryAfter != "") {
		npol, incErr := pol.Increment(req.Method, req.URL, status, "", nil)
		if incErr != nil {
			if pol.RaiseOnStatus {
				_ = resp.DrainConn()
				return nil, newMaxRetryError(p.name(), req.URL, incErr)
			}
			return nil, nil
		}

		_ = resp.DrainConn()
		npol.Sleep(retryAfter)

		next := req.Clone()
		next.Retries = &npol
		return next, nil
	}

	return nil, nil
}

// classify maps a raw transport failure into the pool error taxonomy.
func (p *Pool) classify(err error, conn transport.Conn, phase sendPhase, req *transport.Request) error {
	var classified error

	switch {
	case errors.Is(err, transport.ErrTimeout):
		t := &TimeoutError{URL: req.URL, Read: phase != phaseConnect, Err: err}
		if req.Timeout != nil {
			if t.Read {
				t.Timeout = req.Timeout.Read
			} else {
				t.Timeout = req.Timeout.Connect
			}
		}
		classified = t

	case errors.Is(err, transport.ErrTLS):
		classified = &SSLError{Err: err}

	default:
		classified = &ProtocolError{Err: err}
	}

	if p.proxy != nil && conn != nil && !conn.HasConnectedToProxy() {
		return &ProxyError{Scheme: p.proxy.Scheme, Err: classified}
	}

	return classified
}

func (p *Pool) wrapPoolErr(err error) error {
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrPoolEmpty) {
		return &PoolError{Pool: p.name(), Err: err}
	}
	return err
}

// resolveRedirectURL resolves a possibly-relative Location header
// against the request it redirects.
func resolveRedirectURL(base, loc string) string {
	b, err := url.Parse(base)
	if err != nil {
		return loc
	}
	l, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return b.ResolveReference(l).String()
}
