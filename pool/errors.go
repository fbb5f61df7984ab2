package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Pool conditions.
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolEmpty  = errors.New("pool is empty and a new connection can't be opened due to blocking mode")
	ErrPoolFull   = errors.New("pool reached maximum size and no more connections are allowed")

	// Request conditions.
	ErrHostChanged = errors.New("tried to open a foreign host")
	ErrMaxRetries  = errors.New("max retries exceeded")

	// ErrUnavailable is returned by Borrow/GetResponse when no
	// connection currently owns the given promise.
	ErrUnavailable = errors.New("no connection in pool recognizes the given promise")

	// Timeout classification.
	ErrConnectTimeout = errors.New("connect timed out")
	ErrReadTimeout    = errors.New("read timed out")
)

// PoolError binds a pool condition to the pool it occurred on.
type PoolError struct {
	Pool string
	Err  error
}

func (e *PoolError) Error() string {
	return e.Pool + ": " + e.Err.Error()
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// RequestError is a pool condition tied to the URL that triggered it.
type RequestError struct {
	Pool string
	URL  string
	Err  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Pool, e.Err.Error(), e.URL)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// MaxRetryError reports an exhausted retry budget. Reason chains the
// last underlying cause.
type MaxRetryError struct {
	RequestError

	Reason error
}

func newMaxRetryError(pool, url string, reason error) *MaxRetryError {
	return &MaxRetryError{
		RequestError: RequestError{Pool: pool, URL: url, Err: ErrMaxRetries},
		Reason:       reason,
	}
}

func (e *MaxRetryError) Error() string {
	return fmt.Sprintf("%s: max retries exceeded with url: %s (caused by %v)", e.Pool, e.URL, e.Reason)
}

func (e *MaxRetryError) Unwrap() error {
	return e.Reason
}

func (e *MaxRetryError) Is(target error) bool {
	return target == ErrMaxRetries || errors.Is(e.Reason, target)
}

// HostChangedError reports a request whose target host differs from
// the pool's bound host. This is a configuration-misuse signal and is
// never retried.
type HostChangedError struct {
	RequestError
}

func newHostChangedError(pool, url string) *HostChangedError {
	return &HostChangedError{RequestError{Pool: pool, URL: url, Err: ErrHostChanged}}
}

func (e *HostChangedError) Error() string {
	return fmt.Sprintf("%s: tried to open a foreign host with url: %s", e.Pool, e.URL)
}

// TimeoutError classifies a low-level transport timeout into the phase
// it interrupted.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Read    bool
	Err     error
}

func (e *TimeoutError) Error() string {
	phase := "connect"
	if e.Read {
		phase = "read"
	}
	return fmt.Sprintf("%s timed out. (%s timeout=%v) url: %s", phase, phase, e.Timeout, e.URL)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

func (e *TimeoutError) Is(target error) bool {
	if e.Read {
		return target == ErrReadTimeout
	}
	return target == ErrConnectTimeout
}

// NewConnectionError reports a dial failure, chaining the first
// underlying attempt error as cause.
type NewConnectionError struct {
	Endpoint string
	Timeout  time.Duration
	Err      error
}

func (e *NewConnectionError) Error() string {
	within := ""
	if e.Timeout > 0 {
		within = fmt.Sprintf(" within %v", e.Timeout)
	}
	return fmt.Sprintf("failed to establish a new connection: no suitable address to connect to using Happy Eyeballs for %s%s", e.Endpoint, within)
}

func (e *NewConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps an unexpected mid-exchange failure, typically a
// generic OS error during payload transfer.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "connection aborted: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SSLError wraps a secure-transport failure.
type SSLError struct {
	Err error
}

func (e *SSLError) Error() string {
	return "ssl failure: " + e.Err.Error()
}

func (e *SSLError) Unwrap() error {
	return e.Err
}

// ProxyError wraps a failure that occurred before the proxy handshake
// completed.
type ProxyError struct {
	Scheme string
	Err    error
}

func (e *ProxyError) Error() string {
	if e.Scheme == "https" {
		return "unable to connect to proxy, your proxy appears to only use HTTP and not HTTPS: " + e.Err.Error()
	}
	return "unable to connect to proxy: " + e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
