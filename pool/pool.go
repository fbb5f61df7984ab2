// Package pool implements a per-host HTTP connection pool able to mix
// sequential HTTP/1.1 connections and multiplexed HTTP/2+ connections
// behind one façade. Connections are established through a pluggable
// resolver with dual-stack Happy Eyeballs racing, kept warm by a
// background keepalive monitor, and handed out by a single-lock slot
// manager that also correlates in-flight multiplexed exchanges with
// the connections carrying them.
package pool

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reservoirdev/reservoir/resolver"
	"github.com/reservoirdev/reservoir/retry"
	"github.com/reservoirdev/reservoir/transport"
)

type poolStats struct {
	connections               atomic.Uint64
	requests                  atomic.Uint64
	pings                     atomic.Uint64
	backgroundWatchIterations atomic.Uint64
}

// Pool manages connections to one origin.
type Pool struct {
	host   string
	port   int
	scheme string

	timeout transport.Timeout
	retries retry.Policy
	headers http.Header
	block   bool

	police  *TrafficPolice
	factory ConnFactory

	happyEyeballs bool
	heConcurrency int
	family        resolver.Family

	res         resolver.Resolver
	ownResolver bool

	proxy        *url.URL
	proxyHeaders http.Header

	// versionMu guards disabled, the protocol versions ruled out by
	// downgrade signals. Connection state itself is guarded solely by
	// the slot manager.
	versionMu sync.Mutex
	disabled  []string

	tlsCfg *tls.Config

	monitorStop    chan struct{}
	monitorStopped sync.Once

	closed atomic.Bool

	parent Memorizer
	stats  poolStats
	logger *slog.Logger
}

// New builds a pool bound to host and port. A zero port selects the
// scheme default.
func New(host string, port int, opts ...Option) (*Pool, error) {
	c := defaultConfig()
	for _, o := range opts {
		o(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	host = normalizeHost(host)
	if host == "" {
		return nil, fmt.Errorf("pool host must not be empty")
	}

	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	if port == 0 {
		port = defaultPort(scheme)
	}

	res, own, err := buildResolver(c.resolverSpec)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		host:          host,
		port:          port,
		scheme:        scheme,
		timeout:       c.timeout,
		retries:       c.retries,
		headers:       c.headers,
		block:         c.block,
		police:        NewTrafficPolice(c.maxSize, c.block, c.logger),
		factory:       c.factory,
		happyEyeballs: c.happyEyeballs,
		heConcurrency: c.heConcurrency,
		family:        c.family,
		res:           res,
		ownResolver:   own,
		proxy:         c.proxy,
		proxyHeaders:  c.proxyHeaders,
		tlsCfg:        c.tlsConfig,
		parent:        c.parent,
		logger:        c.logger,
	}

	if !c.noMonitor {
		watch, delay, idleWindow := clampKeepalive(c.watch, c.keepaliveDelay, c.keepaliveIdleWindow)
		p.monitorStop = make(chan struct{})
		go idleConnWatchTask(p.police, p.monitorStop, watch, delay, idleWindow, &p.stats, p.logger)
	}

	return p, nil
}

// FromURL builds a pool bound to the origin of rawurl. The path and
// query are ignored; the scheme decides security.
func FromURL(rawurl string, opts ...Option) (*Pool, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid pool url %q: %w", rawurl, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("pool url %q has no host", rawurl)
	}

	port := 0
	if raw := u.Port(); raw != "" {
		port, _ = strconv.Atoi(raw)
	}

	if strings.EqualFold(u.Scheme, "https") {
		opts = append(opts, Opts().Secure(true))
	}

	return New(u.Hostname(), port, opts...)
}

// buildResolver turns the configured resolver specification into one
// resolver instance. Host-scoped backends are chained ahead of a
// catch-all system resolver so every lookup has a terminal answer.
func buildResolver(spec any) (resolver.Resolver, bool, error) {
	if r, ok := spec.(resolver.Resolver); ok {
		// Borrowed; the caller keeps ownership.
		return r, false, nil
	}

	descs, err := resolver.FromAny(spec)
	if err != nil {
		return nil, false, err
	}

	var (
		chain    []resolver.Resolver
		catchAll bool
	)
	for _, d := range descs {
		r, err := d.New()
		if err != nil {
			for _, built := range chain {
				_ = built.Close()
			}
			return nil, false, err
		}
		chain = append(chain, r)
		if len(d.HostPatterns) == 0 {
			catchAll = true
		}
	}

	if !catchAll {
		chain = append(chain, resolver.NewSystem())
	}

	if len(chain) == 1 {
		return chain[0], true, nil
	}

	return resolver.NewMany(chain...), true, nil
}

// Host returns the bound origin host.
func (p *Pool) Host() string { return p.host }

// Port returns the bound origin port.
func (p *Pool) Port() int { return p.port }

// Scheme returns "http" or "https".
func (p *Pool) Scheme() string { return p.scheme }

// name identifies the pool in error messages.
func (p *Pool) name() string {
	return p.scheme + "://" + net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// IsSameHost reports whether rawurl targets this pool's origin.
// Relative references always do.
func (p *Pool) IsSameHost(rawurl string) bool {
	if rawurl == "" || strings.HasPrefix(rawurl, "/") {
		return true
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	if u.Host == "" {
		return true
	}

	if u.Scheme != "" && !strings.EqualFold(u.Scheme, p.scheme) {
		return false
	}

	if !strings.EqualFold(normalizeHost(u.Hostname()), p.host) {
		return false
	}

	port := defaultPort(p.scheme)
	if raw := u.Port(); raw != "" {
		port, _ = strconv.Atoi(raw)
	}

	return port == p.port
}

// IsIdle reports whether no exchange is in flight anywhere in the pool.
func (p *Pool) IsIdle() bool {
	return p.police.AllIdle()
}

// IsSaturated reports whether the pool cannot take one more exchange
// without waiting.
func (p *Pool) IsSaturated() bool {
	return p.police.Saturated()
}

// NumConnections counts connections established over the pool lifetime.
func (p *Pool) NumConnections() uint64 { return p.stats.connections.Load() }

// NumRequests counts requests sent over the pool lifetime, retries and
// redirects included.
func (p *Pool) NumRequests() uint64 { return p.stats.requests.Load() }

// NumPings counts keepalive pings sent by the background monitor.
func (p *Pool) NumPings() uint64 { return p.stats.pings.Load() }

// NumBackgroundWatchIter counts completed background monitor sweeps.
func (p *Pool) NumBackgroundWatchIter() uint64 {
	return p.stats.backgroundWatchIterations.Load()
}

// disableVersion records a protocol version ruled out by a downgrade
// signal. It reports false when the version was already disabled, which
// the dispatcher treats as a non-recoverable protocol failure.
func (p *Pool) disableVersion(version string) bool {
	p.versionMu.Lock()
	defer p.versionMu.Unlock()

	for _, v := range p.disabled {
		if v == version {
			return false
		}
	}
	p.disabled = append(p.disabled, version)
	return true
}

func (p *Pool) disabledVersions() []string {
	p.versionMu.Lock()
	defer p.versionMu.Unlock()

	return append([]string(nil), p.disabled...)
}

// newDialer snapshots the dial parameters for one establishment.
func (p *Pool) newDialer(connectTimeout time.Duration) *eyeballsDialer {
	base := ConnConfig{
		Host:             p.host,
		Port:             p.port,
		Scheme:           p.scheme,
		ConnectTimeout:   connectTimeout,
		TLS:              p.tlsCfg,
		DisabledVersions: p.disabledVersions(),
	}

	if p.proxy != nil {
		base.Host = p.proxy.Hostname()
		if raw := p.proxy.Port(); raw != "" {
			base.Port, _ = strconv.Atoi(raw)
		} else {
			base.Port = defaultPort(p.proxy.Scheme)
		}
		if p.scheme == "https" {
			base.Tunnel = &transport.TunnelConfig{
				Scheme:  p.scheme,
				Host:    p.host,
				Port:    p.port,
				Headers: p.proxyHeaders,
			}
		}
	}

	concurrency := p.heConcurrency
	if !p.happyEyeballs {
		concurrency = 1
	}

	return &eyeballsDialer{
		resolver:    p.res,
		factory:     p.factory,
		base:        base,
		family:      p.family,
		concurrency: concurrency,
		logger:      p.logger,
	}
}

// Clear closes every pooled connection without closing the pool.
func (p *Pool) Clear() {
	p.police.Clear()
}

// Close shuts the pool down: the monitor stops, pooled connections are
// closed, and an owned resolver is released. Close is idempotent.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.monitorStopped.Do(func() {
		if p.monitorStop != nil {
			close(p.monitorStop)
		}
	})

	p.police.Close()

	if p.ownResolver && p.res.IsAvailable() {
		return p.res.Close()
	}

	return nil
}

func normalizeHost(host string) string {
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(host)
}

func defaultPort(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}
