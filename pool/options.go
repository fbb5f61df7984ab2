package pool

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/reservoirdev/reservoir/resolver"
	"github.com/reservoirdev/reservoir/retry"
	"github.com/reservoirdev/reservoir/transport"
)

// Memorizer lets a parent pool coordinator learn which pool owns a
// freshly issued promise, so multi-pool callers can route GetResponse
// without tracking it themselves.
type Memorizer interface {
	Memorize(promise *transport.Promise, p *Pool)
}

type config struct {
	maxSize int
	block   bool

	timeout transport.Timeout
	retries retry.Policy
	headers http.Header

	resolverSpec any

	happyEyeballs bool
	heConcurrency int
	family        resolver.Family

	watch               time.Duration
	keepaliveDelay      time.Duration
	keepaliveIdleWindow time.Duration
	noMonitor           bool

	factory ConnFactory

	proxy        *url.URL
	proxyHeaders http.Header
	proxyErr     error

	tlsConfig *tls.Config
	secure    bool

	parent Memorizer
	logger *slog.Logger
}

func defaultConfig() config {
	return config{
		maxSize:             1,
		timeout:             transport.DefaultTimeout,
		retries:             retry.Default(),
		happyEyeballs:       true,
		heConcurrency:       defaultHappyEyeballsConcurrency,
		family:              resolver.FamilyUnspec,
		watch:               defaultWatchWindow,
		keepaliveDelay:      defaultKeepaliveDelay,
		keepaliveIdleWindow: defaultKeepaliveIdleWindow,
		logger:              slog.Default(),
	}
}

func (c *config) validate() error {
	if c.maxSize < 1 {
		return errors.New("option MaxSize must be at least one")
	}

	if c.heConcurrency < 1 {
		return errors.New("option HappyEyeballsConcurrency must be at least one")
	}

	if c.factory == nil {
		return errors.New("option ConnFactory is required")
	}

	if c.proxyErr != nil {
		return c.proxyErr
	}

	return nil
}

// Option mutates a pool configuration before validation.
type Option func(*config)

type optionsFactory struct{}

// Opts returns the option factory consumed by New and FromURL:
//
//	op := pool.Opts()
//	p, err := pool.New("example.com", 443,
//		op.ConnFactory(newConn),
//		op.MaxSize(4),
//		op.Secure(true),
//	)
func Opts() optionsFactory {
	return optionsFactory{}
}

// MaxSize sets how many connections the pool may hold at once.
func (optionsFactory) MaxSize(n int) Option {
	return func(c *config) { c.maxSize = n }
}

// Block makes checkouts at capacity wait for a connection to come back
// instead of opening extra ones.
func (optionsFactory) Block() Option {
	return func(c *config) { c.block = true }
}

// Timeout sets the per-phase budgets applied to requests that do not
// carry their own.
func (optionsFactory) Timeout(t transport.Timeout) Option {
	return func(c *config) { c.timeout = t }
}

// Retries seeds the retry/redirect budget for requests that do not
// carry their own policy.
func (optionsFactory) Retries(pol retry.Policy) Option {
	return func(c *config) { c.retries = pol }
}

// Headers sets defaults merged into every outgoing request.
func (optionsFactory) Headers(h http.Header) Option {
	return func(c *config) { c.headers = h }
}

// Resolver configures name resolution. Accepted forms: a
// resolver.Resolver instance (borrowed, never closed by the pool), a
// resolver URL string, a resolver.Description, or a list of either.
func (optionsFactory) Resolver(spec any) Option {
	return func(c *config) { c.resolverSpec = spec }
}

// HappyEyeballs toggles dual-stack connection racing.
func (optionsFactory) HappyEyeballs(enabled bool) Option {
	return func(c *config) { c.happyEyeballs = enabled }
}

// HappyEyeballsConcurrency caps how many addresses race at once.
func (optionsFactory) HappyEyeballsConcurrency(n int) Option {
	return func(c *config) { c.heConcurrency = n }
}

// Family restricts resolution to one address family.
func (optionsFactory) Family(f resolver.Family) Option {
	return func(c *config) { c.family = f }
}

// BackgroundWatchDelay sets how often the background monitor sweeps
// idle connections.
func (optionsFactory) BackgroundWatchDelay(d time.Duration) Option {
	return func(c *config) { c.watch = d }
}

// KeepaliveDelay bounds how long after establishment a connection keeps
// receiving liveness pings.
func (optionsFactory) KeepaliveDelay(d time.Duration) Option {
	return func(c *config) { c.keepaliveDelay = d }
}

// KeepaliveIdleWindow sets how long a connection must idle before a
// ping goes out. Values under one second disable pings.
func (optionsFactory) KeepaliveIdleWindow(d time.Duration) Option {
	return func(c *config) { c.keepaliveIdleWindow = d }
}

// DisableBackgroundMonitor prevents the idle watch goroutine from
// starting.
func (optionsFactory) DisableBackgroundMonitor() Option {
	return func(c *config) { c.noMonitor = true }
}

// ConnFactory installs the transport backend that builds connections.
func (optionsFactory) ConnFactory(f ConnFactory) Option {
	return func(c *config) { c.factory = f }
}

// Proxy routes the pool through a forward proxy. Secure origins are
// reached with a CONNECT tunnel carrying the given headers.
func (optionsFactory) Proxy(rawurl string, headers http.Header) Option {
	return func(c *config) {
		u, err := url.Parse(rawurl)
		if err != nil || u.Scheme == "" || u.Hostname() == "" {
			c.proxyErr = fmt.Errorf("invalid proxy url %q", rawurl)
			return
		}
		c.proxy = u
		c.proxyHeaders = headers
	}
}

// TLS configures the secure transport and implies a secure origin.
func (optionsFactory) TLS(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
		c.secure = true
	}
}

// Secure marks the origin as https without customizing TLS.
func (optionsFactory) Secure(enabled bool) Option {
	return func(c *config) { c.secure = enabled }
}

// Parent installs a coordinator notified of every issued promise.
func (optionsFactory) Parent(m Memorizer) Option {
	return func(c *config) { c.parent = m }
}

// Logger replaces the default structured logger.
func (optionsFactory) Logger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
