package pool

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reservoirdev/reservoir/resolver"
	"github.com/reservoirdev/reservoir/transport"
)

// defaultHappyEyeballsConcurrency caps how many addresses are raced at
// once, per the IETF recommendation.
const defaultHappyEyeballsConcurrency = 4

// ConnConfig parameterizes one connection built by a ConnFactory. Addr
// is the resolved target of this particular attempt; Host stays the
// origin name for SNI and Host-header purposes.
type ConnConfig struct {
	Host   string
	Port   int
	Scheme string
	Addr   netip.AddrPort

	ConnectTimeout   time.Duration
	TLS              *tls.Config
	DisabledVersions []string
	Tunnel           *transport.TunnelConfig
}

// ConnFactory builds an unconnected transport link for one target
// address. The pool calls Connect on the result itself.
type ConnFactory func(cfg ConnConfig) (transport.Conn, error)

// eyeballsDialer resolves the pool's endpoint and establishes one
// connection, racing address families when both are present.
type eyeballsDialer struct {
	resolver resolver.Resolver
	factory  ConnFactory
	base     ConnConfig
	family   resolver.Family

	// concurrency caps simultaneous attempts; values below two disable
	// racing entirely.
	concurrency int

	logger *slog.Logger
}

func (d *eyeballsDialer) endpoint() string {
	return net.JoinHostPort(d.base.Host, strconv.Itoa(d.base.Port))
}

// Dial resolves and connects. The winning connection's resolution
// latency is overwritten with the whole resolve-then-race elapsed time,
// since the per-attempt clock only starts after resolution.
func (d *eyeballsDialer) Dial(ctx context.Context) (transport.Conn, error) {
	start := time.Now()

	rctx := ctx
	if d.base.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.base.ConnectTimeout)
		defer cancel()
	}

	infos, err := d.resolver.GetAddrInfo(rctx, d.base.Host, d.base.Port, d.family, resolver.SockStream)
	if err != nil {
		return nil, &NewConnectionError{Endpoint: d.endpoint(), Timeout: d.base.ConnectTimeout, Err: err}
	}

	candidates := interleaveByFamily(infos)

	// Racing only pays off across families. A single candidate, a
	// single-family answer or a disabled race all fall back to trying
	// addresses in order.
	if d.concurrency < 2 || len(candidates) < 2 || singleFamily(candidates) {
		conn, err := d.dialSequential(rctx, candidates)
		if err != nil {
			return nil, &NewConnectionError{Endpoint: d.endpoint(), Timeout: time.Since(start), Err: err}
		}
		stampResolutionLatency(conn, start)
		return conn, nil
	}

	conn, err := d.race(rctx, candidates)
	if err != nil {
		return nil, &NewConnectionError{Endpoint: d.endpoint(), Timeout: time.Since(start), Err: err}
	}

	stampResolutionLatency(conn, start)
	return conn, nil
}

func (d *eyeballsDialer) dialSequential(ctx context.Context, candidates []resolver.AddrInfo) (transport.Conn, error) {
	var firstErr error

	for _, info := range candidates {
		cfg := d.base
		cfg.Addr = info.Addr

		conn, err := d.factory(cfg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if cfg.Tunnel != nil {
			if err := conn.SetTunnel(*cfg.Tunnel); err != nil {
				_ = conn.Close()
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		if err := conn.Connect(ctx); err != nil {
			_ = conn.Close()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		return conn, nil
	}

	if firstErr == nil {
		firstErr = ctx.Err()
	}

	return nil, firstErr
}

func (d *eyeballsDialer) race(ctx context.Context, candidates []resolver.AddrInfo) (transport.Conn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errOnce  sync.Once
		firstErr error
	)
	winner := make(chan transport.Conn, 1)

	var g errgroup.Group
	g.SetLimit(min(d.concurrency, len(candidates)))

	for _, info := range candidates {
		g.Go(func() error {
			if raceCtx.Err() != nil {
				return nil
			}

			cfg := d.base
			cfg.Addr = info.Addr

			conn, err := d.factory(cfg)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return nil
			}

			if cfg.Tunnel != nil {
				if err := conn.SetTunnel(*cfg.Tunnel); err != nil {
					_ = conn.Close()
					errOnce.Do(func() { firstErr = err })
					return nil
				}
			}

			if err := conn.Connect(raceCtx); err != nil {
				_ = conn.Close()
				errOnce.Do(func() { firstErr = err })
				return nil
			}

			select {
			case winner <- conn:
				cancel()
			default:
				// Lost the race after connecting. Shut the socket down
				// before closing so no half-open link lingers.
				d.logger.LogAttrs(raceCtx, slog.LevelDebug,
					"discarding happy eyeballs loser",
					slog.String("addr", info.Addr.String()),
				)
				_ = conn.ShutdownTransport()
				_ = conn.Close()
			}

			return nil
		})
	}

	_ = g.Wait()

	select {
	case conn := <-winner:
		return conn, nil
	default:
	}

	if firstErr == nil {
		firstErr = ctx.Err()
	}

	return nil, firstErr
}

func stampResolutionLatency(conn transport.Conn, start time.Time) {
	if info := conn.ConnInfo(); info != nil {
		info.ResolutionLatency = time.Since(start)
	}
}

// interleaveByFamily alternates candidate addresses between families,
// IPv6 leading, so a stalled family never monopolizes the early
// attempts.
func interleaveByFamily(infos []resolver.AddrInfo) []resolver.AddrInfo {
	var v6, v4 []resolver.AddrInfo

	for _, info := range infos {
		if info.Family == resolver.FamilyINET6 {
			v6 = append(v6, info)
		} else {
			v4 = append(v4, info)
		}
	}

	out := make([]resolver.AddrInfo, 0, len(infos))
	for i := 0; len(out) < len(infos); i++ {
		if i < len(v6) {
			out = append(out, v6[i])
		}
		if i < len(v4) {
			out = append(out, v4[i])
		}
	}

	return out
}

func singleFamily(infos []resolver.AddrInfo) bool {
	for i := 1; i < len(infos); i++ {
		if infos[i].Family != infos[0].Family {
			return false
		}
	}
	return true
}
