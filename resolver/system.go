package resolver

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
)

// System defers resolution to the operating system's stock mechanism
// via net.Resolver. IP literals are answered directly without a
// lookup, rejecting literals whose family contradicts the request.
type System struct {
	lookup *net.Resolver
	closed atomic.Bool
}

// NewSystem returns a resolver backed by net.DefaultResolver.
func NewSystem() *System {
	return &System{lookup: net.DefaultResolver}
}

func (s *System) GetAddrInfo(ctx context.Context, host string, port int, family Family, sockType SockType) ([]AddrInfo, error) {
	if s.closed.Load() {
		return nil, &NameResolutionError{Host: host, Reason: ErrResolverClosed}
	}

	if host == "" {
		host = "localhost"
	}

	if infos, ok, err := literalAddrInfo(host, port, family, sockType); ok {
		return infos, err
	}

	network := family.String()
	if network == "" {
		network = FamilyUnspec.String()
	}

	addrs, err := s.lookup.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, &NameResolutionError{Host: host, Reason: err}
	}

	infos := make([]AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		if addr.Is4In6() {
			addr = netip.AddrFrom4(addr.As4())
		}
		if !matchesFamily(addr, family) {
			continue
		}
		infos = append(infos, AddrInfo{
			Family:    familyOf(addr),
			SockType:  sockType,
			CanonName: host,
			Addr:      netip.AddrPortFrom(addr, uint16(port)),
		})
	}

	if len(infos) == 0 {
		return nil, &NameResolutionError{
			Host:   host,
			Reason: errNoAddressForFamily(family),
		}
	}

	return infos, nil
}

func (s *System) Recycle() Resolver {
	if s.closed.Load() {
		return NewSystem()
	}
	return s
}

func (s *System) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *System) IsAvailable() bool {
	return !s.closed.Load()
}

type noAddressError struct {
	family Family
}

func errNoAddressForFamily(family Family) error {
	return &noAddressError{family}
}

func (e *noAddressError) Error() string {
	return "no address found for requested family " + e.family.String()
}
