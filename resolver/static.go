package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Static serves pre-registered host-to-address overrides from memory,
// regardless of system DNS state. Connection pools use it to pin a
// Happy Eyeballs winner so that retries resolve to exactly one
// address.
type Static struct {
	mu     sync.RWMutex
	hosts  map[string][]netip.Addr
	closed bool
}

// NewStatic builds a static resolver from "host:address" patterns.
// IPv6 addresses may be bracketed, e.g. "example.com:[2001:db8::1]".
// A host may appear in several patterns; its addresses keep the order
// they were registered in.
func NewStatic(patterns ...string) (*Static, error) {
	s := &Static{hosts: make(map[string][]netip.Addr, len(patterns))}

	for _, pattern := range patterns {
		host, rawAddr, ok := strings.Cut(pattern, ":")
		if !ok || host == "" || rawAddr == "" {
			return nil, fmt.Errorf("invalid host pattern %q: expected host:address", pattern)
		}

		// the remainder is the address, brackets or not; a bare IPv6
		// address contains colons so Cut only split off the host part
		rawAddr = strings.TrimPrefix(rawAddr, "[")
		rawAddr = strings.TrimSuffix(rawAddr, "]")

		addr, err := netip.ParseAddr(rawAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid address in host pattern %q: %w", pattern, err)
		}

		key := strings.ToLower(host)
		s.hosts[key] = append(s.hosts[key], addr)
	}

	return s, nil
}

// Register adds one more override at runtime.
func (s *Static) Register(host string, addr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(host)
	s.hosts[key] = append(s.hosts[key], addr)
}

func (s *Static) GetAddrInfo(ctx context.Context, host string, port int, family Family, sockType SockType) ([]AddrInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &NameResolutionError{Host: host, Reason: ErrResolverClosed}
	}

	if infos, ok, err := literalAddrInfo(host, port, family, sockType); ok {
		return infos, err
	}

	addrs, ok := s.hosts[strings.ToLower(host)]
	if !ok {
		return nil, &NameResolutionError{
			Host:   host,
			Reason: fmt.Errorf("host %q is not registered in the static resolver", host),
		}
	}

	infos := make([]AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
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

// Recycle clones the override table so the copy can outlive this
// resolver's Close.
func (s *Static) Recycle() Resolver {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make(map[string][]netip.Addr, len(s.hosts))
	for k, v := range s.hosts {
		hosts[k] = append([]netip.Addr(nil), v...)
	}

	return &Static{hosts: hosts}
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *Static) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.closed
}
