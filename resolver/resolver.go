// Package resolver defines the name-to-address resolution contract
// consumed by connection pools, along with the built-in backends: the
// system resolver, an in-memory static resolver, and a composite
// resolver chaining several backends in priority order.
//
// Backends are selected at runtime from resolver URLs such as
// "system://default" or "in-memory://default?hosts=example.com:203.0.113.5";
// see Description.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrResolverClosed = errors.New("resolver is closed")

	// ErrNotImplemented is returned when a resolver URL names a
	// protocol tag with no registered constructor.
	ErrNotImplemented = errors.New("no resolver implementation registered for protocol")
)

// Family selects the address family of a lookup.
type Family uint8

const (
	FamilyUnspec Family = iota + 1
	FamilyINET
	FamilyINET6
)

func (f Family) String() string {
	if f < FamilyUnspec || f > FamilyINET6 {
		return ""
	}

	return []string{
		"ip",
		"ip4",
		"ip6",
	}[f-1]
}

// SockType mirrors the socket type requested alongside a lookup. Pools
// only ever dial stream sockets, but the contract keeps the parameter
// so resolver backends can refuse types they cannot serve.
type SockType uint8

const (
	SockStream SockType = iota + 1
	SockDatagram
)

// AddrInfo is one resolved endpoint candidate, ordered by preference.
type AddrInfo struct {
	Family    Family
	SockType  SockType
	Proto     int
	CanonName string
	Addr      netip.AddrPort
}

// Resolver is the pluggable resolution capability owned (or borrowed)
// by a connection pool.
type Resolver interface {
	// GetAddrInfo maps host and port to an ordered list of socket
	// addresses under the requested family. It fails with a
	// NameResolutionError when the host cannot be mapped.
	GetAddrInfo(ctx context.Context, host string, port int, family Family, sockType SockType) ([]AddrInfo, error)

	// Recycle returns a resolver equivalent to this one that is safe
	// to hand to another pool.
	Recycle() Resolver

	// Close releases any underlying sockets or tasks. Closing a
	// resolver that never opened any is a no-op.
	Close() error

	// IsAvailable reports whether the resolver can still serve
	// lookups (i.e. it has not been closed).
	IsAvailable() bool
}

// NameResolutionError reports that a host could not be mapped to any
// address under the requested constraints.
type NameResolutionError struct {
	Host   string
	Reason error
}

func (e *NameResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q (%v)", e.Host, e.Reason)
}

func (e *NameResolutionError) Unwrap() error {
	return e.Reason
}

// familyOf derives the lookup family of a parsed address.
func familyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyINET
	}
	return FamilyINET6
}

// matchesFamily reports whether an address satisfies a requested
// family constraint.
func matchesFamily(addr netip.Addr, family Family) bool {
	switch family {
	case FamilyINET:
		return familyOf(addr) == FamilyINET
	case FamilyINET6:
		return familyOf(addr) == FamilyINET6
	default:
		return true
	}
}

// literalAddrInfo maps an IP literal straight to a single candidate,
// failing when the literal's family contradicts the requested one.
func literalAddrInfo(host string, port int, family Family, sockType SockType) ([]AddrInfo, bool, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false, nil
	}

	if !matchesFamily(addr, family) {
		return nil, true, &NameResolutionError{
			Host:   host,
			Reason: fmt.Errorf("address family %s not supported for literal %q", family, host),
		}
	}

	return []AddrInfo{{
		Family:   familyOf(addr),
		SockType: sockType,
		Addr:     netip.AddrPortFrom(addr, uint16(port)),
	}}, true, nil
}
