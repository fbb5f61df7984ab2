package pool

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirdev/reservoir/resolver"
)

func addrInfo(raw string) resolver.AddrInfo {
	addr := netip.MustParseAddr(raw)
	family := resolver.FamilyINET
	if addr.Is6() && !addr.Is4In6() {
		family = resolver.FamilyINET6
	}
	return resolver.AddrInfo{
		Family:   family,
		SockType: resolver.SockStream,
		Addr:     netip.AddrPortFrom(addr, 80),
	}
}

func TestInterleaveByFamily(t *testing.T) {
	infos := []resolver.AddrInfo{
		addrInfo("2001:db8::1"),
		addrInfo("2001:db8::2"),
		addrInfo("192.0.2.1"),
	}

	out := interleaveByFamily(infos)

	var order []string
	for _, info := range out {
		order = append(order, info.Addr.Addr().String())
	}

	assert.Equal(t, []string{"2001:db8::1", "192.0.2.1", "2001:db8::2"}, order)
}

func newRaceDialer(t *testing.T, factory *scriptedFactory, patterns ...string) *eyeballsDialer {
	t.Helper()

	res, err := resolver.NewStatic(patterns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	return &eyeballsDialer{
		resolver:    res,
		factory:     factory.new,
		base:        ConnConfig{Host: "example.com", Port: 80, Scheme: "http"},
		family:      resolver.FamilyUnspec,
		concurrency: defaultHappyEyeballsConcurrency,
		logger:      slog.Default(),
	}
}

func TestDialSingleFamilyTriesAddressesInOrder(t *testing.T) {
	refused := errors.New("connection refused")
	factory := &scriptedFactory{byAddr: map[string]*fakeConn{
		"192.0.2.1": {connectErr: refused},
		"192.0.2.2": {},
	}}

	d := newRaceDialer(t, factory,
		"example.com:192.0.2.1",
		"example.com:192.0.2.2",
	)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, factory.dialed())
}

func TestDialRaceFastestWins(t *testing.T) {
	slow := &fakeConn{connectDelay: 300 * time.Millisecond}
	fast := &fakeConn{connectDelay: 5 * time.Millisecond}

	factory := &scriptedFactory{byAddr: map[string]*fakeConn{
		"2001:db8::1": slow,
		"192.0.2.1":   fast,
	}}

	d := newRaceDialer(t, factory,
		"example.com:[2001:db8::1]",
		"example.com:192.0.2.1",
	)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Same(t, fast, conn)

	// The slow attempt was canceled and its connection closed before
	// Dial returned.
	assert.True(t, slow.IsClosed())
}

func TestDialRaceLoserIsShutDown(t *testing.T) {
	winner := &fakeConn{connectDelay: time.Millisecond}
	// The loser finishes its handshake despite the cancellation, so it
	// must be shut down and closed rather than leaked half-open.
	loser := &fakeConn{connectDelay: 40 * time.Millisecond, ignoreCancel: true}

	factory := &scriptedFactory{byAddr: map[string]*fakeConn{
		"2001:db8::1": winner,
		"192.0.2.1":   loser,
	}}

	d := newRaceDialer(t, factory,
		"example.com:[2001:db8::1]",
		"example.com:192.0.2.1",
	)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Same(t, winner, conn)

	assert.True(t, loser.wasShutdown())
	assert.True(t, loser.IsClosed())
}

func TestDialAllAttemptsFail(t *testing.T) {
	refused := errors.New("connection refused")
	factory := &scriptedFactory{byAddr: map[string]*fakeConn{
		"2001:db8::1": {connectErr: refused},
		"192.0.2.1":   {connectErr: refused},
	}}

	d := newRaceDialer(t, factory,
		"example.com:[2001:db8::1]",
		"example.com:192.0.2.1",
	)

	_, err := d.Dial(context.Background())

	var nce *NewConnectionError
	require.ErrorAs(t, err, &nce)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, nce.Endpoint, "example.com")
}

func TestDialResolutionFailure(t *testing.T) {
	factory := &scriptedFactory{}
	d := newRaceDialer(t, factory, "other.com:192.0.2.1")

	_, err := d.Dial(context.Background())

	var nce *NewConnectionError
	require.ErrorAs(t, err, &nce)

	var nre *resolver.NameResolutionError
	assert.ErrorAs(t, err, &nre)
	assert.Empty(t, factory.dialed())
}

func TestDialStampsResolutionLatency(t *testing.T) {
	conn := &fakeConn{connectDelay: 2 * time.Millisecond}
	factory := &scriptedFactory{byAddr: map[string]*fakeConn{"192.0.2.1": conn}}

	d := newRaceDialer(t, factory, "example.com:192.0.2.1")

	got, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Greater(t, got.ConnInfo().ResolutionLatency, time.Duration(0))
}

func TestDialRespectsFamilyRestriction(t *testing.T) {
	v4 := &fakeConn{}
	factory := &scriptedFactory{byAddr: map[string]*fakeConn{"192.0.2.1": v4}}

	d := newRaceDialer(t, factory,
		"example.com:[2001:db8::1]",
		"example.com:192.0.2.1",
	)
	d.family = resolver.FamilyINET

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Same(t, v4, conn)
	assert.Equal(t, []string{"192.0.2.1"}, factory.dialed())
}
