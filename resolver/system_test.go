package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemResolvesLiterals(t *testing.T) {
	s := NewSystem()
	defer s.Close()

	infos, err := s.GetAddrInfo(context.Background(), "127.0.0.1", 8080, FamilyUnspec, SockStream)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, FamilyINET, infos[0].Family)
	assert.Equal(t, uint16(8080), infos[0].Addr.Port())

	infos, err = s.GetAddrInfo(context.Background(), "::1", 443, FamilyUnspec, SockStream)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, FamilyINET6, infos[0].Family)
}

func TestSystemLiteralFamilyMismatch(t *testing.T) {
	s := NewSystem()
	defer s.Close()

	_, err := s.GetAddrInfo(context.Background(), "127.0.0.1", 80, FamilyINET6, SockStream)

	var nre *NameResolutionError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "127.0.0.1", nre.Host)
}

func TestSystemClosed(t *testing.T) {
	s := NewSystem()
	require.True(t, s.IsAvailable())
	require.NoError(t, s.Close())
	assert.False(t, s.IsAvailable())

	_, err := s.GetAddrInfo(context.Background(), "127.0.0.1", 80, FamilyUnspec, SockStream)
	require.ErrorIs(t, err, ErrResolverClosed)
}

func TestSystemRecycle(t *testing.T) {
	s := NewSystem()
	require.NoError(t, s.Close())

	clone := s.Recycle()
	assert.True(t, clone.IsAvailable())

	_, err := clone.GetAddrInfo(context.Background(), "127.0.0.1", 80, FamilyUnspec, SockStream)
	require.NoError(t, err)
}

func TestFamilyString(t *testing.T) {
	assert.Equal(t, "ip", FamilyUnspec.String())
	assert.Equal(t, "ip4", FamilyINET.String())
	assert.Equal(t, "ip6", FamilyINET6.String())
	assert.Equal(t, "", Family(0).String())
}
