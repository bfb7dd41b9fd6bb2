package teredo

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUDPSocketRoundTrip(t *testing.T) {
	a, _, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer a.Close()

	b, wakeB, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer b.Close()

	bAddr := netip.MustParseAddrPort(b.conn.LocalAddr().String())

	_, err = a.WriteToUDP([]byte("hello"), bAddr)
	require.NoError(t, err)

	select {
	case <-wakeB:
	case <-time.After(time.Second):
		t.Fatal("wake channel was not signaled for an arriving datagram")
	}

	var buf [64]byte
	n, from, err := b.ReadFromUDP(buf[:])
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, from.IsValid())
}

func TestUDPSocketReadFromUDPReturnsErrNoDataWhenEmpty(t *testing.T) {
	s, _, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer s.Close()

	var buf [16]byte
	_, _, err = s.ReadFromUDP(buf[:])
	require.ErrorIs(t, err, ErrNoData)
}

func TestUDPSocketWakeSignalsOnArrival(t *testing.T) {
	a, _, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer a.Close()

	b, wakeB, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer b.Close()

	bAddr := netip.MustParseAddrPort(b.conn.LocalAddr().String())
	_, err = a.WriteToUDP([]byte("ping"), bAddr)
	require.NoError(t, err)

	select {
	case <-wakeB:
	case <-time.After(time.Second):
		t.Fatal("wake channel was not signaled for an arriving datagram")
	}

	var buf [16]byte
	n, _, err := b.ReadFromUDP(buf[:])
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestUDPSocketCloseStopsReadLoop(t *testing.T) {
	s, _, err := NewUDPSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.conn.ReadFromUDPAddrPort(make([]byte, 8))
	require.Error(t, err)
}
