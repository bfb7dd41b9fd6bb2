package teredo

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRandom yields a fixed byte sequence, repeated as needed, so nonce
// generation in tests is deterministic.
type fakeRandom struct {
	fill byte
}

func (r *fakeRandom) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.fill
		r.fill++
	}
	return len(p), nil
}

func newTestClientEngine(t *testing.T, sock *fakeSocket) (*Engine, *fakeSocket) {
	t.Helper()
	if sock == nil {
		sock = &fakeSocket{}
	}
	tr := NewUDPTransport(sock, func(error) bool { return false })
	clock := NewFakeClock(time.Unix(0, 0))
	peers := NewPeerTable(DefaultPeerTableCapacity, clock)

	var delivered [][]byte
	deliver := func(ipv6 []byte) error {
		delivered = append(delivered, append([]byte(nil), ipv6...))
		return nil
	}

	e, err := NewClientEngine(
		ClientConfig{ServerIPv4: netip.MustParseAddr("192.0.2.1")},
		tr, peers, clock, &fakeRandom{fill: 1}, deliver, nil, nil,
	)
	require.NoError(t, err)
	return e, sock
}

func ipv6Packet(t *testing.T, src, dst netip.Addr, nh byte, payload []byte) []byte {
	t.Helper()
	header := buildIPv6Header(src, dst, nh, len(payload))
	return append(header, payload...)
}

func qualifyConeEngine(t *testing.T, e *Engine, now time.Time) netip.Addr {
	t.Helper()
	ra := &RouterAdvertisementInfo{
		Prefix:     0x20010000,
		OriginIPv4: netip.MustParseAddr("198.51.100.1"),
		OriginPort: 50001,
	}
	s, actions := ApplyRouterAdvertisement(e.qual, ra, e.serverIPv4, now)
	e.commitQualState(s)
	e.handleQualActions(actions)
	require.True(t, e.Qualified())
	return e.address
}

func TestEngineDirectConePeerSend(t *testing.T) {
	sock := &fakeSocket{}
	e, sock := newTestClientEngine(t, sock)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)

	peerAddr := BuildTeredoAddress(0x20010000, netip.MustParseAddr("192.0.2.9"), true,
		netip.MustParseAddr("198.51.100.9"), 50000)

	pkt := ipv6Packet(t, e.address, peerAddr, 59, nil)
	err := e.Send(pkt)
	require.NoError(t, err)

	require.Len(t, sock.sentTo, 1)
	require.Equal(t, netip.MustParseAddr("198.51.100.9"), sock.sentTo[0].Addr())
	require.Equal(t, uint16(50000), sock.sentTo[0].Port())

	peer, ok := e.peers.Find(peerAddr)
	require.True(t, ok)
	require.True(t, peer.Trusted())
}

func TestEngineNonConeBubblePacing(t *testing.T) {
	sock := &fakeSocket{}
	e, sock := newTestClientEngine(t, sock)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)
	e.ownCone = true // keep to a single bubble per send for a clean count

	peerAddr := BuildTeredoAddress(0x20010000, netip.MustParseAddr("192.0.2.9"), false,
		netip.MustParseAddr("198.51.100.9"), 50000)
	payload := ipv6Packet(t, e.address, peerAddr, 59, nil)

	clock := e.clock.(*FakeClock)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Send(payload))
		clock.Advance(1 * time.Second)
	}

	require.LessOrEqual(t, len(sock.sentTo), 3)
	peer, ok := e.peers.Find(peerAddr)
	require.True(t, ok)
	require.NotNil(t, peer.QueuedPacket, "first payload should be queued, not sent directly")
	for _, addr := range sock.sentTo {
		require.NotEqual(t, payload, nil) // sanity: sent datagrams are bubbles, never the queued payload
		_ = addr
	}
	for _, b := range sock.sentBytes {
		require.True(t, IsBubble(b), "every transmitted datagram must be a bubble, not the queued payload")
	}
}

func TestEngineEchoProbePromotion(t *testing.T) {
	sock := &fakeSocket{}
	e, sock := newTestClientEngine(t, sock)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)

	nativeDst := netip.MustParseAddr("2001:db8::1")
	payload := ipv6Packet(t, e.address, nativeDst, 6, []byte{0xAA})

	require.NoError(t, e.Send(payload))
	require.Len(t, sock.sentTo, 1)
	require.Equal(t, e.serverIPv4, sock.sentTo[0].Addr())

	peer, ok := e.peers.Find(nativeDst)
	require.True(t, ok)
	ps, ok := peer.State.(ProbingState)
	require.True(t, ok)
	require.Equal(t, payload, peer.QueuedPacket)

	reply := BuildEchoReply(nativeDst, e.address, ps.Nonce)
	parsed, err := Unmarshal(reply, netip.MustParseAddr("203.0.113.77"), 41000)
	require.NoError(t, err)

	sock.recvQueue = [][]byte{FlattenBuffers(Emit(nil, nil, parsed.IPv6Payload))}
	sock.recvFrom = netip.MustParseAddrPort("203.0.113.77:41000")

	require.NoError(t, e.Receive())

	peer, ok = e.peers.Find(nativeDst)
	require.True(t, ok)
	require.True(t, peer.Trusted())
	mappedIPv4, mappedPort, ok := peer.MappedEndpoint()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("203.0.113.77"), mappedIPv4)
	require.Equal(t, uint16(41000), mappedPort)

	require.Len(t, sock.sentTo, 2, "the queued packet must flush to the newly learned mapping")
	require.Equal(t, mappedIPv4, sock.sentTo[1].Addr())
	require.Equal(t, mappedPort, sock.sentTo[1].Port())
	require.Equal(t, payload, sock.sentBytes[1])
}

func TestEngineEchoProbeNoncePreservedWhileOutstanding(t *testing.T) {
	sock := &fakeSocket{}
	e, sock := newTestClientEngine(t, sock)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)

	nativeDst := netip.MustParseAddr("2001:db8::1")
	first := ipv6Packet(t, e.address, nativeDst, 6, []byte{0xAA})
	require.NoError(t, e.Send(first))

	peer, ok := e.peers.Find(nativeDst)
	require.True(t, ok)
	ps, ok := peer.State.(ProbingState)
	require.True(t, ok)
	firstNonce := ps.Nonce

	// A second Send to the same still-probing destination must not mint a
	// fresh nonce or discard the first probe's pending queued packet.
	second := ipv6Packet(t, e.address, nativeDst, 6, []byte{0xBB})
	require.NoError(t, e.Send(second))

	peer, ok = e.peers.Find(nativeDst)
	require.True(t, ok)
	ps, ok = peer.State.(ProbingState)
	require.True(t, ok)
	require.Equal(t, firstNonce, ps.Nonce, "nonce must stay stable while a probe is outstanding")
	require.Equal(t, second, peer.QueuedPacket, "the latest payload replaces the queued one, without touching the nonce")

	require.Len(t, sock.sentTo, 2, "each Send still emits a probe, reusing the same nonce")
	reply := BuildEchoReply(nativeDst, e.address, firstNonce)
	require.True(t, CheckPing(reply, ps.Nonce))
}

func TestEngineInboundFallbackProbeNoncePreservedWhileOutstanding(t *testing.T) {
	sock := &fakeSocket{}
	e, sock := newTestClientEngine(t, sock)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)

	srcIPv6 := netip.MustParseAddr("2001:db8::9")
	observedFrom := netip.MustParseAddrPort("203.0.113.50:41000")
	datagram := ipv6Packet(t, srcIPv6, e.address, 59, nil)

	sock.recvQueue = [][]byte{datagram}
	sock.recvFrom = observedFrom
	require.NoError(t, e.Receive())

	peer, ok := e.peers.Find(srcIPv6)
	require.True(t, ok)
	ps, ok := peer.State.(ProbingState)
	require.True(t, ok)
	firstNonce := ps.Nonce
	require.Len(t, sock.sentTo, 1)

	// A second unrecognized datagram from the same still-probing source
	// must not mint a fresh nonce.
	sock.recvQueue = [][]byte{datagram}
	sock.recvFrom = observedFrom
	require.NoError(t, e.Receive())

	peer, ok = e.peers.Find(srcIPv6)
	require.True(t, ok)
	ps, ok = peer.State.(ProbingState)
	require.True(t, ok)
	require.Equal(t, firstNonce, ps.Nonce, "nonce must stay stable while a fallback probe is outstanding")
	require.Len(t, sock.sentTo, 2, "each Receive still emits a probe, reusing the same nonce")
}

func TestEnginePeerRecyclingOnSend(t *testing.T) {
	e, _ := newTestClientEngine(t, nil)
	now := time.Unix(0, 0)
	qualifyConeEngine(t, e, now)

	first := BuildTeredoAddress(0x20010000, netip.MustParseAddr("192.0.2.9"), true,
		netip.MustParseAddr("198.51.100.1"), 1000)
	require.NoError(t, e.Send(ipv6Packet(t, e.address, first, 59, nil)))
	require.Equal(t, 1, e.peers.Len())

	clock := e.clock.(*FakeClock)
	clock.Advance(31 * time.Second)

	second := BuildTeredoAddress(0x20010000, netip.MustParseAddr("192.0.2.9"), true,
		netip.MustParseAddr("198.51.100.2"), 1000)
	require.NoError(t, e.Send(ipv6Packet(t, e.address, second, 59, nil)))

	require.Equal(t, 1, e.peers.Len(), "expired slot should be recycled rather than growing the table")
	_, ok := e.peers.Find(first)
	require.False(t, ok)
	_, ok = e.peers.Find(second)
	require.True(t, ok)
}

func TestEngineSendRejectsShortPacket(t *testing.T) {
	e, _ := newTestClientEngine(t, nil)
	qualifyConeEngine(t, e, time.Unix(0, 0))
	err := e.Send(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEngineSendRejectsBeforeQualified(t *testing.T) {
	e, _ := newTestClientEngine(t, nil)
	err := e.Send(bareIPv6(0))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestEngineConeQualificationEndToEnd(t *testing.T) {
	e, sock := newTestClientEngine(t, nil)
	require.NoError(t, e.Start())
	require.Len(t, sock.sentTo, 1)
	require.Equal(t, e.serverIPv4, sock.sentTo[0].Addr())

	ra := buildRAWithPrefixInfo(0x20010000, &OriginIndication{
		IPv4: netip.MustParseAddr("203.0.113.5"), Port: 40000,
	})
	auth := MarshalAuthHeader(&AuthHeader{Nonce: e.qual.Nonce})
	origin := MarshalOriginIndication(&OriginIndication{IPv4: netip.MustParseAddr("203.0.113.5"), Port: 40000})
	datagram := append(append(auth, origin...), ra...)

	sock.recvQueue = [][]byte{datagram}
	sock.recvFrom = netip.MustParseAddrPort("192.0.2.1:3544")

	require.NoError(t, e.Receive())
	require.True(t, e.Qualified())
	require.True(t, AddrConeFlag(e.address))
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), AddrServerIPv4(e.address))
}
