package teredo

import (
	"encoding/binary"
	"net/netip"
)

// AllRoutersMulticast is the IPv6 all-routers multicast address used as
// the Router Solicitation destination.
var AllRoutersMulticast = netip.MustParseAddr("ff02::2")

const (
	nextHeaderICMPv6    byte = 58
	nextHeaderNone      byte = 59 // "No Next Header" — used by bubbles.
	icmpv6RouterSol     byte = 133
	icmpv6RouterAdv     byte = 134
	icmpv6EchoRequest   byte = 128
	icmpv6EchoReply     byte = 129
	ipv6HeaderLen            = 40
	icmpv6PrefixInfoOpt byte = 3
)

// secondaryServerAddr derives the Teredo server's secondary IPv4 address
// from its primary address by incrementing the second octet, per RFC 4380
// section 5.2.1's convention.
func secondaryServerAddr(primary netip.Addr) netip.Addr {
	b := primary.As4()
	b[1]++
	return netip.AddrFrom4(b)
}

// buildIPv6Header writes a 40-byte IPv6 header for a payload of length
// plen and next-header nh, from src to dst.
func buildIPv6Header(src, dst netip.Addr, nh byte, plen int) []byte {
	h := make([]byte, ipv6HeaderLen)
	h[0] = 0x60 // version 6, traffic class/flow label left zero
	binary.BigEndian.PutUint16(h[4:6], uint16(plen))
	h[6] = nh
	h[7] = 255 // hop limit
	s := src.As16()
	d := dst.As16()
	copy(h[8:24], s[:])
	copy(h[24:40], d[:])
	return h
}

// icmpv6Checksum computes the ICMPv6 checksum over the IPv6 pseudo-header
// and the ICMPv6 message (RFC 8200 Section 8.1), with the checksum field
// itself assumed to be zero in msg.
func icmpv6Checksum(src, dst netip.Addr, msg []byte) uint16 {
	var sum uint32

	s := src.As16()
	d := dst.As16()
	for i := 0; i < 16; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(s[i : i+2]))
		sum += uint32(binary.BigEndian.Uint16(d[i : i+2]))
	}
	sum += uint32(len(msg))
	sum += uint32(nextHeaderICMPv6)

	for i := 0; i+1 < len(msg); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(msg[i : i+2]))
	}
	if len(msg)%2 == 1 {
		sum += uint32(msg[len(msg)-1]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RouterSolicitation is the material needed to emit a qualification
// probe: the source/destination IPv6 header pair wrapping a bare
// ICMPv6 Router Solicitation, plus the Teredo Authentication header
// carrying the qualification nonce.
type RouterSolicitation struct {
	IPv6Packet []byte
	Auth       *AuthHeader
}

// BuildRouterSolicitation constructs a qualification probe: source address
// is the cone-or-restricted qualification sentinel, destination is the
// all-routers multicast address, and the Teredo Authentication header
// carries nonce. Whether the datagram goes to the server's primary or
// secondary IPv4 is chosen by the caller (Engine.sendRS, from
// QualAction.UseSecondary); it is not encoded on the wire.
func BuildRouterSolicitation(cone bool, nonce [8]byte) RouterSolicitation {
	src := qualificationSourceAddress(cone)
	dst := AllRoutersMulticast

	icmp := make([]byte, 8)
	icmp[0] = icmpv6RouterSol
	// icmp[1] code = 0, icmp[2:4] checksum filled below, icmp[4:8] reserved.
	binary.BigEndian.PutUint16(icmp[2:4], icmpv6Checksum(src, dst, icmp))

	header := buildIPv6Header(src, dst, nextHeaderICMPv6, len(icmp))
	pkt := append(header, icmp...)

	return RouterSolicitation{
		IPv6Packet: pkt,
		Auth:       &AuthHeader{Nonce: nonce},
	}
}

// RouterAdvertisementInfo is the material the qualification engine needs
// from a parsed Router Advertisement.
type RouterAdvertisementInfo struct {
	Prefix     uint32
	OriginIPv4 netip.Addr
	OriginPort uint16
}

// ParseRouterAdvertisement validates the embedded Prefix Information
// option of a Router Advertisement ICMPv6 message and extracts the
// Teredo prefix. The client's mapped IPv4:port is taken from the Origin
// Indication header carried alongside it at the Teredo layer (already
// decoded by Unmarshal), not from the ICMPv6 message itself.
func ParseRouterAdvertisement(pkt *ParsedPacket) (*RouterAdvertisementInfo, error) {
	ipv6 := pkt.IPv6Payload
	if len(ipv6) < ipv6HeaderLen+8 {
		return nil, ErrMalformed
	}
	if ipv6[6] != nextHeaderICMPv6 {
		return nil, ErrMalformed
	}

	icmp := ipv6[ipv6HeaderLen:]
	if len(icmp) < 16 || icmp[0] != icmpv6RouterAdv {
		return nil, ErrMalformed
	}

	prefix, ok := findPrefixInformation(icmp[16:]) // skip fixed RA header fields
	if !ok {
		return nil, ErrMalformed
	}

	info := &RouterAdvertisementInfo{Prefix: prefix}
	if pkt.Origin != nil {
		info.OriginIPv4 = pkt.Origin.IPv4
		info.OriginPort = pkt.Origin.Port
	}
	return info, nil
}

// findPrefixInformation scans RA options for a Prefix Information option
// (type 3, length 4 units of 8 bytes, i.e. 32 bytes) and returns its 32-bit Teredo
// prefix (the high 32 bits of the advertised prefix).
func findPrefixInformation(options []byte) (uint32, bool) {
	pos := 0
	for pos+2 <= len(options) {
		optType := options[pos]
		optLen := int(options[pos+1]) * 8 // length is in units of 8 bytes
		if optLen == 0 || pos+optLen > len(options) {
			return 0, false
		}
		if optType == icmpv6PrefixInfoOpt && optLen >= 32 {
			prefixBytes := options[pos+16 : pos+20]
			return binary.BigEndian.Uint32(prefixBytes), true
		}
		pos += optLen
	}
	return 0, false
}

// BuildBubble constructs a Teredo bubble: a bare IPv6 header with
// plen=0 and next-header=NO_NEXT_HEADER, carrying no payload.
func BuildBubble(src, dst netip.Addr) []byte {
	return buildIPv6Header(src, dst, nextHeaderNone, 0)
}

// IsBubble reports whether a decapsulated IPv6 payload is a bubble.
func IsBubble(ipv6 []byte) bool {
	if len(ipv6) < ipv6HeaderLen {
		return false
	}
	plen := binary.BigEndian.Uint16(ipv6[4:6])
	return plen == 0 && ipv6[6] == nextHeaderNone
}

// BuildEchoRequest constructs an ICMPv6 Echo Request carrying the 8-byte
// peer nonce used as a reachability probe challenge: its first 4 bytes in
// the identifier and sequence fields, its last 4 bytes as the message body.
func BuildEchoRequest(src, dst netip.Addr, nonce [8]byte) []byte {
	icmp := make([]byte, 8)
	icmp[0] = icmpv6EchoRequest
	copy(icmp[4:8], nonce[0:4])
	// The remaining 4 bytes of the nonce ride in a single-word body
	// appended after the fixed header, keeping the message minimal while
	// still carrying the full 8-byte challenge.
	icmp = append(icmp, nonce[4:8]...)
	binary.BigEndian.PutUint16(icmp[2:4], icmpv6Checksum(src, dst, icmp))

	header := buildIPv6Header(src, dst, nextHeaderICMPv6, len(icmp))
	return append(header, icmp...)
}

// CheckPing verifies that a decapsulated IPv6 payload is an ICMPv6 Echo
// Reply carrying expectedNonce.
func CheckPing(ipv6 []byte, expectedNonce [8]byte) bool {
	if len(ipv6) < ipv6HeaderLen+12 {
		return false
	}
	if ipv6[6] != nextHeaderICMPv6 {
		return false
	}
	icmp := ipv6[ipv6HeaderLen:]
	if icmp[0] != icmpv6EchoReply {
		return false
	}
	var got [8]byte
	copy(got[0:4], icmp[4:8])
	copy(got[4:8], icmp[8:12])
	return got == expectedNonce
}

// BuildEchoReply mirrors an Echo Request back to its origin, preserving
// the nonce, for use by a relay or peer answering a probe.
func BuildEchoReply(src, dst netip.Addr, nonce [8]byte) []byte {
	icmp := make([]byte, 8)
	icmp[0] = icmpv6EchoReply
	copy(icmp[4:8], nonce[0:4])
	icmp = append(icmp, nonce[4:8]...)
	binary.BigEndian.PutUint16(icmp[2:4], icmpv6Checksum(src, dst, icmp))

	header := buildIPv6Header(src, dst, nextHeaderICMPv6, len(icmp))
	return append(header, icmp...)
}
