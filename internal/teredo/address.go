package teredo

import (
	"encoding/binary"
	"net/netip"
)

// ServicePort is the well-known Teredo server/client UDP port (RFC 4380
// Section 5.2.1).
const ServicePort = 3544

// UnassignedPrefix is the sentinel 32-bit prefix value that must never
// validate as a real Teredo prefix; it marks "no address assigned yet".
const UnassignedPrefix uint32 = 0xFFFFFFFF

// qualificationSourceSuffix is the low 12 bytes of the sentinel source
// address used on Router Solicitations sent before qualification: the
// bytes spell "TEREDO" twice over, with the byte at offset 4 (the high
// byte of the interface identifier) overwritten to mark cone (0x80) or
// restricted (0x00) probing.
var qualificationSourceSuffix = [12]byte{'T', 'E', 'R', 'E', 'D', 'O', 'T', 'E', 'R', 'E', 'D', 'O'}

const qualificationIfaceIDHighByteOffset = 4

// coneIfaceIDMarker and restrictedIfaceIDMarker distinguish the two
// variants of the qualification source sentinel.
const (
	coneIfaceIDMarker       byte = 0x80
	restrictedIfaceIDMarker byte = 0x00
)

// qualificationSourceAddress builds the sentinel IPv6 source address used
// as the source of a Router Solicitation sent before qualification
// completes. cone selects the cone-probing variant; otherwise the
// restricted-probing variant is built.
func qualificationSourceAddress(cone bool) netip.Addr {
	var b [16]byte
	b[0], b[1], b[2], b[3] = 0xFF, 0xFF, 0xFF, 0xFF // unassigned prefix marker
	copy(b[4:16], qualificationSourceSuffix[:])
	if cone {
		b[4+qualificationIfaceIDHighByteOffset] = coneIfaceIDMarker
	} else {
		b[4+qualificationIfaceIDHighByteOffset] = restrictedIfaceIDMarker
	}
	return netip.AddrFrom16(b)
}

// ConeSolicitationSource returns the sentinel RS source address used while
// probing for a cone NAT.
func ConeSolicitationSource() netip.Addr { return qualificationSourceAddress(true) }

// RestrictedSolicitationSource returns the sentinel RS source address used
// while probing for a restricted NAT.
func RestrictedSolicitationSource() netip.Addr { return qualificationSourceAddress(false) }

// AddrPrefix32 extracts the 32-bit Teredo prefix from a Teredo-formatted
// IPv6 address.
func AddrPrefix32(a netip.Addr) uint32 {
	b := a.As16()
	return binary.BigEndian.Uint32(b[0:4])
}

// AddrServerIPv4 extracts the embedded Teredo server IPv4 address.
func AddrServerIPv4(a netip.Addr) netip.Addr {
	b := a.As16()
	return netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
}

// AddrFlags extracts the raw 16-bit flags field.
func AddrFlags(a netip.Addr) uint16 {
	b := a.As16()
	return binary.BigEndian.Uint16(b[8:10])
}

// AddrConeFlag reports whether the address's cone bit (MSB of flags) is
// set.
func AddrConeFlag(a netip.Addr) bool {
	return AddrFlags(a)&0x8000 != 0
}

// AddrMappedPort extracts and un-obfuscates the embedded client UDP port.
func AddrMappedPort(a netip.Addr) uint16 {
	b := a.As16()
	return ^binary.BigEndian.Uint16(b[10:12])
}

// AddrMappedIPv4 extracts and un-obfuscates the embedded client IPv4
// address.
func AddrMappedIPv4(a netip.Addr) netip.Addr {
	b := a.As16()
	x := ^binary.BigEndian.Uint32(b[12:16])
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], x)
	return netip.AddrFrom4(out)
}

// IsTeredo reports whether a carries the configured Teredo prefix. The
// unassigned sentinel prefix never matches.
func IsTeredo(a netip.Addr, configuredPrefix uint32) bool {
	if !a.Is6() || a.Is4In6() {
		return false
	}
	if configuredPrefix == UnassignedPrefix {
		return false
	}
	return AddrPrefix32(a) == configuredPrefix
}

// MatchesEndpoint reports whether a's embedded client IPv4:port equals
// (ipv4, port).
func MatchesEndpoint(a netip.Addr, ipv4 netip.Addr, port uint16) bool {
	return AddrMappedIPv4(a) == ipv4 && AddrMappedPort(a) == port
}

// IsGloballyRoutableUnicast reports whether ipv4 is a plausible public
// unicast address: not unspecified, loopback, link-local, private,
// multicast, or the limited broadcast address.
func IsGloballyRoutableUnicast(ipv4 netip.Addr) bool {
	if !ipv4.Is4() {
		return false
	}
	if ipv4.IsUnspecified() || ipv4.IsLoopback() || ipv4.IsLinkLocalUnicast() ||
		ipv4.IsPrivate() || ipv4.IsMulticast() {
		return false
	}
	if ipv4 == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return false
	}
	return true
}

// BuildTeredoAddress assembles a Teredo IPv6 address from its components,
// obfuscating the mapped port and IPv4 address per the wire format.
func BuildTeredoAddress(prefix uint32, serverIPv4 netip.Addr, cone bool, mappedIPv4 netip.Addr, mappedPort uint16) netip.Addr {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], prefix)

	s4 := serverIPv4.As4()
	copy(b[4:8], s4[:])

	var flags uint16
	if cone {
		flags |= 0x8000
	}
	binary.BigEndian.PutUint16(b[8:10], flags)

	binary.BigEndian.PutUint16(b[10:12], ^mappedPort)

	m4 := mappedIPv4.As4()
	binary.BigEndian.PutUint32(b[12:16], ^binary.BigEndian.Uint32(m4[:]))

	return netip.AddrFrom16(b)
}
