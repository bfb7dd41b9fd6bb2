package teredo

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
)

// MaxUDPPayload is the maximum UDP payload Teredo may carry (RFC 4380
// Section 5.1.1).
const MaxUDPPayload = 65507

// MinIPv6Len is the size of a bare IPv6 header with no payload — the
// smallest legal Teredo IPv6 frame (e.g. a bubble).
const MinIPv6Len = 40

const (
	tagAuth        byte = 0x01
	tagOrigin      byte = 0x00
	headerTagByte0 byte = 0x00
)

// AuthHeader is the optional Teredo Authentication header (RFC 4380
// Section 5.1.1).
type AuthHeader struct {
	ClientID  []byte
	AuthValue []byte
	Nonce     [8]byte
	Conf      byte
}

// OriginIndication is the optional Teredo Origin Indication header,
// carrying the external IPv4:port the server observed for an incoming
// packet.
type OriginIndication struct {
	IPv4 netip.Addr
	Port uint16
}

// ParsedPacket is the result of decoding a Teredo UDP datagram.
type ParsedPacket struct {
	Auth        *AuthHeader
	Origin      *OriginIndication
	IPv6Payload []byte // slice into the caller's buffer; not copied
	SourceIPv4  netip.Addr
	SourcePort  uint16
}

// PacketPool recycles MaxUDPPayload-sized receive buffers to avoid a fresh
// allocation on every inbound datagram.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxUDPPayload)
		return &buf
	},
}

// Unmarshal decodes a Teredo UDP datagram. buf is not retained past the
// call except through ParsedPacket.IPv6Payload, which slices into it.
func Unmarshal(buf []byte, sourceIPv4 netip.Addr, sourcePort uint16) (*ParsedPacket, error) {
	pos := 0

	var auth *AuthHeader
	var origin *OriginIndication

	for pos+2 <= len(buf) && buf[pos] == headerTagByte0 {
		switch buf[pos+1] {
		case tagAuth:
			a, next, err := unmarshalAuthHeader(buf, pos)
			if err != nil {
				return nil, err
			}
			auth = a
			pos = next
		case tagOrigin:
			o, next, err := unmarshalOriginIndication(buf, pos)
			if err != nil {
				return nil, err
			}
			origin = o
			pos = next
		default:
			// Not a recognized header tag — treat the remainder as the
			// IPv6 payload.
			goto payload
		}
	}

payload:
	ipv6 := buf[pos:]
	if len(ipv6) < MinIPv6Len {
		return nil, ErrMalformed
	}

	return &ParsedPacket{
		Auth:        auth,
		Origin:      origin,
		IPv6Payload: ipv6,
		SourceIPv4:  sourceIPv4,
		SourcePort:  sourcePort,
	}, nil
}

// unmarshalAuthHeader decodes one Authentication header starting at pos
// (which points at the 0x00 0x01 tag) and returns the header plus the
// offset of the byte following it.
func unmarshalAuthHeader(buf []byte, pos int) (*AuthHeader, int, error) {
	if pos+4 > len(buf) {
		return nil, 0, ErrMalformed
	}
	idLen := int(buf[pos+2])
	auLen := int(buf[pos+3])

	total := 4 + idLen + auLen + 9 // client_id + auth_value + nonce[8] + conf(1)
	if pos+total > len(buf) {
		return nil, 0, ErrMalformed
	}

	clientID := buf[pos+4 : pos+4+idLen]
	authValue := buf[pos+4+idLen : pos+4+idLen+auLen]

	nonceStart := pos + 4 + idLen + auLen
	var nonce [8]byte
	copy(nonce[:], buf[nonceStart:nonceStart+8])
	conf := buf[nonceStart+8]

	return &AuthHeader{
		ClientID:  clientID,
		AuthValue: authValue,
		Nonce:     nonce,
		Conf:      conf,
	}, pos + total, nil
}

// unmarshalOriginIndication decodes one Origin Indication header starting
// at pos (pointing at the 0x00 0x00 tag).
func unmarshalOriginIndication(buf []byte, pos int) (*OriginIndication, int, error) {
	const size = 8 // tag(2) + port_xor(2) + ipv4_xor(4)
	if pos+size > len(buf) {
		return nil, 0, ErrMalformed
	}

	portXor := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
	ipv4Xor := binary.BigEndian.Uint32(buf[pos+4 : pos+8])

	var ip4 [4]byte
	binary.BigEndian.PutUint32(ip4[:], ^ipv4Xor)

	return &OriginIndication{
		IPv4: netip.AddrFrom4(ip4),
		Port: ^portXor,
	}, pos + size, nil
}

// MarshalAuthHeader encodes an Authentication header.
func MarshalAuthHeader(h *AuthHeader) []byte {
	idLen := len(h.ClientID)
	auLen := len(h.AuthValue)
	out := make([]byte, 4+idLen+auLen+9)
	out[0], out[1] = headerTagByte0, tagAuth
	out[2] = byte(idLen)
	out[3] = byte(auLen)
	copy(out[4:4+idLen], h.ClientID)
	copy(out[4+idLen:4+idLen+auLen], h.AuthValue)
	copy(out[4+idLen+auLen:4+idLen+auLen+8], h.Nonce[:])
	out[4+idLen+auLen+8] = h.Conf
	return out
}

// MarshalOriginIndication encodes an Origin Indication header.
func MarshalOriginIndication(o *OriginIndication) []byte {
	out := make([]byte, 8)
	out[0], out[1] = headerTagByte0, tagOrigin
	ip4 := o.IPv4.As4()
	binary.BigEndian.PutUint16(out[2:4], ^o.Port)
	binary.BigEndian.PutUint32(out[4:8], ^binary.BigEndian.Uint32(ip4[:]))
	return out
}

// Emit assembles a Teredo datagram as a zero-copy iovec: optional
// Authentication header, optional Origin Indication, then the IPv6
// payload verbatim.
func Emit(auth *AuthHeader, origin *OriginIndication, ipv6 []byte) net.Buffers {
	var bufs net.Buffers
	if auth != nil {
		bufs = append(bufs, MarshalAuthHeader(auth))
	}
	if origin != nil {
		bufs = append(bufs, MarshalOriginIndication(origin))
	}
	bufs = append(bufs, ipv6)
	return bufs
}

// FlattenBuffers concatenates an iovec into a single contiguous buffer,
// for transports that cannot write a net.Buffers directly.
func FlattenBuffers(bufs net.Buffers) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}
