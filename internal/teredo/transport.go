package teredo

import (
	"errors"
	"fmt"
	"net/netip"
)

// maxSendRetries bounds the retry loop in Send. UDP surfaces ICMP errors
// asynchronously and they may belong to a prior datagram sent to an
// unrelated destination, so a handful of these apparent failures must be
// tolerated rather than treated as final.
const maxSendRetries = 10

// RawSocket is the OS-level UDP socket collaborator: a non-blocking
// datagram endpoint. WriteToUDP and ReadFromUDP must not block;
// ReadFromUDP returns ErrNoData (wrapped) when nothing is ready.
type RawSocket interface {
	WriteToUDP(buf []byte, addr netip.AddrPort) (int, error)
	ReadFromUDP(buf []byte) (n int, from netip.AddrPort, err error)
}

// TransientErrorClassifier reports whether err represents a transient,
// ICMP-surfaced delivery failure (network/host unreachable, port
// unreachable, protocol unreachable, host down, host isolated) that
// Send should retry rather than treat as final. It is a seam so the
// platform-specific syscall.Errno classification can be swapped in
// tests.
type TransientErrorClassifier func(err error) bool

// UDPTransport implements the Teredo UDP transport adapter: non-blocking
// send with bounded retry over transient ICMP errors, and non-blocking
// receive into a reusable parse buffer.
type UDPTransport struct {
	sock      RawSocket
	transient TransientErrorClassifier
	recvBuf   [MaxUDPPayload]byte
}

// NewUDPTransport wraps sock with the given retry and error-classification
// policy. If classifier is nil, DefaultTransientClassifier is used.
func NewUDPTransport(sock RawSocket, classifier TransientErrorClassifier) *UDPTransport {
	if classifier == nil {
		classifier = DefaultTransientClassifier
	}
	return &UDPTransport{sock: sock, transient: classifier}
}

// Send issues one datagram to (ipv4, port), making up to maxSendRetries
// attempts in total while the error is transient before surfacing ErrIoError.
func (t *UDPTransport) Send(ipv4 netip.Addr, port uint16, iovec [][]byte) error {
	buf := flattenSlices(iovec)
	addr := netip.AddrPortFrom(ipv4, port)

	var lastErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		_, err := t.sock.WriteToUDP(buf, addr)
		if err == nil {
			return nil
		}
		if !t.transient(err) {
			return fmt.Errorf("udp send to %s: %w", addr, errors.Join(ErrIoError, err))
		}
		lastErr = err
	}
	return fmt.Errorf("udp send to %s after %d attempts: %w", addr, maxSendRetries, errors.Join(ErrIoError, lastErr))
}

// Recv performs one non-blocking receive. It returns ErrNoData when the
// socket has nothing ready, ErrMalformed when the datagram fails to
// parse, or a wrapped ErrIoError on any other failure.
//
// The returned ParsedPacket.IPv6Payload slices into the transport's
// internal buffer and is only valid until the next call to Recv; callers
// that need to retain data beyond the current entry point must copy it.
func (t *UDPTransport) Recv() (*ParsedPacket, error) {
	n, from, err := t.sock.ReadFromUDP(t.recvBuf[:])
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("udp recv: %w", errors.Join(ErrIoError, err))
	}

	parsed, perr := Unmarshal(t.recvBuf[:n], from.Addr(), from.Port())
	if perr != nil {
		return nil, perr
	}
	return parsed, nil
}

func flattenSlices(bufs [][]byte) []byte {
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
