package teredo

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
)

// UDPSocket adapts a real *net.UDPConn to the RawSocket contract. The
// engine itself must stay single-threaded with no internal goroutines,
// so the adaptation happens here instead: one background goroutine
// performs blocking OS reads and feeds a bounded queue; ReadFromUDP
// drains that queue non-blockingly, exactly as RawSocket requires.
type UDPSocket struct {
	conn   *net.UDPConn
	queue  chan datagram
	wake   chan struct{}
	closed atomic.Bool
}

type datagram struct {
	buf  []byte
	from netip.AddrPort
}

// socketQueueDepth bounds how many inbound datagrams may be buffered
// before the background reader blocks, applying backpressure to the OS
// socket rather than growing memory without limit.
const socketQueueDepth = 64

// NewUDPSocket binds a UDP socket at laddr and starts the background
// reader goroutine. wake, returned alongside, is signaled (non-blocking,
// capacity 1) whenever a new datagram is enqueued, so a driver loop can
// select on it instead of polling ReadFromUDP in a busy loop.
func NewUDPSocket(laddr netip.AddrPort) (sock *UDPSocket, wake <-chan struct{}, err error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp %s: %w", laddr, err)
	}

	s := &UDPSocket{
		conn:  conn,
		queue: make(chan datagram, socketQueueDepth),
		wake:  make(chan struct{}, 1),
	}
	go s.readLoop()

	return s, s.wake, nil
}

// readLoop blocks on the OS socket and forwards each datagram into queue
// until the socket is closed.
func (s *UDPSocket) readLoop() {
	buf := make([]byte, MaxUDPPayload)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		s.queue <- datagram{buf: cp, from: from}

		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// WriteToUDP implements RawSocket.
func (s *UDPSocket) WriteToUDP(buf []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(buf, addr)
}

// ReadFromUDP implements RawSocket: it drains one queued datagram without
// blocking, returning ErrNoData when the queue is empty.
func (s *UDPSocket) ReadFromUDP(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.queue:
		n := copy(buf, d.buf)
		return n, d.from, nil
	default:
		return 0, netip.AddrPort{}, ErrNoData
	}
}

// LocalAddr reports the address the socket is bound to, for callers that
// bound to port 0 and need the OS-assigned ephemeral port.
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops the background reader and releases the socket.
func (s *UDPSocket) Close() error {
	s.closed.Store(true)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close udp socket: %w", err)
	}
	return nil
}
