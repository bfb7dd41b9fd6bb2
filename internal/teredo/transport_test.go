package teredo

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	sendErrs   []error // consumed in order by WriteToUDP
	sentTo     []netip.AddrPort
	sentBytes  [][]byte
	recvQueue  [][]byte
	recvFrom   netip.AddrPort
	recvErr    error
}

func (f *fakeSocket) WriteToUDP(buf []byte, addr netip.AddrPort) (int, error) {
	f.sentTo = append(f.sentTo, addr)
	cp := append([]byte(nil), buf...)
	f.sentBytes = append(f.sentBytes, cp)

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

func (f *fakeSocket) ReadFromUDP(buf []byte) (int, netip.AddrPort, error) {
	if f.recvErr != nil {
		return 0, netip.AddrPort{}, f.recvErr
	}
	if len(f.recvQueue) == 0 {
		return 0, netip.AddrPort{}, ErrNoData
	}
	pkt := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	n := copy(buf, pkt)
	return n, f.recvFrom, nil
}

func TestUDPTransportSendSuccess(t *testing.T) {
	sock := &fakeSocket{}
	tr := NewUDPTransport(sock, func(error) bool { return false })

	err := tr.Send(netip.MustParseAddr("198.51.100.9"), 50000, [][]byte{{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, sock.sentTo, 1)
	require.Equal(t, []byte{1, 2, 3}, sock.sentBytes[0])
}

func TestUDPTransportSendRetriesTransientThenSucceeds(t *testing.T) {
	sock := &fakeSocket{sendErrs: []error{fmt.Errorf("icmp host unreachable"), nil}}
	tr := NewUDPTransport(sock, func(error) bool { return true })

	err := tr.Send(netip.MustParseAddr("198.51.100.9"), 50000, [][]byte{{1}})
	require.NoError(t, err)
	require.Len(t, sock.sentTo, 2)
}

func TestUDPTransportSendFinalErrorStopsImmediately(t *testing.T) {
	sock := &fakeSocket{sendErrs: []error{fmt.Errorf("permission denied")}}
	tr := NewUDPTransport(sock, func(error) bool { return false })

	err := tr.Send(netip.MustParseAddr("198.51.100.9"), 50000, [][]byte{{1}})
	require.ErrorIs(t, err, ErrIoError)
	require.Len(t, sock.sentTo, 1)
}

func TestUDPTransportSendExhaustsRetries(t *testing.T) {
	errs := make([]error, maxSendRetries)
	for i := range errs {
		errs[i] = fmt.Errorf("transient")
	}
	sock := &fakeSocket{sendErrs: errs}
	tr := NewUDPTransport(sock, func(error) bool { return true })

	err := tr.Send(netip.MustParseAddr("198.51.100.9"), 50000, [][]byte{{1}})
	require.ErrorIs(t, err, ErrIoError)
	require.Len(t, sock.sentTo, maxSendRetries)
}

func TestUDPTransportRecvNoData(t *testing.T) {
	sock := &fakeSocket{}
	tr := NewUDPTransport(sock, nil)

	_, err := tr.Recv()
	require.ErrorIs(t, err, ErrNoData)
}

func TestUDPTransportRecvParses(t *testing.T) {
	sock := &fakeSocket{
		recvQueue: [][]byte{bareIPv6(0)},
		recvFrom:  netip.MustParseAddrPort("192.0.2.1:3544"),
	}
	tr := NewUDPTransport(sock, nil)

	pkt, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), pkt.SourceIPv4)
	require.Equal(t, uint16(3544), pkt.SourcePort)
}
