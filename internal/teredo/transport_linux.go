//go:build linux

package teredo

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultTransientClassifier classifies the ICMP-surfaced errno values
// that Send should retry rather than treat as final: network
// unreachable, host unreachable, port unreachable (connection refused),
// protocol unreachable, host down, and host isolated.
func DefaultTransientClassifier(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			errors.As(opErr.Err, &errno)
		}
	}
	if errno == 0 {
		return false
	}

	switch errno {
	case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ECONNREFUSED,
		unix.ENOPROTOOPT, unix.EHOSTDOWN, unix.ENONET:
		return true
	default:
		return false
	}
}
