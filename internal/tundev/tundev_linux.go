//go:build linux

package tundev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunPath    = "/dev/net/tun"
	ifNameSize = 16
	iffTUN     = 0x0001
	iffNoPI    = 0x1000
	tunSetIFF  = 0x400454ca // TUNSETIFF, from linux/if_tun.h
)

// linuxDevice is a Device backed by /dev/net/tun.
type linuxDevice struct {
	file *os.File
	name string
}

// Open creates (or attaches to) a TUN interface named name, or lets the
// kernel pick a name if name is empty. The interface carries raw IPv6
// datagrams with no additional packet-info header (IFF_NO_PI).
func Open(name string) (Device, error) {
	f, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunPath, err)
	}

	var ifr struct {
		name  [ifNameSize]byte
		flags uint16
		_     [22]byte // pad to match struct ifreq's union size
	}
	copy(ifr.name[:], name)
	ifr.flags = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}

	assigned := unix.ByteSliceToString(ifr.name[:])
	return &linuxDevice{file: f, name: assigned}, nil
}

func (d *linuxDevice) Write(ipv6 []byte) error {
	if _, err := d.file.Write(ipv6); err != nil {
		return fmt.Errorf("write to %s: %w", d.name, err)
	}
	return nil
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read from %s: %w", d.name, err)
	}
	return n, nil
}

func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.name, err)
	}
	return nil
}
